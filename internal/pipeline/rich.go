package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// RichDoc is the final export artifact: everything upstream, assembled into
// one report with a rendered markdown body.
type RichDoc struct {
	EIN         string     `json:"ein"`
	Name        string     `json:"name"`
	Financials  Financials `json:"financials"`
	Metrics     Metrics    `json:"metrics"`
	Narrative   string     `json:"narrative"`
	Score       float64    `json:"score"`
	Report      string     `json:"report_markdown"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Rich assembles the full report from the crawl, extract, synthesize, and
// baseline artifacts.
func Rich(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error) {
	var fin Financials
	if err := readArtifact(env.WorkDir, org.EIN, "extract", &fin); err != nil {
		return nil, err
	}
	var syn SynthesisDoc
	if err := readArtifact(env.WorkDir, org.EIN, "synthesize", &syn); err != nil {
		return nil, err
	}
	var base BaselineDoc
	if err := readArtifact(env.WorkDir, org.EIN, "baseline", &base); err != nil {
		return nil, err
	}

	doc := RichDoc{
		EIN:         org.EIN,
		Name:        fin.Name,
		Financials:  fin,
		Metrics:     syn.Metrics,
		Narrative:   syn.Narrative,
		Score:       base.Score,
		Report:      renderReport(fin, syn, base),
		GeneratedAt: time.Now().UTC(),
	}

	path, err := writeArtifact(env.WorkDir, org.EIN, "rich", doc)
	if err != nil {
		return nil, err
	}

	return &PhaseOutput{Artifact: path}, nil
}

func renderReport(fin Financials, syn SynthesisDoc, base BaselineDoc) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s (EIN %s)\n\n", fin.Name, fin.EIN)
	fmt.Fprintf(&b, "**Score: %.1f / 100**\n\n", base.Score)

	b.WriteString("## Financials\n")
	fmt.Fprintf(&b, "- Filing year: %d\n", fin.FilingYear)
	fmt.Fprintf(&b, "- Total revenue: $%d\n", fin.TotalRevenue)
	fmt.Fprintf(&b, "- Total expenses: $%d\n", fin.TotalExpenses)
	fmt.Fprintf(&b, "- Total assets: $%d\n\n", fin.TotalAssets)

	b.WriteString("## Score components\n")
	for _, name := range []string{"margin", "reserves", "growth"} {
		fmt.Fprintf(&b, "- %s: %.1f\n", name, base.Components[name])
	}
	b.WriteString("\n")

	b.WriteString("## Assessment\n")
	b.WriteString(syn.Narrative)
	b.WriteString("\n")

	return b.String()
}
