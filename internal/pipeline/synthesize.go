package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/pkg/claude"
)

// Metrics are derived from extracted financials before narrative generation.
type Metrics struct {
	OperatingMargin float64 `json:"operating_margin"`
	AssetMonths     float64 `json:"asset_months"`
	RevenueGrowth   float64 `json:"revenue_growth"`
}

// SynthesisDoc is the synthesize phase artifact: derived metrics plus the
// model-written narrative.
type SynthesisDoc struct {
	EIN       string  `json:"ein"`
	Metrics   Metrics `json:"metrics"`
	Narrative string  `json:"narrative"`
	Model     string  `json:"model"`
	CostUSD   float64 `json:"cost_usd"`
}

const synthesizeSystemPrompt = `You are an analyst writing short, factual
assessments of nonprofit organizations from their IRS filing data. Write
three to five sentences. State figures plainly, note sustainability signals
(margin, reserves, growth), and avoid speculation beyond the numbers.`

// Synthesize derives metrics from the extract artifact and asks Claude for
// a narrative assessment. Token cost is attributed to the cache row.
func Synthesize(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error) {
	var fin Financials
	if err := readArtifact(env.WorkDir, org.EIN, "extract", &fin); err != nil {
		return nil, err
	}

	metrics := deriveMetrics(fin)

	resp, err := env.Claude.CreateMessage(ctx, claude.MessageRequest{
		Model:     env.ClaudeModel,
		MaxTokens: 1024,
		System: []claude.SystemBlock{{
			Text:         synthesizeSystemPrompt,
			CacheControl: &claude.CacheControl{TTL: "1h"},
		}},
		Messages: []claude.Message{{
			Role:    "user",
			Content: synthesizePrompt(fin, metrics),
		}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "synthesize: narrative for %s", org.EIN)
	}

	resp.Usage.LogCost(env.ClaudeModel, "synthesize")
	costUSD := env.Calc.Claude(env.ClaudeModel,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)

	doc := SynthesisDoc{
		EIN:       org.EIN,
		Metrics:   metrics,
		Narrative: resp.Text(),
		Model:     env.ClaudeModel,
		CostUSD:   costUSD,
	}

	path, err := writeArtifact(env.WorkDir, org.EIN, "synthesize", doc)
	if err != nil {
		return nil, err
	}

	return &PhaseOutput{Artifact: path, CostUSD: costUSD}, nil
}

// deriveMetrics computes the ratios the baseline score is built from.
func deriveMetrics(fin Financials) Metrics {
	var m Metrics

	if fin.TotalRevenue > 0 {
		m.OperatingMargin = float64(fin.TotalRevenue-fin.TotalExpenses) / float64(fin.TotalRevenue)
	}

	if fin.TotalExpenses > 0 {
		monthlySpend := float64(fin.TotalExpenses) / 12
		m.AssetMonths = float64(fin.TotalAssets) / monthlySpend
	}

	if fin.PriorRevenue > 0 {
		m.RevenueGrowth = float64(fin.TotalRevenue-fin.PriorRevenue) / float64(fin.PriorRevenue)
	}

	return m
}

func synthesizePrompt(fin Financials, m Metrics) string {
	return fmt.Sprintf(
		"Organization: %s (EIN %s, NTEE %s)\n"+
			"Filing year: %d (%d filings on record)\n"+
			"Total revenue: $%d\nTotal expenses: $%d\nTotal assets: $%d\n"+
			"Operating margin: %.3f\nMonths of assets at current spend: %.1f\n"+
			"Year-over-year revenue growth: %.3f\n\n"+
			"Write the assessment.",
		fin.Name, fin.EIN, fin.NTEECode,
		fin.FilingYear, fin.FilingCount,
		fin.TotalRevenue, fin.TotalExpenses, fin.TotalAssets,
		m.OperatingMargin, m.AssetMonths, m.RevenueGrowth,
	)
}
