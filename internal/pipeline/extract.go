package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Financials is the extract phase artifact: structured figures pulled from
// the most recent filing in the crawl output.
type Financials struct {
	EIN           string `json:"ein"`
	Name          string `json:"name"`
	NTEECode      string `json:"ntee_code,omitempty"`
	FilingYear    int    `json:"filing_year"`
	TotalRevenue  int64  `json:"total_revenue"`
	TotalExpenses int64  `json:"total_expenses"`
	TotalAssets   int64  `json:"total_assets"`
	FilingCount   int    `json:"filing_count"`

	// PriorRevenue backs the revenue-trend metric; zero when only one
	// filing year is available.
	PriorRevenue int64 `json:"prior_revenue,omitempty"`
}

// Extract parses the crawl artifact into structured financials. It needs no
// network access; a missing or filing-less crawl artifact is a permanent
// failure for this run.
func Extract(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error) {
	var doc CrawlDoc
	if err := readArtifact(env.WorkDir, org.EIN, "crawl", &doc); err != nil {
		return nil, err
	}

	if len(doc.Filings) == 0 {
		return nil, eris.Errorf("extract: %s has no filings with data", org.EIN)
	}

	latest := doc.Filings[0]
	for _, f := range doc.Filings[1:] {
		if f.TaxPeriodYear > latest.TaxPeriodYear {
			latest = f
		}
	}

	fin := Financials{
		EIN:           org.EIN,
		Name:          doc.Org.Name,
		NTEECode:      doc.Org.NTEECode,
		FilingYear:    latest.TaxPeriodYear,
		TotalRevenue:  latest.TotalRevenue,
		TotalExpenses: latest.TotalExpenses,
		TotalAssets:   latest.TotalAssets,
		FilingCount:   len(doc.Filings),
	}

	for _, f := range doc.Filings {
		if f.TaxPeriodYear == latest.TaxPeriodYear-1 {
			fin.PriorRevenue = f.TotalRevenue
			break
		}
	}

	path, err := writeArtifact(env.WorkDir, org.EIN, "extract", fin)
	if err != nil {
		return nil, err
	}

	return &PhaseOutput{Artifact: path}, nil
}
