package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/internal/resilience"
	"github.com/uabbasi/good-measure-giving/pkg/propublica"
)

// CrawlDoc is the crawl phase artifact: the raw registry record and filing
// history for one org, as fetched.
type CrawlDoc struct {
	Org       propublica.Organization `json:"org"`
	Filings   []propublica.Filing     `json:"filings"`
	FilingPDF string                  `json:"filing_pdf,omitempty"`
	FetchedAt time.Time               `json:"fetched_at"`
}

// Crawl fetches the organization record and Form 990 filing index from
// ProPublica Nonprofit Explorer and stores the raw result. When the latest
// filing carries a document URL, the document itself is pulled down through
// the rate-limited fetcher alongside the index.
func Crawl(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error) {
	resp, err := resilience.DoVal(ctx, crawlRetryConfig(org.EIN), func(ctx context.Context) (*propublica.OrgResponse, error) {
		return env.ProPublica.Organization(ctx, org.EIN)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "crawl: fetch %s", org.EIN)
	}

	doc := CrawlDoc{
		Org:       resp.Organization,
		Filings:   resp.Filings,
		FetchedAt: time.Now().UTC(),
	}

	var fetchedBytes int64
	if pdfURL := latestFilingPDF(resp.Filings); pdfURL != "" && env.Fetcher != nil {
		pdfPath := filepath.Join(env.WorkDir, org.EIN, "filing.pdf")
		n, dlErr := env.Fetcher.DownloadToFile(ctx, pdfURL, pdfPath)
		if dlErr != nil {
			// The filing index is the phase's real output; a missing
			// document copy is not worth failing the org over.
			zap.L().Warn("crawl: filing document download failed",
				zap.String("ein", org.EIN),
				zap.String("url", pdfURL),
				zap.Error(dlErr),
			)
		} else {
			doc.FilingPDF = pdfPath
			fetchedBytes += n
		}
	}

	path, err := writeArtifact(env.WorkDir, org.EIN, "crawl", doc)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		fetchedBytes += info.Size()
	}

	return &PhaseOutput{Artifact: path, CostUSD: env.Calc.Crawl(fetchedBytes)}, nil
}

// latestFilingPDF returns the document URL of the most recent filing, or ""
// when no filing advertises one.
func latestFilingPDF(filings []propublica.Filing) string {
	var url string
	year := -1
	for _, f := range filings {
		if f.PDFURL != "" && f.TaxPeriodYear > year {
			year = f.TaxPeriodYear
			url = f.PDFURL
		}
	}
	return url
}

func crawlRetryConfig(ein string) resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.OnRetry = resilience.Logger("propublica", "organization "+ein)
	return cfg
}
