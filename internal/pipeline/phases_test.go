package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uabbasi/good-measure-giving/internal/cost"
	"github.com/uabbasi/good-measure-giving/internal/fetcher"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/pkg/claude"
	"github.com/uabbasi/good-measure-giving/pkg/propublica"
)

// fakeClaude returns a canned narrative and usage.
type fakeClaude struct {
	lastReq claude.MessageRequest
	err     error
}

func (f *fakeClaude) CreateMessage(ctx context.Context, req claude.MessageRequest) (*claude.MessageResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &claude.MessageResponse{
		Content: []claude.ContentBlock{{Type: "text", Text: "A financially stable organization."}},
		Usage:   claude.TokenUsage{InputTokens: 400, OutputTokens: 120},
	}, nil
}

func testEnv(t *testing.T) *Env {
	return &Env{
		WorkDir:     t.TempDir(),
		Claude:      &fakeClaude{},
		ClaudeModel: "claude-haiku-4-5-20251001",
		Calc:        cost.NewCalculator(cost.DefaultRates()),
	}
}

func redCross() model.Org { return model.Org{EIN: "13-1644147"} }

func seedCrawl(t *testing.T, env *Env, filings []propublica.Filing) {
	t.Helper()
	_, err := writeArtifact(env.WorkDir, "13-1644147", "crawl", CrawlDoc{
		Org:     propublica.Organization{EIN: 131644147, Name: "AMERICAN NATIONAL RED CROSS", NTEECode: "P43"},
		Filings: filings,
	})
	require.NoError(t, err)
}

func TestCrawl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"organization": {"ein": 131644147, "name": "AMERICAN NATIONAL RED CROSS"},
			"filings_with_data": [{"tax_prd_yr": 2024, "totrevenue": 100}]
		}`))
	}))
	defer srv.Close()

	env := testEnv(t)
	env.ProPublica = propublica.NewClient(propublica.WithBaseURL(srv.URL), propublica.WithRateLimit(1000, 1000))

	out, err := Crawl(context.Background(), env, redCross())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, artifactPath(env.WorkDir, "13-1644147", "crawl"), out.Artifact)

	var doc CrawlDoc
	require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "crawl", &doc))
	assert.Equal(t, "AMERICAN NATIONAL RED CROSS", doc.Org.Name)
	require.Len(t, doc.Filings, 1)
	assert.False(t, doc.FetchedAt.IsZero())
}

func TestCrawl_DownloadsLatestFilingDocument(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/2023.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stale document"))
	})
	mux.HandleFunc("/2024.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.7 form 990"))
	})
	mux.HandleFunc("/organizations/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"organization": {"ein": 131644147, "name": "AMERICAN NATIONAL RED CROSS"},
			"filings_with_data": [
				{"tax_prd_yr": 2023, "pdf_url": %q},
				{"tax_prd_yr": 2024, "pdf_url": %q}
			]
		}`, srv.URL+"/2023.pdf", srv.URL+"/2024.pdf")
	})

	env := testEnv(t)
	env.ProPublica = propublica.NewClient(propublica.WithBaseURL(srv.URL), propublica.WithRateLimit(1000, 1000))
	env.Fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})

	out, err := Crawl(context.Background(), env, redCross())
	require.NoError(t, err)

	var doc CrawlDoc
	require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "crawl", &doc))
	require.Equal(t, filepath.Join(env.WorkDir, "13-1644147", "filing.pdf"), doc.FilingPDF)

	pdf, err := os.ReadFile(doc.FilingPDF)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 form 990", string(pdf), "the most recent filing's document is the one kept")
	assert.Greater(t, out.CostUSD, 0.0)
}

func TestCrawl_FilingDocumentFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/gone.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/organizations/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"organization": {"ein": 131644147, "name": "AMERICAN NATIONAL RED CROSS"},
			"filings_with_data": [{"tax_prd_yr": 2024, "pdf_url": %q}]
		}`, srv.URL+"/gone.pdf")
	})

	env := testEnv(t)
	env.ProPublica = propublica.NewClient(propublica.WithBaseURL(srv.URL), propublica.WithRateLimit(1000, 1000))
	env.Fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})

	out, err := Crawl(context.Background(), env, redCross())
	require.NoError(t, err)
	require.NotNil(t, out)

	var doc CrawlDoc
	require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "crawl", &doc))
	assert.Empty(t, doc.FilingPDF)
}

func TestLatestFilingPDF(t *testing.T) {
	assert.Empty(t, latestFilingPDF(nil))
	assert.Empty(t, latestFilingPDF([]propublica.Filing{{TaxPeriodYear: 2024}}))
	assert.Equal(t, "b", latestFilingPDF([]propublica.Filing{
		{TaxPeriodYear: 2022, PDFURL: "a"},
		{TaxPeriodYear: 2024, PDFURL: "b"},
		{TaxPeriodYear: 2023, PDFURL: "c"},
	}))
}

func TestExtract(t *testing.T) {
	env := testEnv(t)
	seedCrawl(t, env, []propublica.Filing{
		{TaxPeriodYear: 2022, TotalRevenue: 2_800_000_000},
		{TaxPeriodYear: 2024, TotalRevenue: 3_100_000_000, TotalExpenses: 2_900_000_000, TotalAssets: 3_500_000_000},
		{TaxPeriodYear: 2023, TotalRevenue: 3_000_000_000},
	})

	out, err := Extract(context.Background(), env, redCross())
	require.NoError(t, err)

	var fin Financials
	require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "extract", &fin))
	assert.Equal(t, 2024, fin.FilingYear, "latest filing wins")
	assert.Equal(t, int64(3_100_000_000), fin.TotalRevenue)
	assert.Equal(t, int64(3_000_000_000), fin.PriorRevenue)
	assert.Equal(t, 3, fin.FilingCount)
	assert.Equal(t, "P43", fin.NTEECode)
	assert.NotEmpty(t, out.Artifact)
}

func TestExtract_NoFilings(t *testing.T) {
	env := testEnv(t)
	seedCrawl(t, env, nil)

	_, err := Extract(context.Background(), env, redCross())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no filings")
}

func TestExtract_MissingCrawlArtifact(t *testing.T) {
	env := testEnv(t)
	_, err := Extract(context.Background(), env, redCross())
	require.Error(t, err)
}

func TestSynthesize(t *testing.T) {
	env := testEnv(t)
	fc := env.Claude.(*fakeClaude)
	_, err := writeArtifact(env.WorkDir, "13-1644147", "extract", Financials{
		EIN: "13-1644147", Name: "AMERICAN NATIONAL RED CROSS",
		FilingYear:    2024,
		TotalRevenue:  3_100_000_000,
		TotalExpenses: 2_900_000_000,
		TotalAssets:   3_500_000_000,
		PriorRevenue:  3_000_000_000,
	})
	require.NoError(t, err)

	out, err := Synthesize(context.Background(), env, redCross())
	require.NoError(t, err)

	var doc SynthesisDoc
	require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "synthesize", &doc))
	assert.Equal(t, "A financially stable organization.", doc.Narrative)
	assert.InDelta(t, (3.1e9-2.9e9)/3.1e9, doc.Metrics.OperatingMargin, 1e-9)
	assert.InDelta(t, 3.5e9/(2.9e9/12), doc.Metrics.AssetMonths, 1e-6)
	assert.InDelta(t, 0.1/3.0, doc.Metrics.RevenueGrowth, 1e-9)

	// Haiku pricing: 400 in + 120 out.
	wantCost := (400.0/1e6)*0.80 + (120.0/1e6)*4.00
	assert.InDelta(t, wantCost, out.CostUSD, 1e-9)
	assert.InDelta(t, wantCost, doc.CostUSD, 1e-9)

	// Prompt carries the figures; system block is cache-controlled.
	assert.Contains(t, fc.lastReq.Messages[0].Content, "AMERICAN NATIONAL RED CROSS")
	require.Len(t, fc.lastReq.System, 1)
	require.NotNil(t, fc.lastReq.System[0].CacheControl)
}

func TestSynthesize_ClaudeError(t *testing.T) {
	env := testEnv(t)
	env.Claude = &fakeClaude{err: assert.AnError}
	_, err := writeArtifact(env.WorkDir, "13-1644147", "extract", Financials{EIN: "13-1644147"})
	require.NoError(t, err)

	_, err = Synthesize(context.Background(), env, redCross())
	require.Error(t, err)
}

func TestBaseline(t *testing.T) {
	env := testEnv(t)

	t.Run("healthy org scores high", func(t *testing.T) {
		_, err := writeArtifact(env.WorkDir, "13-1644147", "synthesize", SynthesisDoc{
			EIN:     "13-1644147",
			Metrics: Metrics{OperatingMargin: 0.10, AssetMonths: 14, RevenueGrowth: 0.08},
		})
		require.NoError(t, err)

		_, err = Baseline(context.Background(), env, redCross())
		require.NoError(t, err)

		var doc BaselineDoc
		require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "baseline", &doc))
		assert.Greater(t, doc.Score, 60.0)
		assert.LessOrEqual(t, doc.Score, 100.0)
		assert.Equal(t, 100.0, doc.Components["reserves"], "14 months of runway is full marks")
	})

	t.Run("struggling org scores low", func(t *testing.T) {
		_, err := writeArtifact(env.WorkDir, "13-1644147", "synthesize", SynthesisDoc{
			EIN:     "13-1644147",
			Metrics: Metrics{OperatingMargin: -0.30, AssetMonths: 1, RevenueGrowth: -0.40},
		})
		require.NoError(t, err)

		_, err = Baseline(context.Background(), env, redCross())
		require.NoError(t, err)

		var doc BaselineDoc
		require.NoError(t, readArtifact(env.WorkDir, "13-1644147", "baseline", &doc))
		assert.Less(t, doc.Score, 20.0)
		assert.GreaterOrEqual(t, doc.Score, 0.0)
	})
}

func TestRich(t *testing.T) {
	env := testEnv(t)
	ein := "13-1644147"

	_, err := writeArtifact(env.WorkDir, ein, "extract", Financials{
		EIN: ein, Name: "AMERICAN NATIONAL RED CROSS", FilingYear: 2024,
		TotalRevenue: 3_100_000_000, TotalExpenses: 2_900_000_000, TotalAssets: 3_500_000_000,
	})
	require.NoError(t, err)
	_, err = writeArtifact(env.WorkDir, ein, "synthesize", SynthesisDoc{
		EIN: ein, Narrative: "Stable.", Metrics: Metrics{OperatingMargin: 0.06},
	})
	require.NoError(t, err)
	_, err = writeArtifact(env.WorkDir, ein, "baseline", BaselineDoc{
		EIN: ein, Score: 78.2,
		Components: map[string]float64{"margin": 66, "reserves": 100, "growth": 62},
	})
	require.NoError(t, err)

	_, err = Rich(context.Background(), env, redCross())
	require.NoError(t, err)

	var doc RichDoc
	require.NoError(t, readArtifact(env.WorkDir, ein, "rich", &doc))
	assert.Equal(t, 78.2, doc.Score)
	assert.Equal(t, "Stable.", doc.Narrative)
	assert.Contains(t, doc.Report, "# AMERICAN NATIONAL RED CROSS (EIN 13-1644147)")
	assert.Contains(t, doc.Report, "**Score: 78.2 / 100**")
	assert.False(t, doc.GeneratedAt.IsZero())
}

func TestRich_MissingUpstream(t *testing.T) {
	env := testEnv(t)
	_, err := Rich(context.Background(), env, redCross())
	require.Error(t, err)
}

func TestDefaultPhaseFuncs_CoverDefaultPhases(t *testing.T) {
	funcs := DefaultPhaseFuncs()
	for _, def := range model.DefaultPhases() {
		_, ok := funcs[def.Name]
		assert.True(t, ok, "phase %s has no body", def.Name)
	}
}

func TestSourceForPhase(t *testing.T) {
	assert.Equal(t, "propublica", sourceForPhase("crawl"))
	assert.Equal(t, "claude", sourceForPhase("synthesize"))
	assert.Empty(t, sourceForPhase("extract"))
	assert.Empty(t, sourceForPhase("baseline"))
	assert.Empty(t, sourceForPhase("rich"))
}
