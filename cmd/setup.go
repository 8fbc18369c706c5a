package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/cost"
	"github.com/uabbasi/good-measure-giving/internal/fetcher"
	"github.com/uabbasi/good-measure-giving/internal/fingerprint"
	"github.com/uabbasi/good-measure-giving/internal/graph"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/internal/pipeline"
	"github.com/uabbasi/good-measure-giving/internal/retry"
	"github.com/uabbasi/good-measure-giving/pkg/claude"
	"github.com/uabbasi/good-measure-giving/pkg/propublica"
)

func initStore(ctx context.Context) (cache.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "gmg.db"
		}
		return cache.NewSQLite(path)
	case "postgres":
		return cache.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (cache.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func loadGraph() (*graph.Graph, error) {
	defs := model.DefaultPhases()
	if cfg.Pipeline.PhasesFile != "" {
		var err error
		defs, err = model.LoadPhases(cfg.Pipeline.PhasesFile)
		if err != nil {
			return nil, eris.Wrap(err, "load phase definitions")
		}
	}
	return graph.Build(defs)
}

func initEnv() *pipeline.Env {
	rates := cost.DefaultRates()
	if cfg.Pricing.CrawlPerGB > 0 {
		rates.Crawl.PerGB = cfg.Pricing.CrawlPerGB
	}
	return &pipeline.Env{
		WorkDir:     cfg.Pipeline.WorkDir,
		Fetcher:     fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}),
		ProPublica:  propublica.NewClient(),
		Claude:      claude.NewClient(cfg.Anthropic.Key),
		ClaudeModel: cfg.Anthropic.Model,
		Calc:        cost.NewCalculator(rates),
	}
}

func initTracker(st cache.Store) *retry.Tracker {
	return retry.NewTracker(st, retry.Config{
		MaxFailures: cfg.Retry.MaxFailures,
		ResetTTL:    cfg.Retry.ResetTTL,
	})
}

func initHasher() (*fingerprint.Hasher, error) {
	return fingerprint.NewHasher(cfg.Pipeline.SourceRoot)
}
