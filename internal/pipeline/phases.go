// Package pipeline orchestrates incremental phase execution for nonprofit
// organizations: deciding per (org, phase) whether cached output is still
// usable, running phase bodies through the worker pool, recording successes
// with cascade invalidation, and applying the quality gate.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/cost"
	"github.com/uabbasi/good-measure-giving/internal/fetcher"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/pkg/claude"
	"github.com/uabbasi/good-measure-giving/pkg/propublica"
)

// PhaseOutput is what a phase body hands back to the engine: the money it
// spent and the artifact it produced. The engine never looks inside the
// artifact; that is the quality gate's job.
type PhaseOutput struct {
	CostUSD  float64
	Artifact string // path to the phase's output file
}

// PhaseFunc is an opaque phase body. It does the real work for one org and
// reports success or failure plus cost.
type PhaseFunc func(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error)

// Env carries the shared collaborators phase bodies draw on. It is built
// once per run and read-only afterwards, so workers share it freely.
type Env struct {
	WorkDir     string
	Fetcher     fetcher.Fetcher
	ProPublica  propublica.Client
	Claude      claude.Client
	ClaudeModel string
	Calc        *cost.Calculator
}

// DefaultPhaseFuncs returns the built-in phase bodies keyed by phase name,
// matching the phase definitions in model.DefaultPhases.
func DefaultPhaseFuncs() map[string]PhaseFunc {
	return map[string]PhaseFunc{
		"crawl":      Crawl,
		"extract":    Extract,
		"synthesize": Synthesize,
		"baseline":   Baseline,
		"rich":       Rich,
	}
}

// sourceForPhase names the external source a phase depends on, for retry
// tracking. Local-only phases have no source and are never backed off.
func sourceForPhase(phase string) string {
	switch phase {
	case "crawl":
		return "propublica"
	case "synthesize":
		return "claude"
	default:
		return ""
	}
}

// artifactPath returns the canonical output location for one (org, phase).
func artifactPath(workDir, ein, phase string) string {
	return filepath.Join(workDir, ein, phase+".json")
}

// writeArtifact marshals v and writes it to the phase's artifact path,
// creating the org directory as needed.
func writeArtifact(workDir, ein, phase string, v any) (string, error) {
	path := artifactPath(workDir, ein, phase)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "%s: create org dir", phase)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", eris.Wrapf(err, "%s: marshal artifact", phase)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "%s: write artifact", phase)
	}
	return path, nil
}

// readArtifact loads an upstream phase's artifact into v.
func readArtifact(workDir, ein, phase string, v any) error {
	path := artifactPath(workDir, ein, phase)
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s artifact for %s", phase, ein)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s artifact for %s", phase, ein)
	}
	return nil
}
