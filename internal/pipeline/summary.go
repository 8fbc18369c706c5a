package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// OutcomeKind classifies what happened to one (org, phase) unit of work.
type OutcomeKind string

const (
	// OutcomeCached means the cache entry was still valid and nothing ran.
	OutcomeCached OutcomeKind = "cached"
	// OutcomeSucceeded means the phase ran, was recorded, and passed the gate.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeFailed means a transient external failure; the retry tracker
	// recorded it for cross-run backoff.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeErrored means an internal failure caught at the org boundary.
	OutcomeErrored OutcomeKind = "errored"
	// OutcomeSkipped means the retry tracker blocked the attempt.
	OutcomeSkipped OutcomeKind = "skipped"
	// OutcomeVetoed means the quality gate revoked the just-written entry.
	OutcomeVetoed OutcomeKind = "vetoed"
)

// Outcome is the per-org result line for one phase run.
type Outcome struct {
	EIN      string          `json:"ein"`
	Phase    string          `json:"phase"`
	Kind     OutcomeKind     `json:"kind"`
	Reason   string          `json:"reason"`
	CostUSD  float64         `json:"cost_usd,omitempty"`
	Purged   []string        `json:"purged,omitempty"`
	Findings []model.Finding `json:"findings,omitempty"`
	Err      error           `json:"-"`
}

// Log emits the per-org outcome line.
func (o Outcome) Log(log *zap.Logger) {
	fields := []zap.Field{
		zap.String("ein", o.EIN),
		zap.String("outcome", string(o.Kind)),
		zap.String("reason", o.Reason),
	}
	if o.CostUSD > 0 {
		fields = append(fields, zap.Float64("cost_usd", o.CostUSD))
	}
	if len(o.Purged) > 0 {
		fields = append(fields, zap.Strings("purged_downstream", o.Purged))
	}
	switch o.Kind {
	case OutcomeFailed, OutcomeErrored, OutcomeVetoed:
		log.Warn("pipeline: org outcome", fields...)
	default:
		log.Info("pipeline: org outcome", fields...)
	}
}

// Counts tallies outcomes by kind.
type Counts struct {
	Cached    int `json:"cached"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	Skipped   int `json:"skipped"`
	Vetoed    int `json:"vetoed"`
}

// RunSummary aggregates one phase run across all selected orgs.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Phase       string        `json:"phase"`
	Fingerprint string        `json:"fingerprint"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Outcomes    []Outcome     `json:"outcomes"`
	Counts      Counts        `json:"counts"`
	TotalCost   float64       `json:"total_cost_usd"`
}

// NewRunSummary starts an empty summary for one phase run.
func NewRunSummary(runID, phase, fingerprint string) *RunSummary {
	return &RunSummary{
		RunID:       runID,
		Phase:       phase,
		Fingerprint: fingerprint,
		StartedAt:   time.Now(),
	}
}

// Add records one org outcome.
func (s *RunSummary) Add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.TotalCost += o.CostUSD
	switch o.Kind {
	case OutcomeCached:
		s.Counts.Cached++
	case OutcomeSucceeded:
		s.Counts.Succeeded++
	case OutcomeFailed:
		s.Counts.Failed++
	case OutcomeErrored:
		s.Counts.Errored++
	case OutcomeSkipped:
		s.Counts.Skipped++
	case OutcomeVetoed:
		s.Counts.Vetoed++
	}
}

// Finish stamps the duration.
func (s *RunSummary) Finish(now time.Time) {
	s.Duration = now.Sub(s.StartedAt)
}

// OK reports whether every selected org either completed the phase or was
// validly cached. This drives the process exit code.
func (s *RunSummary) OK() bool {
	return s.Counts.Failed == 0 &&
		s.Counts.Errored == 0 &&
		s.Counts.Skipped == 0 &&
		s.Counts.Vetoed == 0
}

// Render formats the end-of-run summary for the terminal: per-org lines,
// the count table, and the downstream phases purged by cascades.
func (s *RunSummary) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Phase %q run %s\n", s.Phase, s.RunID)
	fmt.Fprintf(&b, "Fingerprint: %s\n", s.Fingerprint)
	fmt.Fprintf(&b, "Duration: %s\n\n", s.Duration.Round(time.Millisecond))

	b.WriteString("## Organizations\n")
	for _, o := range s.Outcomes {
		fmt.Fprintf(&b, "- %s: %s (%s)", o.EIN, o.Kind, o.Reason)
		if o.CostUSD > 0 {
			fmt.Fprintf(&b, " $%.4f", o.CostUSD)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- succeeded: %d\n", s.Counts.Succeeded)
	fmt.Fprintf(&b, "- cached:    %d\n", s.Counts.Cached)
	fmt.Fprintf(&b, "- failed:    %d\n", s.Counts.Failed)
	fmt.Fprintf(&b, "- errored:   %d\n", s.Counts.Errored)
	fmt.Fprintf(&b, "- skipped:   %d\n", s.Counts.Skipped)
	fmt.Fprintf(&b, "- vetoed:    %d\n", s.Counts.Vetoed)
	if s.TotalCost > 0 {
		fmt.Fprintf(&b, "- total cost: $%.4f\n", s.TotalCost)
	}

	if purged := s.purgedPhases(); len(purged) > 0 {
		b.WriteString("\n## Cascade invalidation\n")
		fmt.Fprintf(&b, "Downstream phases purged for re-run orgs: %s\n",
			strings.Join(purged, ", "))
	}

	return b.String()
}

// purgedPhases collects the distinct downstream phases that any cascade
// deleted during this run.
func (s *RunSummary) purgedPhases() []string {
	seen := make(map[string]bool)
	for _, o := range s.Outcomes {
		for _, p := range o.Purged {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
