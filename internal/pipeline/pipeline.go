package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/fingerprint"
	"github.com/uabbasi/good-measure-giving/internal/graph"
	"github.com/uabbasi/good-measure-giving/internal/model"
	"github.com/uabbasi/good-measure-giving/internal/pool"
	"github.com/uabbasi/good-measure-giving/internal/resilience"
	"github.com/uabbasi/good-measure-giving/internal/retry"
)

// Driver runs one phase across a set of orgs, consulting the cache before
// each org and recording results after.
type Driver struct {
	store   cache.Store
	graph   *graph.Graph
	hasher  *fingerprint.Hasher
	tracker *retry.Tracker
	pool    *pool.Pool
	funcs   map[string]PhaseFunc
	gate    Validator
	env     *Env
	force   bool

	now func() time.Time
}

// Options configures a Driver.
type Options struct {
	Store   cache.Store
	Graph   *graph.Graph
	Hasher  *fingerprint.Hasher
	Tracker *retry.Tracker
	Workers int
	Funcs   map[string]PhaseFunc
	Gate    Validator
	Env     *Env

	// Force bypasses the cache check: every selected org re-runs the phase
	// regardless of fingerprint or TTL.
	Force bool
}

// NewDriver wires a Driver from its collaborators.
func NewDriver(opts Options) *Driver {
	funcs := opts.Funcs
	if funcs == nil {
		funcs = DefaultPhaseFuncs()
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewRuleGate()
	}
	return &Driver{
		store:   opts.Store,
		graph:   opts.Graph,
		hasher:  opts.Hasher,
		tracker: opts.Tracker,
		pool:    pool.New(opts.Workers),
		funcs:   funcs,
		gate:    gate,
		env:     opts.Env,
		force:   opts.Force,
		now:     time.Now,
	}
}

// Close shuts the worker pool down, draining in-flight work.
func (d *Driver) Close() {
	d.pool.Shutdown(true)
}

// RunPhase executes one phase for every org in the selection. Per-org
// failures never abort siblings; they land in the summary. The returned
// error covers only engine-level problems (unknown phase, pool shutdown).
func (d *Driver) RunPhase(ctx context.Context, phaseName string, orgs []model.Org) (*RunSummary, error) {
	def, ok := d.graph.Phase(phaseName)
	if !ok {
		return nil, eris.Errorf("pipeline: unknown phase %q", phaseName)
	}
	fn, ok := d.funcs[phaseName]
	if !ok {
		return nil, eris.Errorf("pipeline: no body registered for phase %q", phaseName)
	}

	fp := d.hasher.Phase(def)
	downstream := d.graph.Downstream(phaseName)
	runID := uuid.NewString()

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("phase", phaseName),
		zap.String("fingerprint", fp),
	)
	log.Info("pipeline: starting phase run", zap.Int("orgs", len(orgs)))

	summary := NewRunSummary(runID, phaseName, fp)

	results, err := pool.Map(ctx, d.pool, orgs, func(ctx context.Context, org model.Org) (Outcome, error) {
		out := d.runOne(ctx, def, fn, fp, downstream, org)
		out.Log(log)
		if out.Err != nil {
			return out, out.Err
		}
		return out, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: map orgs")
	}

	for _, res := range results {
		outcome := res.Value
		if res.Err != nil && outcome.Kind == "" {
			// Panic inside a phase body surfaces here with an empty outcome.
			outcome = Outcome{
				EIN:    res.Item.EIN,
				Phase:  phaseName,
				Kind:   OutcomeErrored,
				Reason: res.Err.Error(),
				Err:    res.Err,
			}
		}
		summary.Add(outcome)
	}

	summary.Finish(d.now())
	log.Info("pipeline: phase run complete",
		zap.Int("succeeded", summary.Counts.Succeeded),
		zap.Int("cached", summary.Counts.Cached),
		zap.Int("failed", summary.Counts.Failed),
		zap.Int("errored", summary.Counts.Errored),
		zap.Int("skipped", summary.Counts.Skipped),
		zap.Int("vetoed", summary.Counts.Vetoed),
	)
	return summary, nil
}

// runOne decides, executes, records, and gates a single (org, phase) unit.
// Every failure path returns an Outcome; nothing escapes to siblings.
func (d *Driver) runOne(ctx context.Context, def model.PhaseDefinition, fn PhaseFunc, fp string, downstream []string, org model.Org) Outcome {
	outcome := Outcome{EIN: org.EIN, Phase: def.Name}

	if !d.force {
		valid, reason, err := cache.IsValid(ctx, d.store, org.EIN, def.Name, fp, def.TTL)
		if err != nil {
			outcome.Kind = OutcomeErrored
			outcome.Reason = "cache check failed"
			outcome.Err = err
			return outcome
		}
		if valid {
			outcome.Kind = OutcomeCached
			outcome.Reason = reason
			return outcome
		}
		outcome.Reason = reason
	} else {
		outcome.Reason = "forced"
	}

	source := sourceForPhase(def.Name)
	if source != "" {
		attempt, reason, err := d.tracker.ShouldAttempt(ctx, org.EIN, source)
		if err != nil {
			outcome.Kind = OutcomeErrored
			outcome.Reason = "retry state check failed"
			outcome.Err = err
			return outcome
		}
		if !attempt {
			outcome.Kind = OutcomeSkipped
			outcome.Reason = reason
			return outcome
		}
	}

	out, err := fn(ctx, d.env, org)
	if err != nil {
		if source != "" {
			if recErr := d.tracker.RecordFailure(ctx, org.EIN, source, err); recErr != nil {
				zap.L().Warn("pipeline: record failure",
					zap.String("ein", org.EIN), zap.Error(recErr))
			}
		}
		if resilience.IsTransient(err) {
			outcome.Kind = OutcomeFailed
		} else {
			outcome.Kind = OutcomeErrored
		}
		outcome.Reason = err.Error()
		outcome.Err = err
		return outcome
	}
	if out == nil {
		out = &PhaseOutput{}
	}

	if source != "" {
		if recErr := d.tracker.RecordSuccess(ctx, org.EIN, source); recErr != nil {
			zap.L().Warn("pipeline: reset retry state",
				zap.String("ein", org.EIN), zap.Error(recErr))
		}
	}

	// Record success and purge downstream rows as one operation, so a crash
	// in between reads as "upstream did not yet succeed".
	if err := d.store.CompletePhase(ctx, org.EIN, def.Name, fp, out.CostUSD, downstream); err != nil {
		outcome.Kind = OutcomeErrored
		outcome.Reason = "record completion failed"
		outcome.Err = err
		return outcome
	}

	findings := d.gate.Validate(def.Name, org, out)
	if model.HasError(findings) {
		// A failed quality check must not survive as a durable success:
		// revoke the row so the next run re-executes this phase.
		if delErr := d.store.Delete(ctx, org.EIN, def.Name); delErr != nil {
			outcome.Kind = OutcomeErrored
			outcome.Reason = "gate veto delete failed"
			outcome.Err = delErr
			return outcome
		}
		outcome.Kind = OutcomeVetoed
		outcome.Reason = firstError(findings)
		outcome.Findings = findings
		return outcome
	}

	outcome.Kind = OutcomeSucceeded
	outcome.Reason = "completed"
	outcome.CostUSD = out.CostUSD
	outcome.Findings = findings
	outcome.Purged = downstream
	return outcome
}

func firstError(findings []model.Finding) string {
	for _, f := range findings {
		if f.Severity == model.SeverityError {
			return f.Message
		}
	}
	return "quality gate failed"
}
