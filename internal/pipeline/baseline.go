package pipeline

import (
	"context"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// BaselineDoc is the baseline phase artifact: the composite score and its
// components, each in [0,100].
type BaselineDoc struct {
	EIN        string             `json:"ein"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
}

// Baseline scores an org from its synthesized metrics. Weights: margin 40%,
// reserves 35%, growth 25%.
func Baseline(ctx context.Context, env *Env, org model.Org) (*PhaseOutput, error) {
	var doc SynthesisDoc
	if err := readArtifact(env.WorkDir, org.EIN, "synthesize", &doc); err != nil {
		return nil, err
	}

	components := map[string]float64{
		"margin":   marginScore(doc.Metrics.OperatingMargin),
		"reserves": reservesScore(doc.Metrics.AssetMonths),
		"growth":   growthScore(doc.Metrics.RevenueGrowth),
	}

	out := BaselineDoc{
		EIN:        org.EIN,
		Score:      0.40*components["margin"] + 0.35*components["reserves"] + 0.25*components["growth"],
		Components: components,
	}

	path, err := writeArtifact(env.WorkDir, org.EIN, "baseline", out)
	if err != nil {
		return nil, err
	}

	return &PhaseOutput{Artifact: path}, nil
}

// marginScore maps operating margin to [0,100]: breakeven scores 50, a 20%
// surplus or better scores 100, a 20% deficit or worse scores 0.
func marginScore(margin float64) float64 {
	return clamp(50 + margin*250)
}

// reservesScore maps months of assets to [0,100]: 12 months or more of
// runway is full marks.
func reservesScore(months float64) float64 {
	return clamp(months / 12 * 100)
}

// growthScore maps year-over-year revenue growth to [0,100]: flat revenue
// scores 50, +25% or better scores 100, -25% or worse scores 0.
func growthScore(growth float64) float64 {
	return clamp(50 + growth*200)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
