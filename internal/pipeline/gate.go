package pipeline

import (
	"encoding/json"
	"os"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Validator inspects a phase's output after the cache write and reports
// findings. Any ERROR-severity finding makes the driver revoke the entry.
type Validator interface {
	Validate(phase string, org model.Org, out *PhaseOutput) []model.Finding
}

// RuleGate is the built-in validator. It checks structural properties of
// phase artifacts rather than business content: the artifact must exist,
// parse as JSON, and score-bearing phases must stay inside score bounds.
type RuleGate struct{}

// NewRuleGate creates the default quality gate.
func NewRuleGate() *RuleGate {
	return &RuleGate{}
}

// Validate applies the structural rules for one phase output.
func (g *RuleGate) Validate(phase string, org model.Org, out *PhaseOutput) []model.Finding {
	var findings []model.Finding

	if out.Artifact == "" {
		findings = append(findings, model.Finding{
			Severity: model.SeverityError,
			Field:    "artifact",
			Message:  "phase produced no artifact",
		})
		return findings
	}

	data, err := os.ReadFile(out.Artifact)
	if err != nil {
		findings = append(findings, model.Finding{
			Severity: model.SeverityError,
			Field:    "artifact",
			Message:  "artifact unreadable: " + err.Error(),
		})
		return findings
	}
	if len(data) == 0 {
		findings = append(findings, model.Finding{
			Severity: model.SeverityError,
			Field:    "artifact",
			Message:  "artifact is empty",
		})
		return findings
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		findings = append(findings, model.Finding{
			Severity: model.SeverityError,
			Field:    "artifact",
			Message:  "artifact is not valid JSON: " + err.Error(),
		})
		return findings
	}

	switch phase {
	case "baseline":
		findings = append(findings, validateScore(doc)...)
	case "synthesize":
		if narrative, _ := doc["narrative"].(string); narrative == "" {
			findings = append(findings, model.Finding{
				Severity: model.SeverityWarn,
				Field:    "narrative",
				Message:  "synthesize produced no narrative text",
			})
		}
	}

	if out.CostUSD < 0 {
		findings = append(findings, model.Finding{
			Severity: model.SeverityError,
			Field:    "cost",
			Message:  "negative phase cost",
		})
	}

	return findings
}

func validateScore(doc map[string]any) []model.Finding {
	raw, ok := doc["score"]
	if !ok {
		return []model.Finding{{
			Severity: model.SeverityError,
			Field:    "score",
			Message:  "baseline artifact missing score",
		}}
	}
	score, ok := raw.(float64)
	if !ok || score < 0 || score > 100 {
		return []model.Finding{{
			Severity: model.SeverityError,
			Field:    "score",
			Message:  "baseline score out of range [0,100]",
		}}
	}
	return nil
}
