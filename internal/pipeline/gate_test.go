package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

func writeTempArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRuleGate(t *testing.T) {
	gate := NewRuleGate()
	testOrg := model.Org{EIN: "13-1644147"}

	t.Run("valid artifact passes", func(t *testing.T) {
		out := &PhaseOutput{Artifact: writeTempArtifact(t, `{"ok": true}`)}
		findings := gate.Validate("extract", testOrg, out)
		assert.False(t, model.HasError(findings))
	})

	t.Run("missing artifact is an error", func(t *testing.T) {
		findings := gate.Validate("extract", testOrg, &PhaseOutput{})
		require.Len(t, findings, 1)
		assert.Equal(t, model.SeverityError, findings[0].Severity)
	})

	t.Run("unreadable artifact is an error", func(t *testing.T) {
		out := &PhaseOutput{Artifact: filepath.Join(t.TempDir(), "gone.json")}
		findings := gate.Validate("extract", testOrg, out)
		assert.True(t, model.HasError(findings))
	})

	t.Run("empty artifact is an error", func(t *testing.T) {
		out := &PhaseOutput{Artifact: writeTempArtifact(t, "")}
		findings := gate.Validate("extract", testOrg, out)
		assert.True(t, model.HasError(findings))
	})

	t.Run("non-JSON artifact is an error", func(t *testing.T) {
		out := &PhaseOutput{Artifact: writeTempArtifact(t, "not json at all")}
		findings := gate.Validate("extract", testOrg, out)
		assert.True(t, model.HasError(findings))
	})

	t.Run("baseline score in range passes", func(t *testing.T) {
		out := &PhaseOutput{Artifact: writeTempArtifact(t, `{"score": 72.5}`)}
		findings := gate.Validate("baseline", testOrg, out)
		assert.False(t, model.HasError(findings))
	})

	t.Run("baseline score out of range is an error", func(t *testing.T) {
		for _, doc := range []string{`{"score": -1}`, `{"score": 101}`, `{"score": "high"}`, `{}`} {
			out := &PhaseOutput{Artifact: writeTempArtifact(t, doc)}
			findings := gate.Validate("baseline", testOrg, out)
			assert.True(t, model.HasError(findings), "doc %s should fail", doc)
		}
	})

	t.Run("empty narrative is a warning not a veto", func(t *testing.T) {
		out := &PhaseOutput{Artifact: writeTempArtifact(t, `{"narrative": ""}`)}
		findings := gate.Validate("synthesize", testOrg, out)
		require.Len(t, findings, 1)
		assert.Equal(t, model.SeverityWarn, findings[0].Severity)
		assert.False(t, model.HasError(findings))
	})

	t.Run("negative cost is an error", func(t *testing.T) {
		out := &PhaseOutput{
			Artifact: writeTempArtifact(t, `{"ok": true}`),
			CostUSD:  -0.01,
		}
		findings := gate.Validate("extract", testOrg, out)
		assert.True(t, model.HasError(findings))
	})
}
