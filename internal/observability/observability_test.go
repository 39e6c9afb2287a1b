package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buffquant/buffrun/internal/config"
	"github.com/buffquant/buffrun/internal/registry"
)

func TestReadinessHealthy(t *testing.T) {
	probe := NewProbe(&config.Config{RunsRoot: t.TempDir(), DefaultUser: "local"})
	payload, ready := probe.Readiness()
	assert.True(t, ready)
	checks := payload["checks"].(map[string]any)
	assert.Equal(t, map[string]any{"ok": true}, checks["runs_root"])
	assert.Equal(t, map[string]any{"ok": true}, checks["registry"])
	assert.Equal(t, map[string]any{"ok": true}, checks["legacy_runs"])
}

func TestReadinessRunsRootUnset(t *testing.T) {
	probe := NewProbe(&config.Config{})
	payload, ready := probe.Readiness()
	assert.False(t, ready)
	check := payload["checks"].(map[string]any)["runs_root"].(map[string]any)
	assert.Equal(t, false, check["ok"])
	assert.Equal(t, "RUNS_ROOT_UNSET", check["code"])
}

func TestReadinessFlagsLegacyRuns(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, "run_legacy01")
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "manifest.json"), []byte("{}"), 0o644))

	probe := NewProbe(&config.Config{RunsRoot: root, DefaultUser: "local"})
	payload, ready := probe.Readiness()
	assert.False(t, ready)
	check := payload["checks"].(map[string]any)["legacy_runs"].(map[string]any)
	assert.Equal(t, []string{"run_legacy01"}, check["unmigrated"])
}

func TestProjectRuns(t *testing.T) {
	rows := ProjectRuns([]registry.Entry{
		{RunID: "run_a", Status: registry.StatusCompleted, StrategyID: "hold", Symbol: "BTC-USD"},
		{RunID: "run_b", Status: registry.StatusCorrupted, MissingArtifacts: []string{"metrics.json"}},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "COMPLETE", rows[0]["artifact_status"])
	assert.Equal(t, "PASSED", rows[0]["validation_status"])
	assert.Equal(t, "INCOMPLETE", rows[1]["artifact_status"])
	assert.Equal(t, "FAILED", rows[1]["validation_status"])
}

func TestRunDetailIntegrity(t *testing.T) {
	entry := &registry.Entry{
		RunID:            "run_a",
		Status:           registry.StatusCorrupted,
		ArtifactsPresent: []string{"manifest.json", "config.json"},
		MissingArtifacts: []string{"metrics.json"},
		InputsHash:       "abc",
	}
	detail := RunDetail(entry, map[string]any{"engine_version": "sim-1.2.0", "strategy": map[string]any{"id": "hold"}})

	integrity := detail["artifact_integrity"].([]map[string]any)
	require.Len(t, integrity, len(registry.RequiredArtifacts))
	byName := map[string]bool{}
	for _, item := range integrity {
		byName[item["name"].(string)] = item["ok"].(bool)
	}
	assert.True(t, byName["manifest.json"])
	assert.False(t, byName["metrics.json"])

	prov := detail["provenance"].(map[string]any)
	assert.Equal(t, StageToken, prov["stage_token"])
	assert.Equal(t, "sim-1.2.0", prov["engine_version"])
}

func TestRunSummary(t *testing.T) {
	entry := &registry.Entry{RunID: "run_a", Status: registry.StatusCompleted, ArtifactsPresent: registry.RequiredArtifacts}
	decisions := []map[string]any{
		{"action": "ENTER_LONG"}, {"action": "HOLD"}, {"action": "HOLD"}, {"action": "EXIT_LONG"},
	}
	summary := RunSummary(entry, decisions)
	assert.Equal(t, 4, summary["decision_count"])
	assert.Equal(t, map[string]int{"ENTER_LONG": 1, "HOLD": 2, "EXIT_LONG": 1}, summary["action_counts"])
	assert.Equal(t, "COMPLETE", summary["artifact_status"])
}
