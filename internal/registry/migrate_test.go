package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buffquant/buffrun/internal/ids"
)

// seedLegacyRun plants a minimal legacy bundle directly under the root.
func seedLegacyRun(t *testing.T, root, runID string) {
	t.Helper()
	dir := filepath.Join(root, runID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `{"run_id":"` + runID + `","created_at":"2024-01-01T00:00:00.000Z","status":"COMPLETED","inputs_hash":"aa"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	for _, name := range RequiredArtifacts[1:] {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
}

func TestMigrateLegacyMovesAndRegisters(t *testing.T) {
	root := t.TempDir()
	layout := ids.NewLayout(root)
	seedLegacyRun(t, root, "run_legacy01")

	report, err := MigrateLegacy(layout, "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_legacy01"}, report.Moved)
	assert.Empty(t, report.Skipped)

	_, err = os.Stat(filepath.Join(root, "run_legacy01"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "users", "local", "runs", "run_legacy01"))
	assert.NoError(t, err)

	idx, err := New(layout, "local").Load()
	require.NoError(t, err)
	require.Len(t, idx.Runs, 1)
	assert.Equal(t, "run_legacy01", idx.Runs[0].RunID)
}

func TestMigrateLegacyIdempotent(t *testing.T) {
	root := t.TempDir()
	layout := ids.NewLayout(root)
	seedLegacyRun(t, root, "run_legacy01")

	_, err := MigrateLegacy(layout, "local")
	require.NoError(t, err)

	report, err := MigrateLegacy(layout, "local")
	require.NoError(t, err)
	assert.Empty(t, report.Moved)
	assert.Empty(t, report.Skipped, "nothing legacy remains after the first pass")
}

func TestMigrateLegacySkipsConflicts(t *testing.T) {
	root := t.TempDir()
	layout := ids.NewLayout(root)
	seedLegacyRun(t, root, "run_legacy01")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "users", "local", "runs", "run_legacy01"), 0o755))

	report, err := MigrateLegacy(layout, "local")
	require.NoError(t, err)
	assert.Empty(t, report.Moved)
	assert.Equal(t, []string{"run_legacy01"}, report.Skipped)
}

func TestMigrateLegacyIgnoresNonRunDirs(t *testing.T) {
	root := t.TempDir()
	layout := ids.NewLayout(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not_a_run"), 0o755))

	report, err := MigrateLegacy(layout, "local")
	require.NoError(t, err)
	assert.Empty(t, report.Moved)
	assert.Empty(t, report.Skipped)
}
