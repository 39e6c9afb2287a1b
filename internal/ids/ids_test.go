package ids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUserID(t *testing.T) {
	valid := []string{"alice", "user-a", "a.b_c", "A1", "x"}
	for _, id := range valid {
		assert.NoError(t, ValidateUserID(id), id)
	}
	invalid := []string{"", ".", "..", "a/b", `a\b`, "a%2e%2e", "user a", "é"}
	for _, id := range invalid {
		assert.Error(t, ValidateUserID(id), id)
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateUserID(string(long)))
}

func TestValidateRunID(t *testing.T) {
	valid := []string{"run_abc123def456", "abc", "a1-b_2"}
	for _, id := range valid {
		assert.NoError(t, ValidateRunID(id), id)
	}
	invalid := []string{"", "ab", "_abc", "-abc", "ABC", "run/1", "run..1", "a%2fb"}
	for _, id := range invalid {
		assert.Error(t, ValidateRunID(id), id)
	}
}

func TestValidateCandidateID(t *testing.T) {
	assert.NoError(t, ValidateCandidateID("cand_001"))
	assert.Error(t, ValidateCandidateID("c"))
	assert.Error(t, ValidateCandidateID("cand_0000000000000000000000000000001")) // 33 chars
}

func TestValidateArtifactName(t *testing.T) {
	assert.NoError(t, ValidateArtifactName("manifest.json"))
	assert.NoError(t, ValidateArtifactName("ohlcv_5m.jsonl"))
	assert.Error(t, ValidateArtifactName(".registry.lock"))
	assert.Error(t, ValidateArtifactName("../manifest.json"))
	assert.Error(t, ValidateArtifactName("a/b.json"))
	assert.Error(t, ValidateArtifactName(""))
}

func TestRunDirContainment(t *testing.T) {
	l := NewLayout("/srv/runs")
	dir, err := l.RunDir("alice", "run_abc123def456")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/runs", "users", "alice", "runs", "run_abc123def456"), dir)

	_, err = l.RunDir("alice", "../escape")
	assert.Error(t, err)
	_, err = l.RunDir("..", "run_abc123def456")
	assert.Error(t, err)
}

func TestResolveDataPath(t *testing.T) {
	got, err := ResolveDataPath("/repo", "tests/fixtures/sample.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/repo", "tests", "fixtures", "sample.csv"), got)

	_, err = ResolveDataPath("/repo", "tests/fixtures/../phase6/sample.csv")
	assert.Error(t, err)
	_, err = ResolveDataPath("/repo", "/etc/passwd")
	assert.Error(t, err)
	_, err = ResolveDataPath("/repo", "")
	assert.Error(t, err)
}

func TestResolveDataPathSymlinks(t *testing.T) {
	outside := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.csv"), []byte("ts,open\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "data", "inside.csv"), []byte("ts,open\n"), 0o644))

	// A link under the repo targeting a file outside it is rejected.
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.csv"), filepath.Join(repo, "data", "link.csv")))
	_, err := ResolveDataPath(repo, "data/link.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the repo root")

	// A linked directory escaping the repo is rejected too.
	require.NoError(t, os.Symlink(outside, filepath.Join(repo, "ext")))
	_, err = ResolveDataPath(repo, "ext/secret.csv")
	assert.Error(t, err)

	// Links that stay inside the repo keep working.
	require.NoError(t, os.Symlink(filepath.Join(repo, "data", "inside.csv"), filepath.Join(repo, "data", "alias.csv")))
	got, err := ResolveDataPath(repo, "data/alias.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "data", "alias.csv"), got)

	// Nonexistent files still resolve lexically; the caller reports them.
	got, err = ResolveDataPath(repo, "data/missing.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "data", "missing.csv"), got)
}
