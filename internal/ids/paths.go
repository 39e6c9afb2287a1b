package ids

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/buffquant/buffrun/internal/apperr"
)

// Layout resolves the per-user directory tree beneath a runs root.
type Layout struct {
	Root string
}

// NewLayout creates a Layout rooted at runsRoot. The root must already be an
// absolute path; callers validate that when resolving configuration.
func NewLayout(runsRoot string) Layout {
	return Layout{Root: filepath.Clean(runsRoot)}
}

// UsersRoot returns <root>/users.
func (l Layout) UsersRoot() string { return filepath.Join(l.Root, "users") }

// UserDir returns <root>/users/<user_id> after validating the id.
func (l Layout) UserDir(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	return l.contain(filepath.Join(l.UsersRoot(), userID))
}

// RunsDir returns <root>/users/<user_id>/runs.
func (l Layout) RunsDir(userID string) (string, error) {
	userDir, err := l.UserDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, "runs"), nil
}

// RunDir resolves <root>/users/<user_id>/runs/<run_id> with a
// post-resolution containment check.
func (l Layout) RunDir(userID, runID string) (string, error) {
	runsDir, err := l.RunsDir(userID)
	if err != nil {
		return "", err
	}
	if err := ValidateRunID(runID); err != nil {
		return "", err
	}
	resolved, err := l.contain(filepath.Join(runsDir, runID))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(resolved, runsDir+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.CodeRunIDInvalid, 400, "run id %q escapes the runs root", runID)
	}
	return resolved, nil
}

// ExperimentsDir returns <root>/users/<user_id>/experiments.
func (l Layout) ExperimentsDir(userID string) (string, error) {
	userDir, err := l.UserDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, "experiments"), nil
}

// ExperimentDir resolves <root>/users/<user_id>/experiments/<experiment_id>.
func (l Layout) ExperimentDir(userID, experimentID string) (string, error) {
	expsDir, err := l.ExperimentsDir(userID)
	if err != nil {
		return "", err
	}
	if hasTraversal(experimentID) || experimentID == "" {
		return "", apperr.Newf(apperr.CodeExperimentConfigInvalid, 400, "invalid experiment id %q", experimentID)
	}
	return l.contain(filepath.Join(expsDir, experimentID))
}

// InputsDir returns <root>/users/<user_id>/inputs.
func (l Layout) InputsDir(userID string) (string, error) {
	userDir, err := l.UserDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, "inputs"), nil
}

// RegistryPath returns <root>/users/<user_id>/index.json.
func (l Layout) RegistryPath(userID string) (string, error) {
	userDir, err := l.UserDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, "index.json"), nil
}

// RegistryLockPath returns <root>/users/<user_id>/.registry.lock.
func (l Layout) RegistryLockPath(userID string) (string, error) {
	userDir, err := l.UserDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(userDir, ".registry.lock"), nil
}

// contain rejects any resolved path that escapes the runs root.
func (l Layout) contain(path string) (string, error) {
	resolved := filepath.Clean(path)
	if resolved != l.Root && !strings.HasPrefix(resolved, l.Root+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.CodeRunConfigInvalid, 400, "path %q escapes the runs root", path)
	}
	return resolved, nil
}

// ValidateDataPath rejects empty, absolute, and traversal-bearing data
// source paths without touching the filesystem.
func ValidateDataPath(relPath string) error {
	if relPath == "" {
		return apperr.New(apperr.CodeRunConfigInvalid, 400, "data_source.path is required")
	}
	if filepath.IsAbs(relPath) {
		return apperr.Newf(apperr.CodeRunConfigInvalid, 400, "data_source.path %q must be repo-relative", relPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." || part == "." {
			return apperr.Newf(apperr.CodeRunConfigInvalid, 400, "data_source.path %q contains traversal segments", relPath)
		}
	}
	return nil
}

// ResolveDataPath resolves a repo-relative data source path against repoRoot
// and rejects anything that escapes the repo, including symlinks inside the
// repo that target files outside it.
func ResolveDataPath(repoRoot, relPath string) (string, error) {
	if err := ValidateDataPath(relPath); err != nil {
		return "", err
	}
	root := filepath.Clean(repoRoot)
	resolved := filepath.Clean(filepath.Join(root, relPath))
	if !underRoot(root, resolved) {
		return "", apperr.Newf(apperr.CodeRunConfigInvalid, 400, "data_source.path %q escapes the repo root", relPath)
	}

	// The lexical check above cannot see symlinks. Compare the fully
	// resolved paths too, so a link under the repo cannot reach past it.
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		// Root does not resolve: the file cannot exist either, so let the
		// caller report the missing data.
		return resolved, nil
	}
	realPath, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return resolved, nil
		}
		return "", apperr.Wrap(apperr.CodeRunConfigInvalid, 400, "data_source.path cannot be resolved", err)
	}
	if !underRoot(realRoot, realPath) {
		return "", apperr.Newf(apperr.CodeRunConfigInvalid, 400, "data_source.path %q escapes the repo root", relPath)
	}
	return resolved, nil
}

// underRoot reports whether path sits at or below root, lexically.
func underRoot(root, path string) bool {
	prefix := root + string(filepath.Separator)
	if root == string(filepath.Separator) {
		prefix = root
	}
	return path == root || strings.HasPrefix(path, prefix)
}
