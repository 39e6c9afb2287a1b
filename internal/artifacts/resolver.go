// Package artifacts reads run artifacts back out of the runs root: locating
// run directories through the registry, streaming and filtering decision
// records, loading trades and candles with a Parquet fallback for legacy
// bundles, and rendering exports.
package artifacts

import (
	"path/filepath"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/registry"
)

// Resolver locates run artifacts for one runs root. Every lookup goes
// through the registry so user input never turns into a path directly.
type Resolver struct {
	Layout ids.Layout
}

// NewResolver creates a Resolver.
func NewResolver(layout ids.Layout) *Resolver {
	return &Resolver{Layout: layout}
}

// Resolve returns the run directory and its fresh registry entry. Missing
// runs and cross-user lookups both surface RUN_NOT_FOUND.
func (rs *Resolver) Resolve(userID, runID string) (string, *registry.Entry, error) {
	if err := ids.ValidateUserID(userID); err != nil {
		return "", nil, err
	}
	entry, err := registry.New(rs.Layout, userID).BuildEntry(runID)
	if err != nil {
		return "", nil, err
	}
	runDir, err := rs.Layout.RunDir(userID, runID)
	if err != nil {
		return "", nil, err
	}
	return runDir, &entry, nil
}

// ResolveHealthy is Resolve plus the fail-closed corruption gate used by
// manifest and raw artifact retrieval.
func (rs *Resolver) ResolveHealthy(userID, runID string) (string, *registry.Entry, error) {
	runDir, entry, err := rs.Resolve(userID, runID)
	if err != nil {
		return "", nil, err
	}
	if entry.Status == registry.StatusCorrupted {
		return "", nil, apperr.Newf(apperr.CodeRunCorrupted, 409, "run %s is corrupted", runID).
			WithDetail("missing_artifacts", entry.MissingArtifacts)
	}
	return runDir, entry, nil
}

// ArtifactPath resolves a named artifact inside a healthy run. Names are
// validated and must be present on disk.
func (rs *Resolver) ArtifactPath(userID, runID, name string) (string, error) {
	if err := ids.ValidateArtifactName(name); err != nil {
		return "", err
	}
	runDir, entry, err := rs.ResolveHealthy(userID, runID)
	if err != nil {
		return "", err
	}
	for _, present := range entry.ArtifactsPresent {
		if present == name {
			return filepath.Join(runDir, name), nil
		}
	}
	return "", apperr.Newf(apperr.CodeArtifactNotFound, 404, "run %s has no artifact %q", runID, name)
}
