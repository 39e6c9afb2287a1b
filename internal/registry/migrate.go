package registry

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/ids"
)

// MigrationReport summarizes one legacy migration pass.
type MigrationReport struct {
	Moved   []string `json:"moved"`
	Skipped []string `json:"skipped"`
}

// MigrateLegacy moves pre-multiuser run directories sitting directly under
// the runs root into users/<userID>/runs and registers them. Runs whose id
// already exists for the user are skipped. The pass is idempotent.
func MigrateLegacy(layout ids.Layout, userID string) (*MigrationReport, error) {
	if err := ids.ValidateUserID(userID); err != nil {
		return nil, err
	}
	report := &MigrationReport{Moved: []string{}, Skipped: []string{}}

	entries, err := os.ReadDir(layout.Root)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.CodeRunsRootMissing, 503, "runs root does not exist")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRunsRootInvalid, 503, "cannot read runs root", err)
	}

	runsDir, err := layout.RunsDir(userID)
	if err != nil {
		return nil, err
	}
	reg := New(layout, userID)

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "users" {
			continue
		}
		legacyDir := filepath.Join(layout.Root, e.Name())
		if _, err := os.Stat(filepath.Join(legacyDir, "manifest.json")); err != nil {
			continue
		}
		runID := e.Name()
		if ids.ValidateRunID(runID) != nil {
			report.Skipped = append(report.Skipped, runID)
			continue
		}

		target := filepath.Join(runsDir, runID)
		if _, err := os.Stat(target); err == nil {
			report.Skipped = append(report.Skipped, runID)
			continue
		}
		if err := os.MkdirAll(runsDir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create runs dir", err)
		}
		if err := os.Rename(legacyDir, target); err != nil {
			return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot move legacy run "+runID, err)
		}

		entry, err := reg.BuildEntry(runID)
		if err == nil {
			err = reg.Upsert(entry)
		}
		if err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("legacy run moved but not registered")
			report.Skipped = append(report.Skipped, runID)
			continue
		}
		report.Moved = append(report.Moved, runID)
	}
	return report, nil
}
