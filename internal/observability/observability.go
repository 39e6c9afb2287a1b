// Package observability builds read-only projections for operators: the
// readiness probe, run list and detail views, and the degraded-state
// envelope. Nothing in here mutates the runs root.
package observability

import (
	"os"
	"path/filepath"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/config"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/registry"
)

// StageToken identifies the safety boundary stage in degraded envelopes.
const StageToken = "S5_EXECUTION_SAFETY_BOUNDARIES"

// Probe answers readiness questions for one deployment.
type Probe struct {
	Cfg    *config.Config
	Layout ids.Layout
}

// NewProbe creates a Probe.
func NewProbe(cfg *config.Config) *Probe {
	return &Probe{Cfg: cfg, Layout: ids.NewLayout(cfg.RunsRoot)}
}

// Readiness runs every check and reports per-check results. The boolean is
// false when any check failed.
func (p *Probe) Readiness() (map[string]any, bool) {
	checks := map[string]any{}
	ready := true

	if err := p.Cfg.ValidateRunsRoot(); err != nil {
		checks["runs_root"] = checkResult(err)
		ready = false
	} else {
		checks["runs_root"] = checkResult(nil)
	}

	if p.Cfg.DefaultUser != "" && ready {
		if _, err := registry.New(p.Layout, p.Cfg.DefaultUser).Load(); err != nil {
			checks["registry"] = checkResult(err)
			ready = false
		} else {
			checks["registry"] = checkResult(nil)
		}

		legacy := p.legacyRuns()
		if len(legacy) > 0 {
			checks["legacy_runs"] = map[string]any{"ok": false, "unmigrated": legacy}
			ready = false
		} else {
			checks["legacy_runs"] = checkResult(nil)
		}
	}

	return map[string]any{"ready": ready, "checks": checks}, ready
}

// legacyRuns lists pre-migration run directories sitting directly under the
// runs root.
func (p *Probe) legacyRuns() []string {
	found := []string{}
	entries, err := os.ReadDir(p.Cfg.RunsRoot)
	if err != nil {
		return found
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "users" {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.Cfg.RunsRoot, e.Name(), "manifest.json")); err == nil {
			found = append(found, e.Name())
		}
	}
	return found
}

func checkResult(err error) map[string]any {
	if err == nil {
		return map[string]any{"ok": true}
	}
	appErr := apperr.As(err)
	return map[string]any{"ok": false, "code": appErr.Code, "message": appErr.Message}
}

// ProjectRuns renders registry entries as operator list rows with derived
// state fields.
func ProjectRuns(entries []registry.Entry) []map[string]any {
	rows := make([]map[string]any, len(entries))
	for i, e := range entries {
		rows[i] = map[string]any{
			"run_id":            e.RunID,
			"created_at":        e.CreatedAt,
			"symbol":            e.Symbol,
			"timeframe":         e.Timeframe,
			"strategy_id":       e.StrategyID,
			"state":             e.Status,
			"artifact_status":   artifactStatus(e),
			"validation_status": validationStatus(e),
		}
	}
	return rows
}

// RunDetail renders the manifest provenance plus a per-artifact integrity
// report against the required set.
func RunDetail(entry *registry.Entry, manifest map[string]any) map[string]any {
	present := map[string]bool{}
	for _, name := range entry.ArtifactsPresent {
		present[name] = true
	}
	integrity := make([]map[string]any, 0, len(registry.RequiredArtifacts))
	for _, name := range registry.RequiredArtifacts {
		integrity = append(integrity, map[string]any{"name": name, "ok": present[name]})
	}

	detail := map[string]any{
		"run_id":             entry.RunID,
		"state":              entry.Status,
		"artifact_status":    artifactStatus(*entry),
		"validation_status":  validationStatus(*entry),
		"artifact_integrity": integrity,
	}
	if manifest != nil {
		detail["manifest"] = manifest
		detail["provenance"] = map[string]any{
			"run_id":          entry.RunID,
			"inputs_hash":     entry.InputsHash,
			"engine_version":  manifest["engine_version"],
			"builder_version": manifest["builder_version"],
			"strategy":        manifest["strategy"],
			"stage_token":     StageToken,
		}
	}
	return detail
}

// RunSummary aggregates decision rows with artifact presence for the run
// summary endpoint.
func RunSummary(entry *registry.Entry, decisions []map[string]any) map[string]any {
	actionCounts := map[string]int{}
	for _, row := range decisions {
		if action, ok := row["action"].(string); ok {
			actionCounts[action]++
		}
	}
	return map[string]any{
		"run_id":            entry.RunID,
		"state":             entry.Status,
		"decision_count":    len(decisions),
		"action_counts":     actionCounts,
		"artifacts_present": entry.ArtifactsPresent,
		"missing_artifacts": entry.MissingArtifacts,
		"artifact_status":   artifactStatus(*entry),
	}
}

func artifactStatus(e registry.Entry) string {
	if len(e.MissingArtifacts) > 0 {
		return "INCOMPLETE"
	}
	return "COMPLETE"
}

func validationStatus(e registry.Entry) string {
	if e.Status == registry.StatusCorrupted {
		return "FAILED"
	}
	return "PASSED"
}
