// Package experiment runs sets of candidate run configurations under a
// single fingerprinted experiment id and writes a deterministic comparison
// summary. A failing candidate never fails the experiment; it is recorded
// with its structured error and the remaining candidates still run.
package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/canon"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/registry"
	"github.com/buffquant/buffrun/internal/runbuilder"
)

// SchemaVersion accepted for experiment requests and written to artifacts.
const SchemaVersion = "1.0.0"

// DefaultMaxCandidates bounds an experiment unless overridden.
const DefaultMaxCandidates = 20

// DefaultLockTimeout bounds experiment lock acquisition.
const DefaultLockTimeout = 500 * time.Millisecond

// lockPoll is the experiment lock polling interval.
const lockPoll = 5 * time.Millisecond

// Experiment statuses.
const (
	StatusCompleted = "COMPLETED"
	StatusPartial   = "PARTIAL"
	StatusFailed    = "FAILED"
)

// ComparisonColumns is the fixed column order of comparison_summary.json.
var ComparisonColumns = []string{
	"candidate_index", "candidate_id", "run_id", "status",
	"strategy_id", "symbol", "timeframe", "risk_level",
	"total_return", "final_equity", "max_drawdown", "win_rate", "num_trades",
}

// Candidate is one entry of an experiment request.
type Candidate struct {
	CandidateID string         `json:"candidate_id,omitempty"`
	RunConfig   map[string]any `json:"run_config"`
}

// Request is an experiment request as received on the wire.
type Request struct {
	SchemaVersion string      `json:"schema_version"`
	Candidates    []Candidate `json:"candidates"`
}

// Orchestrator drives experiments for one runs root.
type Orchestrator struct {
	Layout        ids.Layout
	Builder       *runbuilder.Builder
	MaxCandidates int
	LockTimeout   time.Duration
}

// New creates an Orchestrator with default limits.
func New(layout ids.Layout, builder *runbuilder.Builder) *Orchestrator {
	return &Orchestrator{
		Layout:        layout,
		Builder:       builder,
		MaxCandidates: DefaultMaxCandidates,
		LockTimeout:   DefaultLockTimeout,
	}
}

// Result reports the outcome of an experiment run.
type Result struct {
	ExperimentID string
	Digest       string
	Status       string
	Created      bool
	Dir          string
}

// Run validates, fingerprints, and executes an experiment for userID.
func (o *Orchestrator) Run(userID string, req Request) (*Result, error) {
	if err := ids.ValidateUserID(userID); err != nil {
		return nil, err
	}
	normalized, err := o.normalize(req)
	if err != nil {
		return nil, err
	}

	digest, err := digestOf(normalized)
	if err != nil {
		return nil, err
	}
	experimentID := "exp_" + digest[:12]

	expsDir, err := o.Layout.ExperimentsDir(userID)
	if err != nil {
		return nil, err
	}
	expDir, err := o.Layout.ExperimentDir(userID, experimentID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expsDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create experiments dir", err)
	}

	lock := registry.NewFileLock(filepath.Join(expsDir, "."+experimentID+".lock"))
	lock.Poll = lockPoll
	if err := lock.Acquire(o.LockTimeout, apperr.CodeExperimentLockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release()

	// Idempotency: an existing manifest with the same digest claims the
	// experiment; a conflicting digest is a 409.
	if existing, err := readManifestDigest(filepath.Join(expDir, "experiment_manifest.json")); err == nil {
		if existing.Digest != digest {
			return nil, apperr.Newf(apperr.CodeExperimentExists, 409, "experiment %s exists with a different digest", experimentID)
		}
		return &Result{ExperimentID: experimentID, Digest: digest, Status: existing.Status, Created: false, Dir: expDir}, nil
	}

	candidates, rows, status := o.runCandidates(userID, normalized)

	manifest := buildManifest(userID, experimentID, digest, status, normalized, candidates)
	comparison := map[string]any{
		"schema_version":    SchemaVersion,
		"experiment_id":     experimentID,
		"experiment_digest": digest,
		"status":            status,
		"counts":            manifest["summary"],
		"columns":           ComparisonColumns,
		"rows":              rows,
	}

	if err := writeExperimentDir(expsDir, expDir, experimentID, manifest, comparison); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("experiment_id", experimentID).Str("status", status).Msg("experiment written")
	return &Result{ExperimentID: experimentID, Digest: digest, Status: status, Created: true, Dir: expDir}, nil
}

// normalize validates structure and assigns default candidate ids.
func (o *Orchestrator) normalize(req Request) (*Request, error) {
	if req.SchemaVersion != SchemaVersion {
		return nil, apperr.Newf(apperr.CodeExperimentConfigInvalid, 400, "unsupported schema_version %q", req.SchemaVersion)
	}
	if len(req.Candidates) == 0 {
		return nil, apperr.New(apperr.CodeExperimentConfigInvalid, 400, "candidates must be non-empty")
	}
	maxCandidates := o.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if len(req.Candidates) > maxCandidates {
		return nil, apperr.Newf(apperr.CodeExperimentCandidates, 400, "experiment has %d candidates; limit is %d", len(req.Candidates), maxCandidates)
	}

	out := Request{SchemaVersion: req.SchemaVersion, Candidates: make([]Candidate, len(req.Candidates))}
	seen := make(map[string]bool, len(req.Candidates))
	for i, cand := range req.Candidates {
		id := cand.CandidateID
		if id == "" {
			id = fmt.Sprintf("cand_%03d", i+1)
		}
		if err := ids.ValidateCandidateID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, apperr.Newf(apperr.CodeExperimentConfigInvalid, 400, "duplicate candidate id %q", id)
		}
		seen[id] = true
		if cand.RunConfig == nil {
			return nil, apperr.Newf(apperr.CodeExperimentConfigInvalid, 400, "candidate %q has no run_config", id)
		}
		out.Candidates[i] = Candidate{CandidateID: id, RunConfig: cand.RunConfig}
	}
	return &out, nil
}

// runCandidates executes each candidate in order and returns the candidate
// records, the comparison rows for the succeeded ones, and the aggregate
// status.
func (o *Orchestrator) runCandidates(userID string, req *Request) ([]map[string]any, []map[string]any, string) {
	records := make([]map[string]any, 0, len(req.Candidates))
	rows := make([]map[string]any, 0, len(req.Candidates))
	succeeded, failed := 0, 0

	for i, cand := range req.Candidates {
		runReq, err := decodeRunConfig(cand.RunConfig)
		var buildRes *runbuilder.Result
		if err == nil {
			buildRes, err = o.Builder.Build(userID, runReq)
		}
		if err != nil {
			failed++
			appErr := apperr.As(err)
			records = append(records, map[string]any{
				"candidate_id": cand.CandidateID,
				"status":       StatusFailed,
				"error": map[string]any{
					"code":    appErr.Code,
					"message": appErr.Message,
					"details": appErr.Details,
				},
			})
			continue
		}

		succeeded++
		record := map[string]any{
			"candidate_id": cand.CandidateID,
			"status":       StatusCompleted,
			"run_id":       buildRes.RunID,
			"run_status":   buildRes.Status,
		}
		row := map[string]any{
			"candidate_index": i,
			"candidate_id":    cand.CandidateID,
			"run_id":          buildRes.RunID,
			"status":          StatusCompleted,
		}
		metricsPath := filepath.Join(buildRes.RunDir, "metrics.json")
		if metrics, err := readMetrics(metricsPath); err == nil {
			record["metrics_path"] = metricsPath
			for _, key := range []string{"strategy_id", "symbol", "timeframe", "risk_level",
				"total_return", "final_equity", "max_drawdown", "win_rate", "num_trades"} {
				row[key] = metrics[key]
			}
		} else {
			appErr := apperr.As(err)
			log.Warn().Str("candidate_id", cand.CandidateID).Str("run_id", buildRes.RunID).
				Err(err).Msg("metrics unreadable after build")
			record["metrics_error"] = map[string]any{"code": appErr.Code, "message": appErr.Message}
			row["metrics_error"] = appErr.Code
		}
		records = append(records, record)
		rows = append(rows, row)
	}

	status := StatusPartial
	switch {
	case failed == 0:
		status = StatusCompleted
	case succeeded == 0:
		status = StatusFailed
	}
	return records, rows, status
}

func buildManifest(userID, experimentID, digest, status string, req *Request, candidates []map[string]any) map[string]any {
	return map[string]any{
		"schema_version":    SchemaVersion,
		"experiment_id":     experimentID,
		"experiment_digest": digest,
		"status":            status,
		"status_history":    []any{"CREATED", "RUNNING", status},
		"inputs":            requestMap(req),
		"candidates":        candidates,
		"summary": map[string]any{
			"total_candidates": len(req.Candidates),
			"succeeded":        countStatus(candidates, StatusCompleted),
			"failed":           countStatus(candidates, StatusFailed),
		},
		"meta": map[string]any{"owner_user_id": userID},
	}
}

func writeExperimentDir(expsDir, expDir, experimentID string, manifest, comparison map[string]any) (err error) {
	tmpDir := filepath.Join(expsDir, ".tmp_"+experimentID)
	_ = os.RemoveAll(tmpDir) // leftover from a crashed writer
	if err := os.Mkdir(tmpDir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create temp experiment dir", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := canon.WriteCanonicalFile(filepath.Join(tmpDir, "experiment_manifest.json"), manifest); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot write experiment manifest", err)
	}
	if err := canon.WriteCanonicalFile(filepath.Join(tmpDir, "comparison_summary.json"), comparison); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot write comparison summary", err)
	}
	if err := os.Rename(tmpDir, expDir); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot finalize experiment dir", err)
	}
	return canon.SyncDir(expsDir)
}

// digestOf fingerprints the normalized request: SHA-256 over its
// canonical-JSON bytes with nulls stripped.
func digestOf(req *Request) (string, error) {
	b, err := canon.Marshal(canon.StripNulls(mustTree(requestMap(req))))
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(b), nil
}

func requestMap(req *Request) map[string]any {
	cands := make([]any, len(req.Candidates))
	for i, c := range req.Candidates {
		cands[i] = map[string]any{
			"candidate_id": c.CandidateID,
			"run_config":   c.RunConfig,
		}
	}
	return map[string]any{
		"schema_version": req.SchemaVersion,
		"candidates":     cands,
	}
}

func mustTree(v any) any {
	tree, err := canon.ToTree(v)
	if err != nil {
		return v
	}
	return tree
}

func decodeRunConfig(cfg map[string]any) (runbuilder.Request, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return runbuilder.Request{}, apperr.Wrap(apperr.CodeRunConfigInvalid, 400, "run_config is not serializable", err)
	}
	var req runbuilder.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return runbuilder.Request{}, apperr.Wrap(apperr.CodeRunConfigInvalid, 400, "run_config has invalid field types", err)
	}
	return req, nil
}

func readMetrics(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeMetricsMissing, 404, "metrics.json is unreadable", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.CodeMetricsInvalid, 422, "metrics.json is not valid JSON", err)
	}
	return m, nil
}

type manifestDigest struct {
	Digest string `json:"experiment_digest"`
	Status string `json:"status"`
}

func readManifestDigest(path string) (*manifestDigest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifestDigest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Digest == "" {
		return nil, fmt.Errorf("experiment manifest has no digest")
	}
	return &m, nil
}

func countStatus(candidates []map[string]any, status string) int {
	n := 0
	for _, c := range candidates {
		if c["status"] == status {
			n++
		}
	}
	return n
}
