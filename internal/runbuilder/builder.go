// Package runbuilder turns a run request into a complete artifact bundle:
// normalization, input validation, simulation, canonical artifact writing
// under a temp directory with an atomic rename, and the registry upsert.
// Builds are idempotent on the inputs hash.
package runbuilder

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/canon"
	"github.com/buffquant/buffrun/internal/engine"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/ohlcv"
	"github.com/buffquant/buffrun/internal/registry"
	"github.com/buffquant/buffrun/internal/timeutil"
	"github.com/buffquant/buffrun/internal/version"
)

// ManifestSchemaVersion of manifest.json.
const ManifestSchemaVersion = "1.0.0"

// Builder orchestrates run creation for one runs root.
type Builder struct {
	Layout   ids.Layout
	RepoRoot string // root against which data_source.path resolves
}

// New creates a Builder.
func New(layout ids.Layout, repoRoot string) *Builder {
	return &Builder{Layout: layout, RepoRoot: repoRoot}
}

// Result reports the outcome of a build.
type Result struct {
	RunID      string
	InputsHash string
	Status     string
	Created    bool // false when an identical run already existed
	RunDir     string
}

// Build runs the full pipeline for userID. It returns Created=false when a
// run with the same id and inputs hash already exists.
func (b *Builder) Build(userID string, req Request) (*Result, error) {
	if err := ids.ValidateUserID(userID); err != nil {
		return nil, err
	}
	norm, err := Normalize(req)
	if err != nil {
		return nil, err
	}

	runDir, err := b.Layout.RunDir(userID, norm.RunID)
	if err != nil {
		return nil, err
	}
	reg := registry.New(b.Layout, userID)

	// Idempotency: an existing directory either matches the inputs hash
	// (re-register and return the existing run) or conflicts.
	if _, statErr := os.Stat(runDir); statErr == nil {
		return b.claimExisting(reg, userID, norm, runDir)
	}

	dataPath, err := ids.ResolveDataPath(b.RepoRoot, norm.Request.DataSource.Path)
	if err != nil {
		return nil, err
	}
	bars1m, meta, err := ohlcv.Load(dataPath, norm.StartTime, norm.EndTime)
	if err != nil {
		return nil, err
	}
	simBars, err := ohlcv.Resample(bars1m, norm.Request.DataSource.Timeframe)
	if err != nil {
		return nil, err
	}

	simResult, err := engine.Run(engine.Config{
		RunID:         norm.RunID,
		Symbol:        norm.Request.DataSource.Symbol,
		Timeframe:     norm.Request.DataSource.Timeframe,
		Strategy:      norm.Strategy,
		RiskLevel:     norm.Request.Risk.Level,
		CommissionBps: norm.Request.Costs.CommissionBps,
		SlippageBps:   norm.Request.Costs.SlippageBps,
		Seed:          norm.Seed(),
	}, simBars)
	if err != nil {
		return nil, err
	}

	if err := b.writeRunDir(userID, norm, meta, bars1m, simBars, simResult, runDir); err != nil {
		return nil, err
	}

	entry, err := reg.BuildEntry(norm.RunID)
	if err == nil {
		err = reg.Upsert(entry)
	}
	if err != nil {
		// A half-registered run must not survive.
		_ = os.RemoveAll(runDir)
		log.Error().Err(err).Str("run_id", norm.RunID).Msg("registry upsert failed; run removed")
		return nil, apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "registry write failed", err)
	}

	log.Info().Str("user_id", userID).Str("run_id", norm.RunID).Str("inputs_hash", norm.InputsHash).Msg("run created")
	return &Result{
		RunID:      norm.RunID,
		InputsHash: norm.InputsHash,
		Status:     registry.StatusCompleted,
		Created:    true,
		RunDir:     runDir,
	}, nil
}

// Seed returns the request seed.
func (n *Normalized) Seed() int64 { return n.Request.Seed }

func (b *Builder) claimExisting(reg *registry.Registry, userID string, norm *Normalized, runDir string) (*Result, error) {
	manifestPath := filepath.Join(runDir, "manifest.json")
	existing, err := readManifestHash(manifestPath)
	if err != nil || existing.InputsHash != norm.InputsHash {
		return nil, apperr.Newf(apperr.CodeRunExists, 409, "run %s already exists with different inputs", norm.RunID)
	}

	entry, err := reg.BuildEntry(norm.RunID)
	if err != nil {
		return nil, err
	}
	if err := reg.Upsert(entry); err != nil {
		return nil, err
	}
	return &Result{
		RunID:      norm.RunID,
		InputsHash: norm.InputsHash,
		Status:     entry.Status,
		Created:    false,
		RunDir:     runDir,
	}, nil
}

// writeRunDir stages every artifact in a sibling temp directory, then
// renames it into place. The temp directory is removed on any failure, so a
// partial bundle is never visible.
func (b *Builder) writeRunDir(userID string, norm *Normalized, meta ohlcv.Meta,
	bars1m, simBars []ohlcv.Bar, sim *engine.Result, runDir string) (err error) {

	runsDir := filepath.Dir(runDir)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create runs dir", err)
	}

	tmpDir := filepath.Join(runsDir, fmt.Sprintf(".tmp_%s_%s", norm.RunID, randSuffix()))
	if err := os.Mkdir(tmpDir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create temp run dir", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	artifactNames := []string{
		"manifest.json", "config.json", "metrics.json", "equity_curve.json",
		"timeline.json", "decision_records.jsonl", "trades.jsonl", "ohlcv_1m.jsonl",
	}
	tf := norm.Request.DataSource.Timeframe
	if tf != "1m" {
		artifactNames = append(artifactNames, fmt.Sprintf("ohlcv_%s.jsonl", tf))
	}

	manifest := buildManifest(userID, norm, meta, simBars, artifactNames)

	writes := []struct {
		name string
		fn   func(path string) error
	}{
		{"manifest.json", func(p string) error { return canon.WriteCanonicalFile(p, manifest) }},
		{"config.json", func(p string) error { return canon.WriteCanonicalFile(p, configPayload(norm)) }},
		{"metrics.json", func(p string) error { return canon.WriteCanonicalFile(p, sim.Metrics) }},
		{"equity_curve.json", func(p string) error {
			return canon.WriteCanonicalFile(p, map[string]any{
				"schema_version": ManifestSchemaVersion,
				"run_id":         norm.RunID,
				"points":         sim.Equity,
			})
		}},
		{"timeline.json", func(p string) error { return canon.WriteCanonicalFile(p, timelinePayload(norm.RunID, simBars, sim)) }},
		{"decision_records.jsonl", func(p string) error { return canon.WriteJSONLFile(p, asRows(sim.Decisions)) }},
		{"trades.jsonl", func(p string) error { return canon.WriteJSONLFile(p, asRows(sim.Trades)) }},
		{"ohlcv_1m.jsonl", func(p string) error { return canon.WriteJSONLFile(p, barRows(bars1m)) }},
	}
	if tf != "1m" {
		name := fmt.Sprintf("ohlcv_%s.jsonl", tf)
		writes = append(writes, struct {
			name string
			fn   func(path string) error
		}{name, func(p string) error { return canon.WriteJSONLFile(p, barRows(simBars)) }})
	}

	for _, w := range writes {
		if err := w.fn(filepath.Join(tmpDir, w.name)); err != nil {
			return apperr.Wrap(apperr.CodeRunWriteFailed, 500, fmt.Sprintf("cannot write %s", w.name), err)
		}
	}

	if err := os.Rename(tmpDir, runDir); err != nil {
		return apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot finalize run dir", err)
	}
	return canon.SyncDir(runsDir)
}

func buildManifest(userID string, norm *Normalized, meta ohlcv.Meta,
	simBars []ohlcv.Bar, artifactNames []string) map[string]any {

	createdAt := timeutil.Format(simBars[0].Ts)
	artifacts := map[string]any{}
	for _, name := range artifactNames {
		artifacts[artifactKey(name)] = name
	}

	data := map[string]any{
		"symbol":              norm.Request.DataSource.Symbol,
		"timeframe":           norm.Request.DataSource.Timeframe,
		"source_path":         norm.Request.DataSource.Path,
		"canonical_timeframe": "1m",
		"data_start_ts":       timeutil.Format(meta.DataStart),
		"data_end_ts":         timeutil.Format(meta.DataEnd),
	}
	if norm.Request.DataSource.StartTs != "" {
		data["start_ts"] = norm.Request.DataSource.StartTs
	}
	if norm.Request.DataSource.EndTs != "" {
		data["end_ts"] = norm.Request.DataSource.EndTs
	}

	strategy := map[string]any{"id": norm.Request.Strategy.ID}
	if len(norm.Request.Strategy.Params) > 0 {
		strategy["params"] = canon.StripNulls(norm.Request.Strategy.Params)
	}

	return map[string]any{
		"schema_version":  ManifestSchemaVersion,
		"run_id":          norm.RunID,
		"created_at":      createdAt,
		"engine_version":  version.Engine,
		"builder_version": version.Builder,
		"status":          registry.StatusCompleted,
		"status_history":  []any{"CREATED", "VALIDATED", "RUNNING", "COMPLETED"},
		"inputs":          InputsMap(norm.Request),
		"inputs_hash":     norm.InputsHash,
		"data":            data,
		"strategy":        strategy,
		"risk":            map[string]any{"level": norm.Request.Risk.Level},
		"artifacts":       artifacts,
		"meta":            map[string]any{"owner_user_id": userID},
		"execution_mode":  "SIM_ONLY",
		"capabilities":    []any{"SIMULATION", "DATA_READONLY"},
	}
}

func configPayload(norm *Normalized) map[string]any {
	cfg := InputsMap(norm.Request)
	cfg["run_id"] = norm.RunID
	cfg["inputs_hash"] = norm.InputsHash
	return cfg
}

// timelinePayload derives the deterministic lifecycle timeline: run events
// plus one event per position change, all stamped with bar timestamps.
func timelinePayload(runID string, simBars []ohlcv.Bar, sim *engine.Result) map[string]any {
	firstTs := timeutil.Format(simBars[0].Ts)
	lastTs := timeutil.Format(simBars[len(simBars)-1].Ts)

	events := []map[string]any{
		{"ts_utc": firstTs, "type": "RUN_CREATED"},
		{"ts_utc": firstTs, "type": "DATA_VALIDATED"},
	}
	for i, trade := range sim.Trades {
		events = append(events,
			map[string]any{"ts_utc": trade.EntryTime, "type": "ENTER_LONG", "trade_index": i},
			map[string]any{"ts_utc": trade.ExitTime, "type": "EXIT_LONG", "trade_index": i},
		)
	}
	events = append(events, map[string]any{"ts_utc": lastTs, "type": "RUN_COMPLETED"})
	for i := range events {
		events[i]["seq"] = i
	}
	return map[string]any{
		"schema_version": ManifestSchemaVersion,
		"run_id":         runID,
		"events":         events,
	}
}

func artifactKey(name string) string {
	switch name {
	case "manifest.json":
		return "manifest"
	case "config.json":
		return "config"
	case "metrics.json":
		return "metrics"
	case "equity_curve.json":
		return "equity_curve"
	case "timeline.json":
		return "timeline"
	case "decision_records.jsonl":
		return "decision_records"
	case "trades.jsonl":
		return "trades"
	default: // ohlcv_<tf>.jsonl
		base := name[:len(name)-len(".jsonl")]
		return base
	}
}

func asRows[T any](items []T) []any {
	rows := make([]any, len(items))
	for i := range items {
		rows[i] = items[i]
	}
	return rows
}

func barRows(bars []ohlcv.Bar) []any {
	rows := make([]any, len(bars))
	for i, bar := range bars {
		rows[i] = map[string]any{
			"ts":     timeutil.Format(bar.Ts),
			"open":   bar.Open,
			"high":   bar.High,
			"low":    bar.Low,
			"close":  bar.Close,
			"volume": bar.Volume,
		}
	}
	return rows
}

type manifestHash struct {
	InputsHash string `json:"inputs_hash"`
	Status     string `json:"status"`
}

func readManifestHash(path string) (*manifestHash, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifestHash
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.InputsHash == "" {
		return nil, fmt.Errorf("manifest has no inputs_hash")
	}
	return &m, nil
}

func randSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
