package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/artifacts"
	"github.com/buffquant/buffrun/internal/config"
	"github.com/buffquant/buffrun/internal/experiment"
	"github.com/buffquant/buffrun/internal/observability"
	"github.com/buffquant/buffrun/internal/registry"
	"github.com/buffquant/buffrun/internal/runbuilder"
	"github.com/buffquant/buffrun/internal/timeutil"
	"github.com/buffquant/buffrun/internal/version"
)

// maxUploadBytes bounds multipart CSV uploads.
const maxUploadBytes = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.App,
		"engine":  version.Engine,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	payload, ready := s.Probe.Readiness()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	idx, err := registry.New(s.Layout, userID).Reconcile()
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": idx.SchemaVersion,
		"generated_at":   idx.GeneratedAt,
		"runs":           idx.Runs,
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	if name, active := config.KillSwitchActive(); active {
		writeError(w, r, apperr.Newf(apperr.CodeKillSwitchEnabled, 503, "run creation disabled by %s", name), "")
		return
	}

	var req runbuilder.Request
	builder := s.Builder
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		uploaded, err := s.acceptUpload(r, userID, &req)
		if err != nil {
			writeError(w, r, err, "")
			return
		}
		builder = uploaded
	} else if err := decodeValidated(r.Body, runSchema, &req); err != nil {
		writeError(w, r, err, "")
		return
	}

	res, err := builder.Build(userID, req)
	if err != nil {
		writeError(w, r, err, req.RunID)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"run_id":      res.RunID,
		"status":      res.Status,
		"inputs_hash": res.InputsHash,
		"created":     res.Created,
	})
}

// acceptUpload stores the multipart CSV under the user's inputs dir and
// rewrites the request to point at it. The returned builder resolves data
// paths against the runs root so the upload stays contained.
func (s *Server) acceptUpload(r *http.Request, userID string, req *runbuilder.Request) (*runbuilder.Builder, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationError, 422, "cannot parse multipart body", err)
	}
	spec := r.FormValue("request")
	if spec == "" {
		return nil, apperr.New(apperr.CodeValidationError, 422, "multipart field \"request\" is required")
	}
	if err := decodeValidated(strings.NewReader(spec), runSchema, req); err != nil {
		return nil, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationError, 422, "multipart field \"file\" is required", err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || !strings.HasSuffix(name, ".csv") {
		return nil, apperr.Newf(apperr.CodeValidationError, 422, "upload %q must be a .csv file", header.Filename)
	}
	inputsDir, err := s.Layout.InputsDir(userID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot create inputs dir", err)
	}
	dst, err := os.Create(filepath.Join(inputsDir, name))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot store upload", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return nil, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot store upload", err)
	}

	req.DataSource.Path = filepath.ToSlash(filepath.Join("users", userID, "inputs", name))
	return runbuilder.New(s.Layout, s.Layout.Root), nil
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	if err := os.RemoveAll(runDir); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeRunWriteFailed, 500, "cannot remove run dir", err), runID)
		return
	}
	if err := registry.New(s.Layout, userID).Remove(runID); err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "deleted": true})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.ResolveHealthy(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	manifest, err := artifacts.LoadManifest(runDir)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	vars := mux.Vars(r)
	runID := vars["run_id"]
	path, err := s.Resolver.ArtifactPath(userID, runID, vars["name"])
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	if strings.HasSuffix(path, ".jsonl") {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, entry, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	rows, malformed, err := artifacts.LoadDecisions(runDir)
	if err == nil {
		err = artifacts.RequireWellFormed(malformed)
	}
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, observability.RunSummary(entry, rows))
}

// loadFilteredDecisions is the shared read path of the decision endpoints.
func (s *Server) loadFilteredDecisions(w http.ResponseWriter, r *http.Request) (string, []map[string]any, bool) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return "", nil, false
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, false
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, false
	}
	rows, malformed, err := artifacts.LoadDecisions(runDir)
	if err == nil {
		err = artifacts.RequireWellFormed(malformed)
	}
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, false
	}

	kept := []map[string]any{}
	for _, row := range rows {
		if filter.Match(row) {
			kept = append(kept, row)
		}
	}
	return runID, kept, true
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	runID, rows, ok := s.loadFilteredDecisions(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"items":     page.Slice(rows),
		"page":      page.Number,
		"page_size": page.Size,
		"total":     len(rows),
	})
}

func (s *Server) handleDecisionsExport(w http.ResponseWriter, r *http.Request) {
	runID, rows, ok := s.loadFilteredDecisions(w, r)
	if !ok {
		return
	}
	s.export(w, r, runID, "decisions", rows)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	runID, rows, tsField, ok := s.loadWindowedTrades(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"items":     page.Slice(rows),
		"ts_field":  tsField,
		"page":      page.Number,
		"page_size": page.Size,
		"total":     len(rows),
	})
}

func (s *Server) handleTradeMarkers(w http.ResponseWriter, r *http.Request) {
	runID, rows, _, ok := s.loadWindowedTrades(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"markers": artifacts.TradeMarkers(rows),
	})
}

func (s *Server) handleTradesExport(w http.ResponseWriter, r *http.Request) {
	runID, rows, _, ok := s.loadWindowedTrades(w, r)
	if !ok {
		return
	}
	s.export(w, r, runID, "trades", rows)
}

func (s *Server) loadWindowedTrades(w http.ResponseWriter, r *http.Request) (string, []map[string]any, string, bool) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return "", nil, "", false
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, "", false
	}
	start, end, err := parseTimeWindow(r)
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, "", false
	}
	rows, tsField, err := artifacts.LoadTrades(runDir)
	if err != nil {
		writeError(w, r, err, runID)
		return runID, nil, "", false
	}
	return runID, artifacts.WindowRows(rows, tsField, start, end), tsField, true
}

func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	start, end, err := parseTimeWindow(r)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1m"
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, apperr.New(apperr.CodeValidationError, 422, "limit must be a non-negative integer"), runID)
			return
		}
	}
	bars, err := artifacts.LoadBars(runDir, timeframe, start, end, limit)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"timeframe": timeframe,
		"candles":   bars,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	metrics, err := artifacts.LoadMetrics(runDir)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, _, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "auto"
	}
	switch source {
	case "auto", "artifact", "from_decisions":
	default:
		writeError(w, r, apperr.Newf(apperr.CodeValidationError, 422, "source must be auto, artifact, or from_decisions, got %q", source), runID)
		return
	}

	if source != "from_decisions" {
		timeline, err := artifacts.LoadTimeline(runDir)
		if err == nil {
			timeline["source"] = "artifact"
			writeJSON(w, http.StatusOK, timeline)
			return
		}
		if source == "artifact" {
			writeError(w, r, err, runID)
			return
		}
	}

	rows, malformed, err := artifacts.LoadDecisions(runDir)
	if err == nil {
		err = artifacts.RequireWellFormed(malformed)
	}
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"source": "from_decisions",
		"events": timelineFromDecisions(rows),
	})
}

// timelineFromDecisions synthesizes position events from the decision
// stream when no timeline artifact exists.
func timelineFromDecisions(rows []map[string]any) []map[string]any {
	events := []map[string]any{}
	for _, row := range rows {
		action, _ := row["action"].(string)
		if action == "" || action == "HOLD" {
			continue
		}
		events = append(events, map[string]any{
			"seq":    len(events),
			"ts_utc": row["ts_utc"],
			"type":   action,
		})
	}
	return events
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	runID, rows, ok := s.loadFilteredDecisions(w, r)
	if !ok {
		return
	}
	errRows := artifacts.ErrorRecords(rows)
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"items":     page.Slice(errRows),
		"page":      page.Number,
		"page_size": page.Size,
		"total":     len(errRows),
	})
}

func (s *Server) handleErrorsExport(w http.ResponseWriter, r *http.Request) {
	runID, rows, ok := s.loadFilteredDecisions(w, r)
	if !ok {
		return
	}
	s.export(w, r, runID, "errors", artifacts.ErrorRecords(rows))
}

// export streams rows with download headers in the requested format.
func (s *Server) export(w http.ResponseWriter, r *http.Request, runID, what string, rows []map[string]any) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = artifacts.FormatJSON
	}
	if err := artifacts.ValidateFormat(format); err != nil {
		writeError(w, r, err, runID)
		return
	}
	w.Header().Set("Content-Type", artifacts.ContentType(format))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", artifacts.ExportFilename(runID, what, format)))
	if err := artifacts.WriteExport(w, format, rows); err != nil {
		hlogError(r, err)
	}
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	if name, active := config.KillSwitchActive(); active {
		writeError(w, r, apperr.Newf(apperr.CodeKillSwitchEnabled, 503, "run creation disabled by %s", name), "")
		return
	}
	var req experiment.Request
	if err := decodeValidated(r.Body, experimentSchema, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	if req.SchemaVersion == "" {
		req.SchemaVersion = experiment.SchemaVersion
	}
	res, err := s.Orchestrator.Run(userID, req)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"experiment_id":     res.ExperimentID,
		"experiment_digest": res.Digest,
		"status":            res.Status,
		"created":           res.Created,
	})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	expsDir, err := s.Layout.ExperimentsDir(userID)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	items := []map[string]any{}
	entries, err := os.ReadDir(expsDir)
	if err != nil && !os.IsNotExist(err) {
		writeError(w, r, apperr.Wrap(apperr.CodeInternal, 500, "cannot read experiments dir", err), "")
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		manifest, err := readExperimentFile(expsDir, e.Name(), "experiment_manifest.json")
		if err != nil {
			continue
		}
		items = append(items, map[string]any{
			"experiment_id":     manifest["experiment_id"],
			"experiment_digest": manifest["experiment_digest"],
			"status":            manifest["status"],
			"summary":           manifest["summary"],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": items})
}

func (s *Server) handleExperimentManifest(w http.ResponseWriter, r *http.Request) {
	s.serveExperimentFile(w, r, "experiment_manifest.json")
}

func (s *Server) handleExperimentComparison(w http.ResponseWriter, r *http.Request) {
	s.serveExperimentFile(w, r, "comparison_summary.json")
}

func (s *Server) serveExperimentFile(w http.ResponseWriter, r *http.Request, name string) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	experimentID := mux.Vars(r)["experiment_id"]
	expsDir, err := s.Layout.ExperimentsDir(userID)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	if _, err := s.Layout.ExperimentDir(userID, experimentID); err != nil {
		writeError(w, r, err, "")
		return
	}
	payload, err := readExperimentFile(expsDir, experimentID, name)
	if err != nil {
		writeError(w, r, apperr.Newf(apperr.CodeArtifactNotFound, 404, "experiment %s not found", experimentID), "")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func readExperimentFile(expsDir, experimentID, name string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(expsDir, experimentID, name))
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Server) handleObservabilityRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	idx, err := registry.New(s.Layout, userID).Reconcile()
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": observability.ProjectRuns(idx.Runs)})
}

func (s *Server) handleObservabilityRunDetail(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok || !s.requireRunsRoot(w, r) {
		return
	}
	runID := mux.Vars(r)["run_id"]
	runDir, entry, err := s.Resolver.Resolve(userID, runID)
	if err != nil {
		writeError(w, r, err, runID)
		return
	}
	manifest, err := artifacts.LoadManifest(runDir)
	if err != nil {
		manifest = nil
	}
	writeJSON(w, http.StatusOK, observability.RunDetail(entry, manifest))
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunsRoot(w, r) {
		return
	}
	if s.Cfg.DefaultUser == "" {
		writeError(w, r, apperr.New(apperr.CodeUserMissing, 400, "migration requires a configured default user"), "")
		return
	}
	report, err := registry.MigrateLegacy(s.Layout, s.Cfg.DefaultUser)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseFilter reads the decision query filters.
func parseFilter(r *http.Request) (artifacts.Filter, error) {
	filter := artifacts.Filter{
		Symbols:     parseList(r, "symbol"),
		Actions:     parseList(r, "action"),
		Severities:  parseList(r, "severity"),
		ReasonCodes: parseList(r, "reason_code"),
	}
	var err error
	filter.Start, filter.End, err = parseTimeWindow(r)
	if err != nil {
		return filter, err
	}
	return filter, filter.Validate()
}

func parseList(r *http.Request, key string) []string {
	out := []string{}
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTimeWindow(r *http.Request) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if raw := r.URL.Query().Get("start_ts"); raw != "" {
		if start, err = timeutil.Parse(raw); err != nil {
			return start, end, err
		}
	}
	if raw := r.URL.Query().Get("end_ts"); raw != "" {
		if end, err = timeutil.Parse(raw); err != nil {
			return start, end, err
		}
	}
	if err := timeutil.ValidateRange(start, end); err != nil {
		return start, end, err
	}
	return start, end, nil
}

func parsePage(r *http.Request) (artifacts.Page, error) {
	page := artifacts.Page{Number: 1, Size: artifacts.DefaultPageSize}
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, apperr.New(apperr.CodeValidationError, 422, "page must be an integer")
		}
		page.Number = n
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, apperr.New(apperr.CodeValidationError, 422, "page_size must be an integer")
		}
		page.Size = n
	}
	return page, page.Validate()
}
