// Package httpapi serves the read-mostly HTTP surface over the runs root:
// run creation, registry-backed listings, artifact reads and exports,
// experiments, and operator projections. Legacy clients are served the same
// routes under /api as under /api/v1.
package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/artifacts"
	"github.com/buffquant/buffrun/internal/config"
	"github.com/buffquant/buffrun/internal/experiment"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/observability"
	"github.com/buffquant/buffrun/internal/runbuilder"
	"github.com/buffquant/buffrun/internal/userctx"
)

// Server wires the domain components behind the router.
type Server struct {
	Cfg          *config.Config
	Layout       ids.Layout
	Builder      *runbuilder.Builder
	Orchestrator *experiment.Orchestrator
	Resolver     *artifacts.Resolver
	Probe        *observability.Probe
	Users        *userctx.Resolver

	logger  zerolog.Logger
	limiter *rate.Limiter
}

// NewServer builds a fully wired Server from configuration.
func NewServer(cfg *config.Config, logger zerolog.Logger) *Server {
	layout := ids.NewLayout(cfg.RunsRoot)
	builder := runbuilder.New(layout, cfg.RepoRoot)
	return &Server{
		Cfg:          cfg,
		Layout:       layout,
		Builder:      builder,
		Orchestrator: experiment.New(layout, builder),
		Resolver:     artifacts.NewResolver(layout),
		Probe:        observability.NewProbe(cfg),
		Users:        userctx.NewResolver(cfg.DefaultUser, cfg.HMACSecret),
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst),
	}
}

// Router builds the full route table. The /api prefix is an alias of
// /api/v1 with identical behavior.
func (s *Server) Router() http.Handler {
	root := mux.NewRouter()
	root.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)

	for _, prefix := range []string{"/api/v1", "/api"} {
		api := root.PathPrefix(prefix).Subrouter()
		s.registerRoutes(api)
	}

	var handler http.Handler = root
	handler = s.corsMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = instrumentMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	})(handler)
	handler = hlog.NewHandler(s.logger)(handler)
	return handler
}

func (s *Server) registerRoutes(api *mux.Router) {
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}", s.handleDeleteRun).Methods(http.MethodDelete)
	api.HandleFunc("/runs/{run_id}/manifest", s.handleManifest).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/artifacts/{name}", s.handleArtifact).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/decisions", s.handleDecisions).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/decisions/export", s.handleDecisionsExport).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/trades/markers", s.handleTradeMarkers).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/trades/export", s.handleTradesExport).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/ohlcv", s.handleOHLCV).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/errors", s.handleErrors).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/errors/export", s.handleErrorsExport).Methods(http.MethodGet)

	api.HandleFunc("/experiments", s.handleCreateExperiment).Methods(http.MethodPost)
	api.HandleFunc("/experiments", s.handleListExperiments).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{experiment_id}/manifest", s.handleExperimentManifest).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{experiment_id}/comparison", s.handleExperimentComparison).Methods(http.MethodGet)

	api.HandleFunc("/observability/runs", s.handleObservabilityRuns).Methods(http.MethodGet)
	api.HandleFunc("/observability/runs/{run_id}", s.handleObservabilityRunDetail).Methods(http.MethodGet)

	api.HandleFunc("/admin/migrate", s.handleMigrate).Methods(http.MethodPost)
}

// corsMiddleware allows the local dev UI origins with credentials.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
	}
	if s.Cfg.DevUIPort != "" {
		allowed["http://localhost:"+s.Cfg.DevUIPort] = true
		allowed["http://127.0.0.1:"+s.Cfg.DevUIPort] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, r, apperr.New("rate_limited", http.StatusTooManyRequests, "too many requests"), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// user resolves the acting user or writes the error itself.
func (s *Server) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.Users.Resolve(r)
	if err != nil {
		writeError(w, r, err, "")
		return "", false
	}
	return userID, true
}

// requireRunsRoot gates any endpoint that touches the runs root.
func (s *Server) requireRunsRoot(w http.ResponseWriter, r *http.Request) bool {
	if err := s.Cfg.ValidateRunsRoot(); err != nil {
		writeError(w, r, err, "")
		return false
	}
	return true
}

// requestIDMiddleware assigns a correlation id to every request, reusing
// the client's X-Request-Id when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		logger := hlog.FromRequest(r).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}
