package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/observability"
)

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the uniform error envelope. runID may be empty when the
// failure is not attached to a run.
func writeError(w http.ResponseWriter, r *http.Request, err error, runID string) {
	appErr := apperr.As(err)
	if appErr.Status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Str("code", appErr.Code).Msg("request failed")
	}

	details := appErr.Details
	if details == nil {
		details = map[string]any{}
	}
	envelope := map[string]any{
		"error_code":         appErr.Code,
		"human_message":      appErr.Message,
		"recovery_hint":      apperr.RecoveryHint(appErr.Code),
		"artifact_reference": nil,
		"provenance": map[string]any{
			"run_id":      orNil(runID),
			"strategy":    map[string]any{"id": nil, "version": nil, "hash": nil},
			"risk_level":  nil,
			"stage_token": observability.StageToken,
		},
	}
	writeJSON(w, appErr.Status, map[string]any{
		"code":    appErr.Code,
		"message": appErr.Message,
		"details": details,
		"error": map[string]any{
			"code":     appErr.Code,
			"message":  appErr.Message,
			"details":  details,
			"envelope": envelope,
		},
		"error_envelope": envelope,
	})
}

// hlogError logs a failure that happened after headers were sent.
func hlogError(r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("streaming write failed")
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
