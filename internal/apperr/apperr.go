// Package apperr defines the tagged error values shared by the run manager.
// Domain code never returns raw strings to the HTTP layer; every terminal
// failure is an *Error carrying a stable code, an HTTP status, and optional
// structured details.
package apperr

import (
	"errors"
	"fmt"
)

// Error is a tagged, wire-safe error value.
type Error struct {
	Code    string         `json:"code"`
	Status  int            `json:"-"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// New creates an Error with the given code, HTTP status, and message.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code string, status int, format string, args ...any) *Error {
	return New(code, status, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to an Error for server-side logging. The cause is
// never serialized to the wire.
func Wrap(code string, status int, message string, cause error) *Error {
	return &Error{Code: code, Status: status, Message: message, cause: cause}
}

// WithDetails returns a copy of e with the detail map set.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithDetail returns a copy of e with one detail key added.
func (e *Error) WithDetail(key string, value any) *Error {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// As extracts an *Error from err, mapping anything else to INTERNAL.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, 500, "internal error", err)
}

// 400-level codes.
const (
	CodeRunConfigInvalid        = "RUN_CONFIG_INVALID"
	CodeRunIDInvalid            = "RUN_ID_INVALID"
	CodeStrategyInvalid         = "STRATEGY_INVALID"
	CodeRiskInvalid             = "RISK_INVALID"
	CodeDataInvalid             = "DATA_INVALID"
	CodeDataSourceNotFound      = "DATA_SOURCE_NOT_FOUND"
	CodeUserMissing             = "USER_MISSING"
	CodeUserInvalid             = "USER_INVALID"
	CodeExperimentConfigInvalid = "EXPERIMENT_CONFIG_INVALID"
	CodeExperimentCandidates    = "EXPERIMENT_CANDIDATES_LIMIT_EXCEEDED"
	CodeInvalidTimestamp        = "invalid_timestamp"
	CodeInvalidTimeRange        = "invalid_time_range"
	CodeTooManyFilterValues     = "too_many_filter_values"
	CodeInvalidExportFormat     = "invalid_export_format"
)

// 401 codes.
const (
	CodeAuthMissing      = "AUTH_MISSING"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeTimestampMissing = "TIMESTAMP_MISSING"
	CodeTimestampInvalid = "TIMESTAMP_INVALID"
)

// 404 codes.
const (
	CodeRunNotFound            = "RUN_NOT_FOUND"
	CodeArtifactNotFound       = "ARTIFACT_NOT_FOUND"
	CodeDecisionRecordsMissing = "decision_records_missing"
	CodeMetricsMissing         = "metrics_missing"
	CodeTradesMissing          = "trades_missing"
	CodeTimelineMissing        = "timeline_missing"
	CodeOHLCVMissing           = "ohlcv_missing"
	CodeArtifactsRootMissing   = "artifacts_root_missing"
)

// 409 codes.
const (
	CodeRunExists        = "RUN_EXISTS"
	CodeRunCorrupted     = "RUN_CORRUPTED"
	CodeExperimentExists = "EXPERIMENT_EXISTS"
)

// 422 codes.
const (
	CodeDecisionRecordsInvalid = "decision_records_invalid"
	CodeMetricsInvalid         = "metrics_invalid"
	CodeTradesInvalid          = "trades_invalid"
	CodeOHLCVInvalid           = "ohlcv_invalid"
	CodeTimelineInvalid        = "timeline_invalid"
	CodeValidationError        = "validation_error"
)

// 500 codes.
const (
	CodeRegistryWriteFailed = "REGISTRY_WRITE_FAILED"
	CodeRunWriteFailed      = "RUN_WRITE_FAILED"
	CodeInternal            = "INTERNAL"
)

// 503 codes.
const (
	CodeRunsRootUnset         = "RUNS_ROOT_UNSET"
	CodeRunsRootMissing       = "RUNS_ROOT_MISSING"
	CodeRunsRootInvalid       = "RUNS_ROOT_INVALID"
	CodeRunsRootNotWritable   = "RUNS_ROOT_NOT_WRITABLE"
	CodeKillSwitchEnabled     = "KILL_SWITCH_ENABLED"
	CodeRegistryLockTimeout   = "REGISTRY_LOCK_TIMEOUT"
	CodeExperimentLockTimeout = "EXPERIMENT_LOCK_TIMEOUT"
)
