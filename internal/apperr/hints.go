package apperr

// recoveryHints maps every terminal code to a short human-actionable hint.
// The table is part of the external contract; extend it whenever a code is
// added.
var recoveryHints = map[string]string{
	CodeRunConfigInvalid:        "Fix the run request fields listed in details and resubmit.",
	CodeRunIDInvalid:            "Use a run_id of 3-64 chars matching ^[a-z0-9][a-z0-9_-]{2,63}$.",
	CodeStrategyInvalid:         "Choose one of the supported strategies: hold, ma_cross, demo_threshold.",
	CodeRiskInvalid:             "Set risk.level to an integer between 1 and 5.",
	CodeDataInvalid:             "Repair the input CSV so it holds strictly increasing, gap-free 1-minute bars.",
	CodeDataSourceNotFound:      "Point data_source.path at an existing repo-relative CSV file.",
	CodeUserMissing:             "Send the X-Buff-User header or configure BUFF_DEFAULT_USER.",
	CodeUserInvalid:             "Use a user id of 1-64 chars from [A-Za-z0-9._-] without path segments.",
	CodeExperimentConfigInvalid: "Fix the experiment request fields listed in details and resubmit.",
	CodeExperimentCandidates:    "Reduce the number of candidates to the configured maximum.",
	CodeInvalidTimestamp:        "Pass timestamps as ISO-8601 strings or unix milliseconds.",
	CodeInvalidTimeRange:        "Ensure the start timestamp is strictly before the end timestamp.",
	CodeTooManyFilterValues:     "Reduce the number of values passed to the filter parameter.",
	CodeInvalidExportFormat:     "Use one of the supported export formats: json, ndjson, csv.",

	CodeAuthMissing:      "Send the X-Buff-Auth signature header.",
	CodeAuthInvalid:      "Re-sign the request with the configured HMAC secret.",
	CodeTimestampMissing: "Send the X-Buff-Timestamp header as unix seconds.",
	CodeTimestampInvalid: "Sync the client clock; signatures expire after 300 seconds.",

	CodeRunNotFound:            "Check the run id; the run may belong to another user.",
	CodeArtifactNotFound:       "List the run's artifacts to see which files are present.",
	CodeDecisionRecordsMissing: "Re-create the run; its decision_records.jsonl artifact is gone.",
	CodeMetricsMissing:         "Re-create the run; its metrics.json artifact is gone.",
	CodeTradesMissing:          "Re-create the run; its trades artifact is gone.",
	CodeTimelineMissing:        "Re-create the run; its timeline.json artifact is gone.",
	CodeOHLCVMissing:           "Re-create the run; its OHLCV artifact is gone.",
	CodeArtifactsRootMissing:   "Set RUNS_ROOT to a writable local path and restart the API.",

	CodeRunExists:        "The run_id is taken by a run with different inputs; pick another id.",
	CodeRunCorrupted:     "Delete the run directory and re-create the run.",
	CodeExperimentExists: "An experiment with this id but a different digest exists; change the request.",

	CodeDecisionRecordsInvalid: "Re-create the run; decision_records.jsonl contains malformed lines.",
	CodeMetricsInvalid:         "Re-create the run; metrics.json is not valid JSON.",
	CodeTradesInvalid:          "Re-create the run; the trades artifact is not parseable.",
	CodeOHLCVInvalid:           "Re-create the run; the OHLCV artifact is not parseable.",
	CodeTimelineInvalid:        "Re-create the run; timeline.json is not parseable.",
	CodeValidationError:        "Fix the schema violations listed in details and resubmit.",

	CodeRegistryWriteFailed: "Check disk space and permissions on the user's index.json.",
	CodeRunWriteFailed:      "Check disk space and permissions under RUNS_ROOT.",
	CodeInternal:            "Retry; if the error persists, inspect server logs with the correlation id.",

	CodeRunsRootUnset:         "Set RUNS_ROOT to a writable local path and restart the API.",
	CodeRunsRootMissing:       "Create the RUNS_ROOT directory or point RUNS_ROOT at an existing one.",
	CodeRunsRootInvalid:       "Set RUNS_ROOT to an absolute directory path.",
	CodeRunsRootNotWritable:   "Grant write permission on RUNS_ROOT to the service user.",
	CodeKillSwitchEnabled:     "Unset the KILL_SWITCH environment variable to re-enable run creation.",
	CodeRegistryLockTimeout:   "Retry; another writer holds the registry lock.",
	CodeExperimentLockTimeout: "Retry; another writer holds the experiment lock.",
}

// RecoveryHint returns the human-actionable hint for a code, or a generic
// fallback for unknown codes.
func RecoveryHint(code string) string {
	if hint, ok := recoveryHints[code]; ok {
		return hint
	}
	return "Retry the request; consult server logs if the error persists."
}
