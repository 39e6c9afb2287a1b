package runbuilder

import (
	"fmt"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/canon"
	"github.com/buffquant/buffrun/internal/engine"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// RequestSchemaVersion is the accepted run request schema.
const RequestSchemaVersion = "1.0.0"

// DataSource describes where the bars come from.
type DataSource struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	StartTs   string `json:"start_ts,omitempty"`
	EndTs     string `json:"end_ts,omitempty"`
}

// StrategySpec selects a built-in strategy.
type StrategySpec struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params,omitempty"`
}

// RiskSpec carries the risk level.
type RiskSpec struct {
	Level int `json:"level"`
}

// CostsSpec carries the cost model in basis points.
type CostsSpec struct {
	CommissionBps float64 `json:"commission_bps"`
	SlippageBps   float64 `json:"slippage_bps"`
}

// Request is a run request as received on the wire.
type Request struct {
	SchemaVersion string       `json:"schema_version"`
	RunID         string       `json:"run_id,omitempty"`
	DataSource    DataSource   `json:"data_source"`
	Strategy      StrategySpec `json:"strategy"`
	Risk          RiskSpec     `json:"risk"`
	Costs         CostsSpec    `json:"costs"`
	Seed          int64        `json:"seed"`
}

// Normalized is a fully validated request plus its derived identity.
type Normalized struct {
	Request    Request
	Strategy   engine.Strategy
	StartTime  time.Time
	EndTime    time.Time
	InputsHash string
	RunID      string // derived when the request omitted it
}

// Normalize validates every request field, canonicalizes timestamps, and
// computes the inputs hash and default run id.
func Normalize(req Request) (*Normalized, error) {
	if req.SchemaVersion == "" {
		req.SchemaVersion = RequestSchemaVersion
	}
	if req.SchemaVersion != RequestSchemaVersion {
		return nil, apperr.Newf(apperr.CodeRunConfigInvalid, 400, "unsupported schema_version %q", req.SchemaVersion)
	}

	if req.DataSource.Type == "" {
		req.DataSource.Type = "csv"
	}
	if req.DataSource.Type != "csv" {
		return nil, apperr.Newf(apperr.CodeRunConfigInvalid, 400, "unsupported data_source.type %q", req.DataSource.Type)
	}
	if req.DataSource.Symbol == "" {
		return nil, apperr.New(apperr.CodeRunConfigInvalid, 400, "data_source.symbol is required")
	}
	if req.DataSource.Timeframe == "" {
		req.DataSource.Timeframe = "1m"
	}
	if _, err := ohlcvTimeframe(req.DataSource.Timeframe); err != nil {
		return nil, err
	}
	// Path syntax is validated here; existence is checked at load time.
	if err := ids.ValidateDataPath(req.DataSource.Path); err != nil {
		return nil, err
	}

	var startTime, endTime time.Time
	var err error
	if req.DataSource.StartTs != "" {
		startTime, err = timeutil.Parse(req.DataSource.StartTs)
		if err != nil {
			return nil, apperr.New(apperr.CodeRunConfigInvalid, 400, "data_source.start_ts is not a valid timestamp")
		}
		req.DataSource.StartTs = timeutil.Format(startTime)
	}
	if req.DataSource.EndTs != "" {
		endTime, err = timeutil.Parse(req.DataSource.EndTs)
		if err != nil {
			return nil, apperr.New(apperr.CodeRunConfigInvalid, 400, "data_source.end_ts is not a valid timestamp")
		}
		req.DataSource.EndTs = timeutil.Format(endTime)
	}
	if err := timeutil.ValidateRange(startTime, endTime); err != nil {
		return nil, apperr.New(apperr.CodeRunConfigInvalid, 400, "data_source.start_ts must be before end_ts")
	}

	strategy, err := engine.NewStrategy(req.Strategy.ID, req.Strategy.Params)
	if err != nil {
		return nil, err
	}

	if req.Risk.Level < 1 || req.Risk.Level > 5 {
		return nil, apperr.Newf(apperr.CodeRiskInvalid, 400, "risk.level must be in [1, 5], got %d", req.Risk.Level)
	}
	if req.Costs.CommissionBps < 0 || req.Costs.SlippageBps < 0 {
		return nil, apperr.New(apperr.CodeRunConfigInvalid, 400, "costs must be non-negative")
	}

	hash, err := InputsHash(req)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("run_%s", hash[:12])
	}
	if err := ids.ValidateRunID(runID); err != nil {
		return nil, err
	}

	return &Normalized{
		Request:    req,
		Strategy:   strategy,
		StartTime:  startTime,
		EndTime:    endTime,
		InputsHash: hash,
		RunID:      runID,
	}, nil
}

// InputsHash is the SHA-256 of the canonical-JSON bytes of the normalized
// request, with nulls stripped and run_id excluded (the default run id is
// derived from this hash).
func InputsHash(req Request) (string, error) {
	b, err := canon.Marshal(InputsMap(req))
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(b), nil
}

// InputsMap renders the hash basis of a normalized request.
func InputsMap(req Request) map[string]any {
	ds := map[string]any{
		"type":      req.DataSource.Type,
		"path":      req.DataSource.Path,
		"symbol":    req.DataSource.Symbol,
		"timeframe": req.DataSource.Timeframe,
	}
	if req.DataSource.StartTs != "" {
		ds["start_ts"] = req.DataSource.StartTs
	}
	if req.DataSource.EndTs != "" {
		ds["end_ts"] = req.DataSource.EndTs
	}
	strategy := map[string]any{"id": req.Strategy.ID}
	if len(req.Strategy.Params) > 0 {
		strategy["params"] = canon.StripNulls(req.Strategy.Params)
	}
	return map[string]any{
		"schema_version": req.SchemaVersion,
		"data_source":    ds,
		"strategy":       strategy,
		"risk":           map[string]any{"level": req.Risk.Level},
		"costs": map[string]any{
			"commission_bps": req.Costs.CommissionBps,
			"slippage_bps":   req.Costs.SlippageBps,
		},
		"seed": req.Seed,
	}
}

func ohlcvTimeframe(tf string) (string, error) {
	switch tf {
	case "1m", "5m":
		return tf, nil
	default:
		return "", apperr.Newf(apperr.CodeRunConfigInvalid, 400, "timeframe must be 1m or 5m, got %q", tf)
	}
}
