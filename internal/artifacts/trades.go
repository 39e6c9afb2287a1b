package artifacts

import (
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// TradesTimeField is the timestamp field trades are windowed on.
const TradesTimeField = "entry_time"

// tradeRow mirrors the legacy Parquet trade schema.
type tradeRow struct {
	EntryTime  string  `parquet:"entry_time"`
	EntryPrice float64 `parquet:"entry_price"`
	ExitTime   string  `parquet:"exit_time"`
	ExitPrice  float64 `parquet:"exit_price"`
	Qty        float64 `parquet:"qty"`
	PnL        float64 `parquet:"pnl"`
	Fees       float64 `parquet:"fees"`
	Side       string  `parquet:"side"`
}

// LoadTrades returns the trade rows of a run, preferring the JSONL artifact
// and falling back to a legacy Parquet file. The second return value names
// the timestamp field used for windowing.
func LoadTrades(runDir string) ([]map[string]any, string, error) {
	jsonlPath := filepath.Join(runDir, "trades.jsonl")
	if _, err := os.Stat(jsonlPath); err == nil {
		rows, malformed, err := loadJSONLRows(jsonlPath, apperr.CodeTradesMissing, "trades.jsonl")
		if err != nil {
			return nil, "", err
		}
		if malformed > 0 {
			return nil, "", apperr.New(apperr.CodeTradesInvalid, 422, "trades contain malformed lines").
				WithDetail("malformed_lines_count", malformed)
		}
		return rows, TradesTimeField, nil
	}

	parquetPath := filepath.Join(runDir, "trades.parquet")
	if _, err := os.Stat(parquetPath); err != nil {
		return nil, "", apperr.New(apperr.CodeTradesMissing, 404, "trades.jsonl is missing")
	}
	parsed, err := parquet.ReadFile[tradeRow](parquetPath)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.CodeTradesInvalid, 422, "cannot read trades parquet", err)
	}
	rows := make([]map[string]any, len(parsed))
	for i, tr := range parsed {
		rows[i] = map[string]any{
			"entry_time": tr.EntryTime, "entry_price": tr.EntryPrice,
			"exit_time": tr.ExitTime, "exit_price": tr.ExitPrice,
			"qty": tr.Qty, "pnl": tr.PnL, "fees": tr.Fees, "side": tr.Side,
		}
		normalizeRowTimes(rows[i])
	}
	return rows, TradesTimeField, nil
}

// WindowRows keeps rows whose field timestamp falls inside [start, end].
// Zero bounds are open; rows without a parseable timestamp are kept only
// when no window is requested.
func WindowRows(rows []map[string]any, field string, start, end time.Time) []map[string]any {
	if start.IsZero() && end.IsZero() {
		return rows
	}
	out := []map[string]any{}
	for _, row := range rows {
		ts, ok := rowTime(row, field)
		if !ok {
			continue
		}
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// TradeMarkers flattens trades into chart markers, one per entry and exit.
func TradeMarkers(trades []map[string]any) []map[string]any {
	markers := make([]map[string]any, 0, 2*len(trades))
	for i, trade := range trades {
		markers = append(markers,
			marker(i, "ENTRY", trade, "entry_time", "entry_price"),
			marker(i, "EXIT", trade, "exit_time", "exit_price"),
		)
	}
	return markers
}

func marker(index int, kind string, trade map[string]any, tsField, priceField string) map[string]any {
	m := map[string]any{
		"trade_index": index,
		"type":        kind,
		"side":        trade["side"],
		"price":       trade[priceField],
	}
	if ts, ok := rowTime(trade, tsField); ok {
		m["ts_utc"] = timeutil.Format(ts)
	}
	return m
}
