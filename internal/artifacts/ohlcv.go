package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/buffquant/buffrun/internal/apperr"
)

// barRow mirrors the legacy Parquet candle schema.
type barRow struct {
	Ts     string  `parquet:"ts"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

// LoadBars returns the candles of a run for timeframe, preferring JSONL and
// falling back to a legacy Parquet file. limit <= 0 means no limit.
func LoadBars(runDir, timeframe string, start, end time.Time, limit int) ([]map[string]any, error) {
	base := fmt.Sprintf("ohlcv_%s", timeframe)

	var rows []map[string]any
	jsonlPath := filepath.Join(runDir, base+".jsonl")
	if _, err := os.Stat(jsonlPath); err == nil {
		loaded, malformed, err := loadJSONLRows(jsonlPath, apperr.CodeOHLCVMissing, base+".jsonl")
		if err != nil {
			return nil, err
		}
		if malformed > 0 {
			return nil, apperr.New(apperr.CodeOHLCVInvalid, 422, "candles contain malformed lines").
				WithDetail("malformed_lines_count", malformed)
		}
		rows = loaded
	} else {
		parquetPath := filepath.Join(runDir, base+".parquet")
		if _, err := os.Stat(parquetPath); err != nil {
			return nil, apperr.Newf(apperr.CodeOHLCVMissing, 404, "%s.jsonl is missing", base)
		}
		parsed, err := parquet.ReadFile[barRow](parquetPath)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeOHLCVInvalid, 422, "cannot read candles parquet", err)
		}
		rows = make([]map[string]any, len(parsed))
		for i, bar := range parsed {
			rows[i] = map[string]any{
				"ts": bar.Ts, "open": bar.Open, "high": bar.High,
				"low": bar.Low, "close": bar.Close, "volume": bar.Volume,
			}
			normalizeRowTimes(rows[i])
		}
	}

	rows = WindowRows(rows, "ts", start, end)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
