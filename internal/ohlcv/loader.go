// Package ohlcv loads and validates 1-minute OHLCV bar series from CSV and
// resamples them to coarser timeframes. The validator is strict: the engine
// only ever sees a gap-free, minute-aligned, strictly increasing series.
package ohlcv

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// Bar is one canonical OHLCV bar. Ts is always UTC.
type Bar struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Meta describes the validated series.
type Meta struct {
	SourcePath string
	DataStart  time.Time
	DataEnd    time.Time
}

// Load reads, canonicalizes, and validates a 1-minute series from path,
// then applies the optional [start, end] window. An empty result fails.
func Load(path string, start, end time.Time) ([]Bar, Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, apperr.Newf(apperr.CodeDataSourceNotFound, 400, "data source %q not found", path)
		}
		return nil, Meta{}, apperr.Wrap(apperr.CodeDataInvalid, 400, "cannot open data source", err)
	}
	defer f.Close()

	bars, err := Parse(f)
	if err != nil {
		return nil, Meta{}, err
	}
	if err := ValidateMinuteSeries(bars); err != nil {
		return nil, Meta{}, err
	}

	windowed := Window(bars, start, end)
	if len(windowed) == 0 {
		return nil, Meta{}, apperr.New(apperr.CodeDataInvalid, 400, "no bars in the requested window")
	}
	meta := Meta{
		SourcePath: path,
		DataStart:  windowed[0].Ts,
		DataEnd:    windowed[len(windowed)-1].Ts,
	}
	return windowed, meta, nil
}

// Parse reads CSV rows and canonicalizes the columns to
// [ts, open, high, low, close, volume].
func Parse(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "cannot read CSV header", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var bars []Bar
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, fmt.Sprintf("malformed CSV row %d", row), err)
		}
		bar, err := parseRow(record, cols, row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, apperr.New(apperr.CodeDataInvalid, 400, "CSV contains no data rows")
	}
	return bars, nil
}

type columnIndex struct {
	ts, open, high, low, c, volume int
}

func mapColumns(header []string) (columnIndex, error) {
	idx := columnIndex{ts: -1, open: -1, high: -1, low: -1, c: -1, volume: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp", "ts":
			idx.ts = i
		case "open":
			idx.open = i
		case "high":
			idx.high = i
		case "low":
			idx.low = i
		case "close":
			idx.c = i
		case "volume":
			idx.volume = i
		}
	}
	missing := []string{}
	for name, col := range map[string]int{
		"timestamp": idx.ts, "open": idx.open, "high": idx.high,
		"low": idx.low, "close": idx.c, "volume": idx.volume,
	} {
		if col < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return idx, apperr.New(apperr.CodeDataInvalid, 400, "CSV is missing required columns").
			WithDetail("missing_columns", missing)
	}
	return idx, nil
}

func parseRow(record []string, cols columnIndex, row int) (Bar, error) {
	need := cols.ts
	for _, c := range []int{cols.open, cols.high, cols.low, cols.c, cols.volume} {
		if c > need {
			need = c
		}
	}
	if len(record) <= need {
		return Bar{}, apperr.Newf(apperr.CodeDataInvalid, 400, "CSV row %d has too few fields", row)
	}

	ts, err := timeutil.Parse(record[cols.ts])
	if err != nil {
		return Bar{}, apperr.Newf(apperr.CodeDataInvalid, 400, "CSV row %d has an unparseable timestamp", row)
	}

	fields := map[string]int{
		"open": cols.open, "high": cols.high, "low": cols.low,
		"close": cols.c, "volume": cols.volume,
	}
	values := map[string]float64{}
	for name, col := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Bar{}, apperr.Newf(apperr.CodeDataInvalid, 400, "CSV row %d has an unparseable %s value", row, name)
		}
		values[name] = v
	}
	if values["volume"] < 0 {
		return Bar{}, apperr.Newf(apperr.CodeDataInvalid, 400, "CSV row %d has negative volume", row)
	}

	return Bar{
		Ts:     ts,
		Open:   values["open"],
		High:   values["high"],
		Low:    values["low"],
		Close:  values["close"],
		Volume: values["volume"],
	}, nil
}

// ValidateMinuteSeries enforces the 1-minute invariants: minute-aligned
// timestamps, strictly increasing, consecutive diffs of exactly 60 seconds.
func ValidateMinuteSeries(bars []Bar) error {
	for i, bar := range bars {
		if bar.Ts.Second() != 0 || bar.Ts.Nanosecond() != 0 {
			return apperr.Newf(apperr.CodeDataInvalid, 400, "bar %d is not minute-aligned", i)
		}
		if i == 0 {
			continue
		}
		diff := bar.Ts.Sub(bars[i-1].Ts)
		switch {
		case diff <= 0:
			return apperr.Newf(apperr.CodeDataInvalid, 400, "bar %d is not strictly after its predecessor", i)
		case diff != time.Minute:
			return apperr.Newf(apperr.CodeDataInvalid, 400, "gap of %s before bar %d; expected exactly 60s", diff, i)
		}
	}
	return nil
}

// Window keeps the bars inside the optional [start, end] bounds.
func Window(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Ts.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Ts.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}
