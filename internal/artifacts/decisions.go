package artifacts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// MaxFilterValues bounds each multi-value query filter.
const MaxFilterValues = 10

// Pagination bounds.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 1 << 20

// Filter narrows decision rows. Empty slices and zero times match
// everything.
type Filter struct {
	Symbols     []string
	Actions     []string
	Severities  []string
	ReasonCodes []string
	Start       time.Time
	End         time.Time
}

// Validate bounds the filter lists.
func (f Filter) Validate() error {
	for _, list := range [][]string{f.Symbols, f.Actions, f.Severities, f.ReasonCodes} {
		if len(list) > MaxFilterValues {
			return apperr.Newf(apperr.CodeTooManyFilterValues, 400, "at most %d values per filter", MaxFilterValues)
		}
	}
	return nil
}

// Match reports whether row passes every configured predicate. A row
// lacking a filtered field does not match.
func (f Filter) Match(row map[string]any) bool {
	if !matchField(row, "symbol", f.Symbols) ||
		!matchField(row, "action", f.Actions) ||
		!matchField(row, "severity", f.Severities) ||
		!matchField(row, "reason_code", f.ReasonCodes) {
		return false
	}
	if f.Start.IsZero() && f.End.IsZero() {
		return true
	}
	ts, ok := rowTime(row, "ts_utc")
	if !ok {
		return false
	}
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ts.After(f.End) {
		return false
	}
	return true
}

func matchField(row map[string]any, field string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	value, _ := row[field].(string)
	for _, w := range wanted {
		if strings.EqualFold(value, w) {
			return true
		}
	}
	return false
}

func rowTime(row map[string]any, field string) (time.Time, bool) {
	raw, ok := row[field]
	if !ok {
		return time.Time{}, false
	}
	ts, err := timeutil.Parse(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Page selects one window of a row slice.
type Page struct {
	Number int
	Size   int
}

// Validate enforces the pagination bounds.
func (p Page) Validate() error {
	if p.Number < 1 {
		return apperr.New(apperr.CodeValidationError, 422, "page must be >= 1")
	}
	if p.Size < 1 || p.Size > MaxPageSize {
		return apperr.Newf(apperr.CodeValidationError, 422, "page_size must be in [1, %d]", MaxPageSize)
	}
	return nil
}

// Slice applies the page window; out-of-range pages yield an empty slice.
func (p Page) Slice(rows []map[string]any) []map[string]any {
	start := (p.Number - 1) * p.Size
	if start >= len(rows) {
		return []map[string]any{}
	}
	end := start + p.Size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// LoadDecisions streams decision_records.jsonl, skipping blank lines and
// counting malformed ones. Timestamps are normalized to canonical UTC-Z.
func LoadDecisions(runDir string) ([]map[string]any, int, error) {
	return loadJSONLRows(filepath.Join(runDir, "decision_records.jsonl"),
		apperr.CodeDecisionRecordsMissing, "decision_records.jsonl")
}

// RequireWellFormed turns a nonzero malformed-line count into the 422 that
// poisons summary and decision reads.
func RequireWellFormed(malformed int) error {
	if malformed == 0 {
		return nil
	}
	return apperr.New(apperr.CodeDecisionRecordsInvalid, 422, "decision records contain malformed lines").
		WithDetail("malformed_lines_count", malformed)
}

// ErrorRecords projects the decision rows that represent degraded events:
// anything carrying a non-INFO severity or an error payload.
func ErrorRecords(rows []map[string]any) []map[string]any {
	out := []map[string]any{}
	for _, row := range rows {
		severity, _ := row["severity"].(string)
		_, hasError := row["error"]
		if hasError || (severity != "" && !strings.EqualFold(severity, "INFO")) {
			out = append(out, row)
		}
	}
	return out
}

func loadJSONLRows(path, missingCode, label string) ([]map[string]any, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, apperr.Newf(missingCode, 404, "%s is missing", label)
	}
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, 500, "cannot open "+label, err)
	}
	defer f.Close()

	rows := []map[string]any{}
	malformed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			malformed++
			continue
		}
		normalizeRowTimes(row)
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeInternal, 500, "cannot read "+label, err)
	}
	return rows, malformed, nil
}

// normalizeRowTimes rewrites known timestamp fields to canonical UTC-Z.
func normalizeRowTimes(row map[string]any) {
	for _, field := range []string{"ts_utc", "ts", "t", "entry_time", "exit_time"} {
		raw, ok := row[field]
		if !ok {
			continue
		}
		if ts, err := timeutil.Parse(raw); err == nil {
			row[field] = timeutil.Format(ts)
		}
	}
}
