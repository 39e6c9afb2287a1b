// Package timeutil parses the timestamp shapes accepted on the wire and
// formats the single canonical form used in artifacts: UTC with millisecond
// precision and a Z suffix.
package timeutil

import (
	"strconv"
	"strings"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
)

// CanonicalLayout is the artifact timestamp form: YYYY-MM-DDTHH:MM:SS.sssZ.
const CanonicalLayout = "2006-01-02T15:04:05.000Z"

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse accepts ISO-8601 strings (with or without Z), RFC-3339 offsets,
// integer milliseconds, or numeric strings of milliseconds, and returns the
// instant in UTC.
func Parse(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case int:
		return FromMillis(int64(val)), nil
	case int64:
		return FromMillis(val), nil
	case float64:
		return FromMillis(int64(val)), nil
	case string:
		return parseString(val)
	default:
		return time.Time{}, apperr.Newf(apperr.CodeInvalidTimestamp, 400, "unsupported timestamp type %T", v)
	}
}

func parseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperr.New(apperr.CodeInvalidTimestamp, 400, "empty timestamp")
	}
	if isDigits(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.CodeInvalidTimestamp, 400, "unparseable millisecond timestamp", err)
		}
		return FromMillis(ms), nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Newf(apperr.CodeInvalidTimestamp, 400, "unparseable timestamp %q", s)
}

func isDigits(s string) bool {
	body := strings.TrimPrefix(s, "-")
	if body == "" {
		return false
	}
	for _, r := range body {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FromMillis converts unix milliseconds to a UTC instant.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Format renders t in the canonical UTC-Z millisecond form. Sub-millisecond
// precision is truncated.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(CanonicalLayout)
}

// Normalize parses v and re-renders it canonically.
func Normalize(v any) (string, error) {
	t, err := Parse(v)
	if err != nil {
		return "", err
	}
	return Format(t), nil
}

// ValidateRange checks start < end. Either bound may be zero (open).
func ValidateRange(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return apperr.New(apperr.CodeInvalidTimeRange, 400, "start_ts must be strictly before end_ts")
	}
	return nil
}
