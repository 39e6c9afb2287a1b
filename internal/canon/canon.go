// Package canon emits the canonical byte layout shared by every artifact:
// RFC 8785 canonical JSON (sorted keys, minimal separators) with all floating
// values quantized to 8 fractional digits, HALF_UP. Byte output is identical
// across hosts and repeat invocations for identical input values.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/buffquant/buffrun/internal/apperr"
)

// FractionalDigits is the quantization width of the numeric policy.
const FractionalDigits = 8

// Marshal serializes v as canonical JSON. Structs and maps are accepted; all
// floats round through the quantization policy, NaN and Inf fail with
// DATA_INVALID.
func Marshal(v any) ([]byte, error) {
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	quantized, err := Quantize(tree)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(quantized)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "value is not serializable", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "canonicalization failed", err)
	}
	return canonical, nil
}

// MarshalLine serializes v as one canonical JSONL line, newline-terminated.
func MarshalLine(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// MarshalLines serializes each row as a canonical JSONL line. Zero rows yield
// an empty byte slice.
func MarshalLines(rows []any) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		line, err := MarshalLine(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Quantize walks a decoded JSON tree and rounds every fractional number to
// FractionalDigits, HALF_UP. Integers, booleans, and strings pass through
// untouched. Non-finite floats fail with DATA_INVALID.
func Quantize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case int:
		return val, nil
	case int64:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, apperr.New(apperr.CodeDataInvalid, 400, "non-finite float in payload")
		}
		return json.Number(decimal.NewFromFloat(val).Round(FractionalDigits).String()), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			return val, nil // integer literal, preserved exactly
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "unparseable number in payload", err)
		}
		return json.Number(d.Round(FractionalDigits).String()), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			q, err := Quantize(item)
			if err != nil {
				return nil, err
			}
			out[k] = q
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			q, err := Quantize(item)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	default:
		return nil, apperr.Newf(apperr.CodeDataInvalid, 400, "unsupported value type %T", v)
	}
}

// StripNulls removes nil values from maps, recursively. Slices keep their
// length; only object members are dropped.
func StripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = StripNulls(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = StripNulls(item)
		}
		return out
	default:
		return v
	}
}

// ToTree round-trips v through JSON into a generic tree with exact number
// literals preserved.
func ToTree(v any) (any, error) { return toTree(v) }

func toTree(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, json.Number, nil, bool, string, float64, int, int64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "value is not serializable", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, apperr.Wrap(apperr.CodeDataInvalid, 400, "value is not serializable", err)
	}
	return tree, nil
}
