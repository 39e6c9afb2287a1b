package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/buffquant/buffrun/internal/apperr"
)

// Export formats.
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
	FormatCSV    = "csv"
)

// ValidateFormat checks an export format string.
func ValidateFormat(format string) error {
	switch format {
	case FormatJSON, FormatNDJSON, FormatCSV:
		return nil
	default:
		return apperr.Newf(apperr.CodeInvalidExportFormat, 400, "format must be json, ndjson, or csv, got %q", format)
	}
}

// ContentType returns the MIME type for an export format.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// ExportFilename builds the attachment filename for a run export.
func ExportFilename(runID, what, format string) string {
	return fmt.Sprintf("%s-%s.%s", runID, what, format)
}

// WriteExport streams rows in the requested format.
func WriteExport(w io.Writer, format string, rows []map[string]any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		return enc.Encode(rows)
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	case FormatCSV:
		return writeCSV(w, rows)
	default:
		return ValidateFormat(format)
	}
}

func writeCSV(w io.Writer, rows []map[string]any) error {
	header := csvHeader(rows)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, key := range header {
			record[i] = sanitizeCell(cellString(row[key]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvHeader is the union of row keys in a stable order: sorted within each
// row, unioned by first appearance.
func csvHeader(rows []map[string]any) []string {
	seen := map[string]bool{}
	header := []string{}
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !seen[key] {
				seen[key] = true
				header = append(header, key)
			}
		}
	}
	return header
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.Trim(string(raw), `"`)
	}
}

// sanitizeCell neutralizes spreadsheet formula injection by prefixing
// dangerous leading characters with a single quote.
func sanitizeCell(cell string) string {
	if cell == "" {
		return cell
	}
	switch cell[0] {
	case '=', '+', '-', '@':
		return "'" + cell
	}
	return cell
}
