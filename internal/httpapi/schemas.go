package httpapi

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/buffquant/buffrun/internal/apperr"
)

const runRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["data_source", "strategy", "risk"],
  "properties": {
    "schema_version": {"type": "string"},
    "run_id": {"type": "string"},
    "data_source": {
      "type": "object",
      "required": ["path", "symbol"],
      "properties": {
        "type": {"type": "string"},
        "path": {"type": "string"},
        "symbol": {"type": "string"},
        "timeframe": {"type": "string"},
        "start_ts": {"type": "string"},
        "end_ts": {"type": "string"}
      }
    },
    "strategy": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string"},
        "params": {"type": "object"}
      }
    },
    "risk": {
      "type": "object",
      "required": ["level"],
      "properties": {"level": {"type": "integer"}}
    },
    "costs": {
      "type": "object",
      "properties": {
        "commission_bps": {"type": "number"},
        "slippage_bps": {"type": "number"}
      }
    },
    "seed": {"type": "integer"}
  }
}`

const experimentRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["candidates"],
  "properties": {
    "schema_version": {"type": "string"},
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["run_config"],
        "properties": {
          "candidate_id": {"type": "string"},
          "run_config": {"type": "object"}
        }
      }
    }
  }
}`

var (
	runSchema        = jsonschema.MustCompileString("run_request.json", runRequestSchema)
	experimentSchema = jsonschema.MustCompileString("experiment_request.json", experimentRequestSchema)
)

// decodeValidated reads a JSON body, checks it against schema, and decodes
// it into out. Schema failures surface as 422 validation_error.
func decodeValidated(body io.Reader, schema *jsonschema.Schema, out any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidationError, 422, "cannot read request body", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return apperr.Wrap(apperr.CodeValidationError, 422, "request body is not valid JSON", err)
	}
	if err := schema.Validate(tree); err != nil {
		return apperr.Wrap(apperr.CodeValidationError, 422, "request body failed schema validation", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeValidationError, 422, "request body has invalid field types", err)
	}
	return nil
}
