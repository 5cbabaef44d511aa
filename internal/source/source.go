// Package source reads the externally-owned usage state file.
//
// The file is owned and rewritten by another process. One call to Read yields
// one frozen view of every project record; callers never merge partial reads.
// A missing file is an empty result, not an error. Unparseable or
// schema-invalid content is reported as ErrMalformed so the caller can count
// it toward its failure ceiling.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks state-file content that could not be parsed or that
// failed schema validation.
var ErrMalformed = errors.New("malformed state file")

// stateSchema constrains the shape of the state file without constraining the
// per-record keys: records must be objects, counters must be numbers, and the
// session id must be a string when present. Unknown keys pass through.
const stateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "$defs": {
    "record": {
      "type": "object",
      "properties": {
        "lastSessionId": {"type": "string"},
        "lastTotalInputTokens": {"type": "number", "minimum": 0},
        "lastTotalOutputTokens": {"type": "number", "minimum": 0},
        "lastTotalCacheCreationInputTokens": {"type": "number", "minimum": 0},
        "lastTotalCacheReadInputTokens": {"type": "number", "minimum": 0},
        "lastCost": {"type": "number", "minimum": 0},
        "lastLinesAdded": {"type": "number", "minimum": 0},
        "lastLinesRemoved": {"type": "number", "minimum": 0},
        "lastTotalWebSearchRequests": {"type": "number", "minimum": 0},
        "lastActivityAt": {"type": "string"}
      }
    }
  },
  "properties": {
    "projects": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/record"}
    }
  }
}`

// Reader reads one frozen view of the state file per call.
type Reader struct {
	path     string
	validate bool
	schema   *jsonschema.Schema
}

// NewReader creates a Reader for the state file at path. When validate is
// true, every read is checked against the embedded schema before records are
// handed to the caller.
func NewReader(path string, validate bool) (*Reader, error) {
	r := &Reader{path: path, validate: validate}

	if validate {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("state.schema.json", bytes.NewReader([]byte(stateSchema))); err != nil {
			return nil, fmt.Errorf("add schema resource: %w", err)
		}
		schema, err := compiler.Compile("state.schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile state schema: %w", err)
		}
		r.schema = schema
	}

	return r, nil
}

// Path returns the state file path being read.
func (r *Reader) Path() string {
	return r.path
}

// Read returns the project records from a single read of the state file,
// keyed by project path. A missing file yields an empty map and no error.
func (r *Reader) Read() (map[string]map[string]any, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if r.schema != nil {
		if err := r.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	top, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformed)
	}

	// The writer nests records under "projects"; older layouts used a bare
	// path-to-record map at the top level.
	records := top
	if nested, ok := top["projects"].(map[string]any); ok {
		records = nested
	}

	projects := make(map[string]map[string]any, len(records))
	for path, raw := range records {
		record, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: project %q is not an object", ErrMalformed, path)
		}
		projects[path] = record
	}

	return projects, nil
}
