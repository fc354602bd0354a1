package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema is the structural half of payload validation; Validate
// carries the cross-field rules (exactly-one work source) the schema cannot.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contract_version", "request_id", "provider", "timeout_seconds", "capture_limit_bytes"],
  "properties": {
    "contract_version": {"const": "v1"},
    "request_id": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "minLength": 1},
    "command": {"type": "array", "items": {"type": "string"}},
    "shell_command": {"type": "string"},
    "node_execution": {
      "type": "object",
      "required": ["entrypoint"],
      "properties": {
        "entrypoint": {"type": "string", "minLength": 1},
        "request": {"type": "object"},
        "request_context": {"type": "object"}
      }
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"},
      "propertyNames": {"minLength": 1}
    },
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 86400},
    "capture_limit_bytes": {"type": "integer", "minimum": 1024, "maximum": 10000000},
    "emit_start_markers": {"type": "boolean"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("execution_payload.json", strings.NewReader(payloadSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("execution_payload.json")
	})
	return compiledSchema, schemaErr
}

// DecodePayload parses and fully validates raw payload JSON: schema first,
// then the cross-field contract rules.
func DecodePayload(raw []byte) (*ExecutionPayload, error) {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return nil, fmt.Errorf("payload schema: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("payload schema validation: %w", err)
	}
	var p ExecutionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
