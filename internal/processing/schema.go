package processing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 処理サービスの応答スキーマ。応答を構造体にデコードする前に検証します。
const (
	healthSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string"},
    "gemini_configured": {"type": "boolean"}
  }
}`

	recognizeSchema = `{
  "type": "object",
  "required": ["musicxml", "analysis"],
  "properties": {
    "success": {"type": "boolean"},
    "musicxml": {"type": "string", "minLength": 1},
    "analysis": {
      "type": "object",
      "required": ["parts"],
      "properties": {
        "total_parts": {"type": "integer", "minimum": 0},
        "parts": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["index", "name"],
            "properties": {
              "index": {"type": "integer", "minimum": 0},
              "name": {"type": "string"},
              "clef": {"type": "string"},
              "pitch_range": {
                "oneOf": [
                  {"type": "null"},
                  {"type": "array", "items": {"type": "integer"}, "minItems": 2, "maxItems": 2}
                ]
              },
              "detected_voice": {"type": "string"},
              "note_count": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

	generateSchema = `{
  "type": "object",
  "required": ["midi_files"],
  "properties": {
    "success": {"type": "boolean"},
    "midi_files": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  }
}`
)

type schemas struct {
	health    *jsonschema.Schema
	recognize *jsonschema.Schema
	generate  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"health.json":    healthSchema,
		"recognize.json": recognizeSchema,
		"generate.json":  generateSchema,
	}
	for name, src := range resources {
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	var out schemas
	var err error
	if out.health, err = compiler.Compile("health.json"); err != nil {
		return nil, fmt.Errorf("compile health schema: %w", err)
	}
	if out.recognize, err = compiler.Compile("recognize.json"); err != nil {
		return nil, fmt.Errorf("compile recognize schema: %w", err)
	}
	if out.generate, err = compiler.Compile("generate.json"); err != nil {
		return nil, fmt.Errorf("compile generate schema: %w", err)
	}
	return &out, nil
}

// decodeValidated は raw をスキーマで検証してから out にデコードします。
func decodeValidated(op string, schema *jsonschema.Schema, raw []byte, out any) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &Error{Kind: KindInvalidResponse, Op: op, Detail: "response is not JSON", Err: err}
	}
	if err := schema.Validate(v); err != nil {
		return &Error{Kind: KindInvalidResponse, Op: op, Detail: "response does not match schema", Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindInvalidResponse, Op: op, Detail: "failed to decode response", Err: err}
	}
	return nil
}
