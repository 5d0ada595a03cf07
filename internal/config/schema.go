package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema constrains the shape of a configuration document:
// field types, enum values, URL scheme. Semantic rules that a schema
// cannot express live in Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "backup": {
      "type": "object",
      "properties": {
        "roots": {"type": "array", "items": {"type": "string"}},
        "data_dir": {"type": "string"},
        "debounce_ms": {"type": "integer", "minimum": 0}
      }
    },
    "connection": {
      "type": "object",
      "properties": {
        "source_id": {"type": "string"},
        "token": {"type": "string"}
      }
    },
    "broker": {
      "type": "object",
      "properties": {
        "url": {"type": "string", "pattern": "^$|^wss?://"}
      }
    },
    "keys": {
      "type": "object",
      "properties": {
        "signing_key": {"type": "string"},
        "recipient": {"type": "string"},
        "recipient_file": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["", "debug", "info", "warn", "error"]},
        "format": {"enum": ["", "text", "json"]}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		panic("config: add schema resource: " + err.Error())
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		panic("config: compile schema: " + err.Error())
	}
	return schema
}

// validateSchema runs the configuration through the embedded JSON
// schema.
func validateSchema(c *Config) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}
