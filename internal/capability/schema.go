package capability

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the JSON Schema for the on-disk capability document.
// Keep in sync with SPEC_FULL.md §6.1.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "name", "capabilities"],
  "properties": {
    "type": { "enum": ["channel", "tool"] },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "setup": {
      "type": "object",
      "properties": {
        "required_secrets": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": { "type": "string" },
              "prompt": { "type": "string" },
              "validation": { "type": "string" },
              "optional": { "type": "boolean" },
              "auto_generate": {
                "type": "object",
                "properties": { "length": { "type": "integer", "minimum": 1 } }
              }
            }
          }
        },
        "validation_endpoint": { "type": "string" }
      }
    },
    "capabilities": {
      "type": "object",
      "properties": {
        "http": {
          "type": "object",
          "properties": {
            "allowlist": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["host"],
                "properties": {
                  "host": { "type": "string", "minLength": 1 },
                  "path_prefix": { "type": "string" },
                  "methods": { "type": "array", "items": { "type": "string" } }
                }
              }
            },
            "credentials": {
              "type": "object",
              "additionalProperties": {
                "type": "object",
                "required": ["secret_name", "location", "host_patterns"],
                "properties": {
                  "secret_name": { "type": "string", "minLength": 1 },
                  "location": {
                    "type": "object",
                    "required": ["type"],
                    "properties": {
                      "type": { "enum": ["bearer", "header", "query_param"] },
                      "name": { "type": "string" }
                    }
                  },
                  "host_patterns": { "type": "array", "items": { "type": "string" } }
                }
              }
            },
            "rate_limit": {
              "type": "object",
              "properties": {
                "requests_per_minute": { "type": "integer", "minimum": 0 },
                "requests_per_hour": { "type": "integer", "minimum": 0 }
              }
            }
          }
        },
        "secrets": {
          "type": "object",
          "properties": {
            "allowed_names": { "type": "array", "items": { "type": "string" } }
          }
        },
        "workspace_read": {
          "type": "object",
          "properties": {
            "path_prefixes": { "type": "array", "items": { "type": "string" } }
          }
        },
        "channel": {
          "type": "object",
          "properties": {
            "allowed_paths": { "type": "array", "items": { "type": "string" } },
            "allow_polling": { "type": "boolean" },
            "min_poll_interval_ms": { "type": "integer", "minimum": 0 },
            "workspace_prefix": { "type": "string" },
            "emit_rate_limit": {
              "type": "object",
              "properties": {
                "messages_per_minute": { "type": "integer", "minimum": 0 },
                "messages_per_hour": { "type": "integer", "minimum": 0 }
              }
            },
            "max_message_size": { "type": "integer", "minimum": 1 },
            "callback_timeout_secs": { "type": "integer", "minimum": 1 },
            "webhook": {
              "type": "object",
              "properties": {
                "secret_header": { "type": "string" },
                "secret_name": { "type": "string" }
              }
            }
          }
        }
      }
    },
    "config": { "type": "object" }
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	const resourceName = "capability-document.json"
	if err := c.AddResource(resourceName, bytes.NewReader([]byte(documentSchema))); err != nil {
		panic(fmt.Sprintf("capability: compiling embedded schema: %v", err))
	}
	s, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("capability: compiling embedded schema: %v", err))
	}
	compiledSchema = s
}

// validateSchema checks raw document bytes against documentSchema before any
// semantic decoding happens.
func validateSchema(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return &ValidationError{Detail: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := compiledSchema.Validate(v); err != nil {
		return &ValidationError{Detail: fmt.Sprintf("schema: %v", err)}
	}
	return nil
}
