package container

import (
	"github.com/xeipuuv/gojsonschema"
)

// specSchema validates raw JSON spec documents before they are decoded,
// so callers submitting specs over the wire get field-level diagnostics.
const specSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "image"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "image": {"type": "string", "minLength": 1},
    "command": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "ports": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["container_port"],
        "properties": {
          "container_port": {"type": "integer", "minimum": 1, "maximum": 65535},
          "host_port": {"type": "integer", "minimum": 0, "maximum": 65535},
          "protocol": {"type": "string", "enum": ["tcp", "udp"]}
        }
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "cpu": {"type": "string"},
        "memory": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(specSchema)

// ValidateSpecJSON checks a raw JSON spec document against the schema.
func ValidateSpecJSON(data []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &InvalidSpecError{Field: "document", Reason: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &InvalidSpecError{
			Field:  first.Field(),
			Reason: first.Description(),
		}
	}
	return nil
}
