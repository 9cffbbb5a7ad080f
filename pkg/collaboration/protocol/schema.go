package protocol

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["id", "type", "roomId", "replica", "timestamp"],
  "properties": {
    "id":        {"type": "string", "minLength": 1},
    "type":      {"enum": ["sync", "awareness", "ping", "pong", "leave"]},
    "roomId":    {"type": "string", "minLength": 1},
    "replica":   {"type": "string", "minLength": 1},
    "encoding":  {"enum": ["", "zstd"]},
    "timestamp": {"type": "integer", "minimum": 0},
    "payload":   {}
  }
}`

const syncSchemaJSON = `{
  "definitions": {
    "id": {
      "type": "object",
      "required": ["replica", "clock"],
      "properties": {
        "replica": {"type": "string", "minLength": 1},
        "clock":   {"type": "integer", "minimum": 1}
      }
    },
    "anchor": {"oneOf": [{"type": "null"}, {"$ref": "#/definitions/id"}]},
    "stateVector": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "item": {
      "type": "object",
      "required": ["id", "parent", "contentType", "content", "length"],
      "properties": {
        "id":          {"$ref": "#/definitions/id"},
        "origin":      {"$ref": "#/definitions/anchor"},
        "rightOrigin": {"$ref": "#/definitions/anchor"},
        "parent":      {"type": "string", "minLength": 1},
        "parentKey":   {"type": "string"},
        "contentType": {"enum": ["string", "any"]},
        "length":      {"type": "integer", "minimum": 1}
      }
    },
    "update": {
      "type": "object",
      "properties": {
        "origin":    {"type": "string"},
        "items":     {"type": ["array", "null"], "items": {"$ref": "#/definitions/item"}},
        "deletions": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["start", "length"],
              "properties": {
                "start":  {"type": "integer", "minimum": 1},
                "length": {"type": "integer", "minimum": 1}
              }
            }
          }
        },
        "stateVector": {"$ref": "#/definitions/stateVector"}
      }
    }
  },
  "type": "object",
  "required": ["step"],
  "properties": {
    "step":        {"enum": ["1", "2", "update"]},
    "stateVector": {"$ref": "#/definitions/stateVector"},
    "update":      {"$ref": "#/definitions/update"}
  }
}`

const awarenessSchemaJSON = `{
  "type": "object",
  "required": ["replica", "clock", "state"],
  "properties": {
    "replica":   {"type": "string", "minLength": 1},
    "clock":     {"type": "integer", "minimum": 0},
    "state":     {"type": ["object", "null"]},
    "timestamp": {"type": "integer"}
  }
}`

var (
	envelopeSchema  = mustSchema(envelopeSchemaJSON)
	syncSchema      = mustSchema(syncSchemaJSON)
	awarenessSchema = mustSchema(awarenessSchemaJSON)
)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(errors.Wrap(err, "protocol: invalid built-in schema"))
	}
	return s
}

// validate checks document against schema, reporting every violation as one
// ErrMalformed.
func validate(schema *gojsonschema.Schema, document []byte) error {
	if len(document) == 0 {
		return errors.Wrap(ErrMalformed, "empty document")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return errors.Wrapf(ErrMalformed, "invalid json: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.Wrap(ErrMalformed, strings.Join(msgs, "; "))
	}
	return nil
}
