package events

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const blockPayloadSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "block message payload",
  "type": "object",
  "required": ["x", "y", "z"],
  "properties": {
    "x": {"type": "integer"},
    "y": {"type": "integer"},
    "z": {"type": "integer"},
    "type": {"type": ["string", "integer"]}
  }
}`

var blockPayloadSchema = jsonschema.MustCompileString("block_payload.schema.json", blockPayloadSchemaJSON)
