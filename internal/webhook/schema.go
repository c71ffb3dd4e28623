package webhook

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const remoteChangeSchemaURL = "https://sync.local/schemas/remote-change.json"

const remoteChangeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entityType", "entityId", "operation", "remoteTimestamp"],
  "properties": {
    "entityType": {"type": "string", "minLength": 1},
    "entityId": {"type": "string", "minLength": 1},
    "operation": {"enum": ["create", "update", "delete"]},
    "payload": {"type": ["object", "null"]},
    "remoteTimestamp": {"type": "string", "format": "date-time"},
    "baseVersion": {"type": "integer", "minimum": 0}
  },
  "if": {"properties": {"operation": {"enum": ["create", "update"]}}},
  "then": {"required": ["payload"], "properties": {"payload": {"type": "object"}}}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func remoteSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(remoteChangeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(remoteChangeSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(remoteChangeSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateRemoteChange checks one raw feed element against the schema.
func validateRemoteChange(raw []byte) error {
	sch, err := remoteSchema()
	if err != nil {
		return fmt.Errorf("remote change schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
