package api

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The edit-event endpoint returns a batch of destructive actions produced
// by a language model. The payload is validated against this schema before
// the engine applies it, so a malformed response can never delete or
// rewrite events.
const editActionsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["actions"],
	"properties": {
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["action", "index"],
				"properties": {
					"action": {"enum": ["edit", "delete", "create"]},
					"index": {"type": "integer", "minimum": 0},
					"edited_event": {"type": "object"}
				}
			}
		},
		"message": {"type": "string"}
	}
}`

var (
	editSchemaOnce sync.Once
	editSchema     *jsonschema.Schema
	editSchemaErr  error
)

func compiledEditSchema() (*jsonschema.Schema, error) {
	editSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(editActionsSchema))
		if err != nil {
			editSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("edit-actions.json", doc); err != nil {
			editSchemaErr = err
			return
		}
		editSchema, editSchemaErr = compiler.Compile("edit-actions.json")
	})
	return editSchema, editSchemaErr
}

func validateEditActions(payload []byte) error {
	schema, err := compiledEditSchema()
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
