package collabserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tempoplan/collab/collab"
)

// Entity updates are the only inbound frames whose payload crosses into
// storage and fan-out, so their shape is checked against a schema instead of
// relying on decode side effects. The entity payload itself must be a JSON
// object; its fields stay opaque.
const entityUpdateSchemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["entityKind", "entityId", "operation"],
	"properties": {
		"entityKind": {
			"enum": ["task", "project"]
		},
		"entityId": {
			"type": "string",
			"pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		},
		"operation": {
			"enum": ["create", "update", "delete"]
		},
		"payload": {
			"type": "object"
		},
		"modifiedAt": {
			"type": "string",
			"format": "date-time"
		}
	}
}`

type frameValidator struct {
	entityUpdate *jsonschema.Schema
}

func newFrameValidator() *frameValidator {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entityUpdateSchemaText))
	if err != nil {
		panic(err)
	}
	if err := compiler.AddResource("entity-update.json", doc); err != nil {
		panic(err)
	}
	return &frameValidator{
		entityUpdate: compiler.MustCompile("entity-update.json"),
	}
}

// ValidateEntityUpdate checks the canonical JSON form of the args, so the
// same rules apply to both wire encodings.
func (self *frameValidator) ValidateEntityUpdate(args *collab.EntityUpdateArgs) error {
	if args.EntityId.IsZero() {
		return fmt.Errorf("Entity id is required.")
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("Entity payload is not valid JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return self.entityUpdate.Validate(doc)
}
