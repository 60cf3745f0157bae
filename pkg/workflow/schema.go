package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	ferrors "github.com/dshills/flowagent/pkg/errors"
)

const definitionsJSON = `
	"definitions": {
		"trigger": {
			"type": "object",
			"required": ["trigger_type", "config"],
			"properties": {
				"trigger_type": {"type": "string", "minLength": 1},
				"config": {"type": "object"}
			}
		},
		"action": {
			"type": "object",
			"required": ["action_type"],
			"properties": {
				"action_type": {"type": "string", "minLength": 1},
				"params": {"type": ["object", "null"]}
			}
		}
	}`

const createSchemaJSON = `{
	"type": "object",
	"required": ["name", "trigger", "target_connector", "action"],
	"properties": {
		"id": {"type": ["string", "null"]},
		"name": {"type": "string", "minLength": 1},
		"trigger": {"$ref": "#/definitions/trigger"},
		"target_connector": {"type": "string", "minLength": 1},
		"action": {"$ref": "#/definitions/action"},
		"is_enabled": {"type": "boolean"}
	},` + definitionsJSON + `
}`

const updateSchemaJSON = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"trigger": {"$ref": "#/definitions/trigger"},
		"target_connector": {"type": "string", "minLength": 1},
		"action": {"$ref": "#/definitions/action"},
		"is_enabled": {"type": "boolean"}
	},` + definitionsJSON + `
}`

var (
	createSchema = mustCompile(createSchemaJSON)
	updateSchema = mustCompile(updateSchemaJSON)
)

func mustCompile(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("workflow: invalid embedded schema: %v", err))
	}
	return s
}

// CheckSchema validates raw JSON against a compiled schema. Invalid JSON is a
// parse error; a schema mismatch is a validation error.
func CheckSchema(schema *gojsonschema.Schema, op string, data []byte) error {
	if !gjson.ValidBytes(data) {
		return ferrors.Parse(op, fmt.Errorf("invalid JSON payload"))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return ferrors.Parse(op, fmt.Errorf("schema validation error: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return ferrors.Validation(op, fmt.Errorf("%s", strings.Join(msgs, "; ")))
	}
	return nil
}

// MustCompileSchema compiles an embedded schema, panicking on error.
func MustCompileSchema(schema string) *gojsonschema.Schema { return mustCompile(schema) }

// DecodeNew decodes a create payload. The id may be absent or null; the
// result is structurally validated, including cron syntax.
func DecodeNew(data []byte) (Workflow, error) {
	const op = "create workflow"
	if err := CheckSchema(createSchema, op, data); err != nil {
		return Workflow{}, err
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return Workflow{}, ferrors.Validation(op, err)
	}
	if err := w.Validate(); err != nil {
		return Workflow{}, ferrors.Validation(op, err)
	}
	return w, nil
}

// DecodePatch decodes an update payload into the target id and the supplied
// fields. At least one field besides id is required.
func DecodePatch(data []byte) (string, Patch, error) {
	const op = "update workflow"
	if err := CheckSchema(updateSchema, op, data); err != nil {
		return "", Patch{}, err
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return "", Patch{}, ferrors.Validation(op, err)
	}
	if p.Empty() {
		return "", Patch{}, ferrors.Validation(op, fmt.Errorf("no fields to update"))
	}
	return gjson.GetBytes(data, "id").String(), p, nil
}
