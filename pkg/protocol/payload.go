package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	ferrors "github.com/dshills/flowagent/pkg/errors"
	"github.com/dshills/flowagent/pkg/workflow"
)

var (
	deleteSchema = workflow.MustCompileSchema(`{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "string", "minLength": 1}}
	}`)

	settingSchema = workflow.MustCompileSchema(`{
		"type": "object",
		"required": ["key", "value"],
		"properties": {"key": {"type": "string", "minLength": 1}}
	}`)

	assistSchema = workflow.MustCompileSchema(`{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"model": {"type": "string"}
		}
	}`)
)

// AssistRequest is the payload of assist_write_generate.
type AssistRequest struct {
	Prompt string
	Model  string
}

// DecodeDelete returns the id from a delete workflow payload.
func DecodeDelete(data []byte) (string, error) {
	if err := workflow.CheckSchema(deleteSchema, string(VerbDeleteWorkflow), data); err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "id").String(), nil
}

// DecodeSetting returns the key and value of an update setting payload. The
// value keeps its JSON type (string, number, bool, object, array, null).
func DecodeSetting(data []byte) (string, interface{}, error) {
	if err := workflow.CheckSchema(settingSchema, string(VerbUpdateSetting), data); err != nil {
		return "", nil, err
	}
	key := strings.TrimSpace(gjson.GetBytes(data, "key").String())
	if key == "" {
		return "", nil, ferrors.Validation(string(VerbUpdateSetting), fmt.Errorf("key: must not be blank"))
	}
	return key, gjson.GetBytes(data, "value").Value(), nil
}

// DecodeAssist returns the prompt and optional model of an
// assist_write_generate payload.
func DecodeAssist(data []byte) (AssistRequest, error) {
	if err := workflow.CheckSchema(assistSchema, string(VerbAssistWrite), data); err != nil {
		return AssistRequest{}, err
	}
	return AssistRequest{
		Prompt: gjson.GetBytes(data, "prompt").String(),
		Model:  gjson.GetBytes(data, "model").String(),
	}, nil
}
