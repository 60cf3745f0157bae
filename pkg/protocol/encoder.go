package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/workflow"
)

// Output formats.
const (
	FormatLegacy = "legacy"
	FormatTagged = "tagged"
)

// EchoTool is the discriminator of every legacy envelope.
const EchoTool = "echo_message"

// Inner type discriminators.
const (
	TypeText                = "text"
	TypeAck                 = "ack"
	TypeWorkflowList        = "workflow_list"
	TypeAllSettingsResponse = "all_settings_response"
	TypeWriteAssistResponse = "write_assist_response"
	TypeWriteAssistError    = "write_assist_error"
)

// Encoder turns a Result into one wire message, without the trailing newline.
type Encoder interface {
	Encode(result.Result) ([]byte, error)
}

// NewEncoder returns the encoder for format.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", FormatLegacy:
		return LegacyEncoder{}, nil
	case FormatTagged:
		return TaggedEncoder{}, nil
	}
	return nil, fmt.Errorf("unknown protocol format %q", format)
}

// LegacyEnvelope is {"tool": "echo_message", "message": <string>}.
type LegacyEnvelope struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

// LegacyEncoder writes every Result as an echo_message envelope. Structured
// results are JSON-encoded into the message string with an inner type.
type LegacyEncoder struct{}

// Encode implements Encoder.
func (LegacyEncoder) Encode(r result.Result) ([]byte, error) {
	var message string
	switch v := r.(type) {
	case result.Text:
		message = v.Text
	case result.Ack:
		message = v.Sentence()
	case result.WorkflowList, result.SettingsSnapshot, result.WriteAssist:
		inner, err := json.Marshal(innerMessage(v))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", r.Kind(), err)
		}
		message = string(inner)
	default:
		return nil, fmt.Errorf("unsupported result %T", r)
	}
	return json.Marshal(LegacyEnvelope{Tool: EchoTool, Message: message})
}

// innerMessage is the object carried inside a legacy message string.
func innerMessage(r result.Result) map[string]interface{} {
	switch v := r.(type) {
	case result.WorkflowList:
		return map[string]interface{}{"type": TypeWorkflowList, "data": workflowsOrEmpty(v.Workflows)}
	case result.SettingsSnapshot:
		return map[string]interface{}{"type": TypeAllSettingsResponse, "data": settingsOrEmpty(v.Settings)}
	case result.WriteAssist:
		if v.Err != "" {
			return map[string]interface{}{"type": TypeWriteAssistError, "error": v.Err}
		}
		return map[string]interface{}{"type": TypeWriteAssistResponse, "text": v.Text}
	}
	return nil
}

// TaggedEnvelope is {"type": <kind>, "payload": {...}}: one decode step
// recovers the result type.
type TaggedEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// TaggedEncoder writes each Result as a TaggedEnvelope.
type TaggedEncoder struct{}

// Encode implements Encoder.
func (TaggedEncoder) Encode(r result.Result) ([]byte, error) {
	var env TaggedEnvelope
	switch v := r.(type) {
	case result.Text:
		env = TaggedEnvelope{Type: TypeText, Payload: map[string]string{"text": v.Text}}
	case result.Ack:
		env = TaggedEnvelope{Type: TypeAck, Payload: ackPayload{Success: v.Success, Detail: v.Detail, ID: v.ID}}
	case result.WorkflowList:
		env = TaggedEnvelope{Type: TypeWorkflowList, Payload: map[string]interface{}{"data": workflowsOrEmpty(v.Workflows)}}
	case result.SettingsSnapshot:
		env = TaggedEnvelope{Type: TypeAllSettingsResponse, Payload: map[string]interface{}{"data": settingsOrEmpty(v.Settings)}}
	case result.WriteAssist:
		if v.Err != "" {
			env = TaggedEnvelope{Type: TypeWriteAssistError, Payload: map[string]string{"error": v.Err}}
		} else {
			env = TaggedEnvelope{Type: TypeWriteAssistResponse, Payload: map[string]string{"text": v.Text}}
		}
	default:
		return nil, fmt.Errorf("unsupported result %T", r)
	}
	return json.Marshal(env)
}

type ackPayload struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
	ID      string `json:"id,omitempty"`
}

func workflowsOrEmpty(ws []workflow.Workflow) []workflow.Workflow {
	if ws == nil {
		return []workflow.Workflow{}
	}
	return ws
}

func settingsOrEmpty(s map[string]interface{}) map[string]interface{} {
	if s == nil {
		return map[string]interface{}{}
	}
	return s
}
