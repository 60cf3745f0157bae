package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/workflow"
)

func sampleWorkflow() workflow.Workflow {
	return workflow.Workflow{
		ID:              "w1",
		Name:            "Daily",
		Trigger:         workflow.NewCronTrigger("0 9 * * *"),
		TargetConnector: "BROWSER",
		Action:          workflow.Action{Type: "NAVIGATE", Params: map[string]interface{}{"url": "https://x.test"}},
		IsEnabled:       true,
	}
}

func decodeLegacy(t *testing.T, data []byte) LegacyEnvelope {
	t.Helper()
	var env LegacyEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EchoTool, env.Tool)
	return env
}

func TestLegacyEncoderPlainResults(t *testing.T) {
	enc := LegacyEncoder{}

	data, err := enc.Encode(result.Text{Text: "I'm not sure how to handle: hi"})
	require.NoError(t, err)
	assert.Equal(t, "I'm not sure how to handle: hi", decodeLegacy(t, data).Message)

	data, err = enc.Encode(result.Fail("workflow 'x' not found"))
	require.NoError(t, err)
	assert.Equal(t, "Error: workflow 'x' not found", decodeLegacy(t, data).Message)

	data, err = enc.Encode(result.Ack{Success: true, Detail: "Workflow 'Daily' created with id w1", ID: "w1"})
	require.NoError(t, err)
	assert.Contains(t, decodeLegacy(t, data).Message, "w1")
}

func TestLegacyEncoderWorkflowList(t *testing.T) {
	data, err := LegacyEncoder{}.Encode(result.WorkflowList{Workflows: []workflow.Workflow{sampleWorkflow()}})
	require.NoError(t, err)

	msg := decodeLegacy(t, data).Message
	assert.Equal(t, TypeWorkflowList, gjson.Get(msg, "type").String())
	assert.Equal(t, "w1", gjson.Get(msg, "data.0.id").String())
	assert.Equal(t, "cron", gjson.Get(msg, "data.0.trigger.trigger_type").String())
	assert.Equal(t, "0 9 * * *", gjson.Get(msg, "data.0.trigger.config.cron_expression").String())
	assert.True(t, gjson.Get(msg, "data.0.is_enabled").Bool())

	var inner struct {
		Data []workflow.Workflow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg), &inner))
	assert.Equal(t, []workflow.Workflow{sampleWorkflow()}, inner.Data)

	data, err = LegacyEncoder{}.Encode(result.WorkflowList{})
	require.NoError(t, err)
	assert.Equal(t, `{"data":[],"type":"workflow_list"}`, decodeLegacy(t, data).Message)
}

func TestLegacyEncoderSettingsAndAssist(t *testing.T) {
	data, err := LegacyEncoder{}.Encode(result.SettingsSnapshot{Settings: map[string]interface{}{"theme": "dark"}})
	require.NoError(t, err)
	msg := decodeLegacy(t, data).Message
	assert.Equal(t, TypeAllSettingsResponse, gjson.Get(msg, "type").String())
	assert.Equal(t, "dark", gjson.Get(msg, "data.theme").String())

	data, err = LegacyEncoder{}.Encode(result.WriteAssist{Text: "Dear team,"})
	require.NoError(t, err)
	msg = decodeLegacy(t, data).Message
	assert.Equal(t, TypeWriteAssistResponse, gjson.Get(msg, "type").String())
	assert.Equal(t, "Dear team,", gjson.Get(msg, "text").String())

	data, err = LegacyEncoder{}.Encode(result.WriteAssist{Err: "provider down"})
	require.NoError(t, err)
	msg = decodeLegacy(t, data).Message
	assert.Equal(t, TypeWriteAssistError, gjson.Get(msg, "type").String())
	assert.Equal(t, "provider down", gjson.Get(msg, "error").String())
}

func TestTaggedEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   result.Result
		typ  string
		path string
		want string
	}{
		{"text", result.Text{Text: "hello"}, TypeText, "payload.text", "hello"},
		{"ack", result.Ack{Success: true, Detail: "done", ID: "w1"}, TypeAck, "payload.id", "w1"},
		{"workflows", result.WorkflowList{Workflows: []workflow.Workflow{sampleWorkflow()}}, TypeWorkflowList, "payload.data.0.name", "Daily"},
		{"settings", result.SettingsSnapshot{Settings: map[string]interface{}{"theme": "light"}}, TypeAllSettingsResponse, "payload.data.theme", "light"},
		{"assist", result.WriteAssist{Text: "draft"}, TypeWriteAssistResponse, "payload.text", "draft"},
		{"assist error", result.WriteAssist{Err: "nope"}, TypeWriteAssistError, "payload.error", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := TaggedEncoder{}.Encode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, gjson.GetBytes(data, "type").String())
			assert.Equal(t, tt.want, gjson.GetBytes(data, tt.path).String())
		})
	}
}

func TestNewEncoder(t *testing.T) {
	enc, err := NewEncoder("")
	require.NoError(t, err)
	assert.IsType(t, LegacyEncoder{}, enc)

	enc, err = NewEncoder(FormatTagged)
	require.NoError(t, err)
	assert.IsType(t, TaggedEncoder{}, enc)

	_, err = NewEncoder("xml")
	assert.Error(t, err)
}

func TestWriterLinesNeverInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, LegacyEncoder{})

	const producers, perProducer = 16, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = w.Write(result.Text{Text: fmt.Sprintf("producer %d message %d %s", p, i, strings.Repeat("x", 512))})
			}
		}(p)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		var env LegacyEnvelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env), "line %d is not a whole envelope", lines)
		lines++
	}
	assert.Equal(t, producers*perProducer, lines)
}

type unsupported struct{}

func (unsupported) Kind() result.Kind { return "mystery" }

func TestWriterFallsBackOnEncodeError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, LegacyEncoder{})

	err := w.Write(unsupported{})
	assert.Error(t, err)

	env := decodeLegacy(t, bytes.TrimSpace(buf.Bytes()))
	assert.Contains(t, env.Message, "Error: failed to encode response")
}
