package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/dshills/flowagent/pkg/errors"
)

func TestParseFreeText(t *testing.T) {
	tests := []struct {
		line  string
		verb  Verb
		arg   string
		count int
	}{
		{"list workflows", VerbListWorkflows, "", 0},
		{"  LIST Workflows  ", VerbListWorkflows, "", 0},
		{"get settings", VerbGetSettings, "", 0},
		{"list connectors", VerbListConnectors, "", 0},
		{"list emails", VerbListEmails, "", 5},
		{"list emails 12", VerbListEmails, "", 12},
		{"list emails 0", VerbListEmails, "", 1},
		{"list emails 1000", VerbListEmails, "", 100},
		{"Show my emails", VerbListEmails, "", 5},
		{"get my emails 3", VerbListEmails, "", 3},
		{"navigate to Example.com/Path", VerbNavigate, "Example.com/Path", 0},
		{"NAVIGATE TO", VerbNavigate, "", 0},
		{"search for go generics", VerbSearch, "go generics", 0},
		{"echo Hello There", VerbEcho, "Hello There", 0},
		{"echo", VerbEcho, "", 0},
		{"what is the meaning of life?", VerbUnknown, "", 0},
		{"list emails from bob", VerbUnknown, "", 0},
		{"echoes", VerbUnknown, "", 0},
		{"", VerbEmpty, "", 0},
		{"   ", VerbEmpty, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, FreeText, cmd.Kind)
			assert.Equal(t, tt.verb, cmd.Verb)
			assert.Equal(t, tt.arg, cmd.Arg)
			assert.Equal(t, tt.count, cmd.Count)
		})
	}
}

func TestParseStructured(t *testing.T) {
	tests := []struct {
		line    string
		verb    Verb
		payload string
	}{
		{`agent_command: create workflow {"name":"x"}`, VerbCreateWorkflow, `{"name":"x"}`},
		{`create workflow {"name":"x"}`, VerbCreateWorkflow, `{"name":"x"}`},
		{`AGENT_COMMAND:update workflow{"id":"a"}`, VerbUpdateWorkflow, `{"id":"a"}`},
		{`agent_command: delete workflow {"id":"nonexistent"}`, VerbDeleteWorkflow, `{"id":"nonexistent"}`},
		{`update setting {"key":"theme","value":"dark"}`, VerbUpdateSetting, `{"key":"theme","value":"dark"}`},
		{`agent_command: assist_write_generate {"prompt":"hi"}`, VerbAssistWrite, `{"prompt":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, Structured, cmd.Kind)
			assert.Equal(t, tt.verb, cmd.Verb)
			assert.Equal(t, tt.payload, string(cmd.Payload))
		})
	}
}

func TestParsePrefixedFreeTextVerbs(t *testing.T) {
	cmd, err := ParseCommand("agent_command: list workflows")
	require.NoError(t, err)
	assert.Equal(t, Structured, cmd.Kind)
	assert.Equal(t, VerbListWorkflows, cmd.Verb)

	cmd, err = ParseCommand("agent_command: get settings")
	require.NoError(t, err)
	assert.Equal(t, VerbGetSettings, cmd.Verb)
}

func TestParseStructuredErrors(t *testing.T) {
	for _, line := range []string{
		"create workflow",
		"agent_command: delete workflow   ",
		"agent_command: launch rockets {}",
		"agent_command:",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := ParseCommand(line)
			require.Error(t, err)
			assert.Equal(t, ferrors.KindParse, ferrors.KindOf(err))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "http://example.com", NormalizeURL("example.com"))
	assert.Equal(t, "https://example.com", NormalizeURL("https://example.com"))
	assert.Equal(t, "HTTP://EXAMPLE.COM", NormalizeURL("HTTP://EXAMPLE.COM"))
	assert.Equal(t, "file:///tmp/x", NormalizeURL("file:///tmp/x"))
	assert.Equal(t, "", NormalizeURL("  "))
}

func TestDecodePayloads(t *testing.T) {
	id, err := DecodeDelete([]byte(`{"id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = DecodeDelete([]byte(`{"id":`))
	assert.Equal(t, ferrors.KindParse, ferrors.KindOf(err))
	_, err = DecodeDelete([]byte(`{}`))
	assert.Equal(t, ferrors.KindValidation, ferrors.KindOf(err))

	key, value, err := DecodeSetting([]byte(`{"key":"notifications_enabled","value":false}`))
	require.NoError(t, err)
	assert.Equal(t, "notifications_enabled", key)
	assert.Equal(t, false, value)

	_, _, err = DecodeSetting([]byte(`{"key":"theme"}`))
	assert.Equal(t, ferrors.KindValidation, ferrors.KindOf(err))
	_, _, err = DecodeSetting([]byte(`{"key":"  ","value":1}`))
	assert.Equal(t, ferrors.KindValidation, ferrors.KindOf(err))

	req, err := DecodeAssist([]byte(`{"prompt":"write a haiku","model":"small"}`))
	require.NoError(t, err)
	assert.Equal(t, AssistRequest{Prompt: "write a haiku", Model: "small"}, req)

	_, err = DecodeAssist([]byte(`{"prompt":""}`))
	assert.Equal(t, ferrors.KindValidation, ferrors.KindOf(err))
}
