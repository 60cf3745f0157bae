package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/protocol"
	"github.com/dshills/flowagent/pkg/result"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func messages(t *testing.T, lines []string) []string {
	t.Helper()
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		var env protocol.LegacyEnvelope
		require.NoError(t, json.Unmarshal([]byte(l), &env), l)
		require.Equal(t, protocol.EchoTool, env.Tool)
		out = append(out, env.Message)
	}
	return out
}

func newAgent(f *fixture, out io.Writer, opts ...AgentOption) *Agent {
	w := protocol.NewWriter(out, protocol.LegacyEncoder{})
	return New(f.d, w, append([]AgentOption{WithAgentLogger(log.Discard())}, opts...)...)
}

func TestServeScenario(t *testing.T) {
	f := newFixture(t)
	out := &lockedBuffer{}
	a := newAgent(f, out)

	in := strings.Join([]string{
		dailyCreate,
		"list workflows",
		`delete workflow {"id":"nonexistent"}`,
		`create workflow {"name": "broken"`,
		"list workflows",
	}, "\n") + "\n"
	require.NoError(t, a.Serve(context.Background(), strings.NewReader(in)))
	require.True(t, a.Wait(time.Second))

	msgs := messages(t, out.Lines())
	require.Len(t, msgs, 5)
	assert.Equal(t, "Workflow 'Daily' created with id wf-1", msgs[0])

	var inner struct {
		Type string `json:"type"`
		Data []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			IsEnabled bool   `json:"is_enabled"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &inner))
	assert.Equal(t, protocol.TypeWorkflowList, inner.Type)
	require.Len(t, inner.Data, 1)
	assert.Equal(t, "wf-1", inner.Data[0].ID)
	assert.True(t, inner.Data[0].IsEnabled)

	assert.Equal(t, "Error: workflow 'nonexistent' not found", msgs[2])
	assert.True(t, strings.HasPrefix(msgs[3], "Error: "))
	assert.Equal(t, msgs[1], msgs[4], "malformed create left the store unchanged")
}

func TestSlowConnectorDoesNotBlockInput(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.registry.Register("BROWSER", "NAVIGATE", func(ctx context.Context, _ connector.Params) (result.Result, error) {
		<-release
		return result.Text{Text: "finally"}, nil
	})

	out := &lockedBuffer{}
	a := newAgent(f, out)
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), pr) }()

	_, err := io.WriteString(pw, "navigate to slow.test\necho still responsive\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"still responsive"}, messages(t, out.Lines()))

	close(release)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	require.True(t, a.Wait(time.Second))
	assert.Equal(t, []string{"still responsive", "finally"}, messages(t, out.Lines()))
}

func TestBusyWhenTooManyPending(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.registry.Register("BROWSER", "NAVIGATE", func(context.Context, connector.Params) (result.Result, error) {
		<-release
		return result.Text{Text: "done"}, nil
	})

	out := &lockedBuffer{}
	a := newAgent(f, out, WithMaxPending(1))
	require.NoError(t, a.Serve(context.Background(), strings.NewReader("navigate to a.test\nnavigate to b.test\n")))

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Error: " + MsgBusy}, messages(t, out.Lines()))

	close(release)
	require.True(t, a.Wait(time.Second))
	assert.Len(t, out.Lines(), 2)
}

func TestServeStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	a := newAgent(f, &lockedBuffer{})
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, pr) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWaitAbandonsAfterGrace(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.registry.Register("BROWSER", "NAVIGATE", func(context.Context, connector.Params) (result.Result, error) {
		<-release
		return nil, nil
	})

	out := &lockedBuffer{}
	a := newAgent(f, out)
	require.NoError(t, a.Serve(context.Background(), strings.NewReader("navigate to a.test\n")))
	assert.False(t, a.Wait(20*time.Millisecond))
}

func TestServeRejectsOversizedLine(t *testing.T) {
	f := newFixture(t)
	out := &lockedBuffer{}
	a := newAgent(f, out)

	in := strings.Repeat("x", MaxLineSize+1) + "\nlist workflows\n"
	require.NoError(t, a.Serve(context.Background(), strings.NewReader(in)))

	msgs := messages(t, out.Lines())
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0], "Error: line too long"), msgs[0])

	var inner struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &inner))
	assert.Equal(t, protocol.TypeWorkflowList, inner.Type, "the next line is still answered")
}

func TestReadLine(t *testing.T) {
	in := "first\r\n\n" + strings.Repeat("y", MaxLineSize) + "\n" +
		strings.Repeat("z", MaxLineSize+10) + "\nlast"
	r := bufio.NewReaderSize(strings.NewReader(in), 1024)

	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, inputLine{text: "first"}, line)

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, inputLine{}, line, "blank line")

	line, err = readLine(r)
	require.NoError(t, err)
	assert.False(t, line.tooLong, "a line of exactly MaxLineSize fits")
	assert.Len(t, line.text, MaxLineSize)

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, inputLine{tooLong: true}, line)

	line, err = readLine(r)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, inputLine{text: "last"}, line)
}
