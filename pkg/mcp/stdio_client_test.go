package mcp_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/internal/testutil"
	"github.com/dshills/flowagent/pkg/mcp"
)

func TestMain(m *testing.M) {
	testutil.MaybeServeFakeMCP()
	os.Exit(m.Run())
}

func connect(t *testing.T) *mcp.StdioClient {
	t.Helper()
	client, err := mcp.NewStdioClient(testutil.FakeMCPServerConfig("fake"), mcp.WithClientLogger(log.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewStdioClientRequiresCommand(t *testing.T) {
	_, err := mcp.NewStdioClient(mcp.ServerConfig{ID: "x"})
	assert.Error(t, err)
}

func TestStdioClientLifecycle(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	assert.True(t, client.IsConnected())
	require.NoError(t, client.Ping(ctx))

	err := client.Connect(ctx)
	assert.EqualError(t, err, "already connected")

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	require.NoError(t, client.Close())

	_, err = client.ListTools(ctx)
	assert.Error(t, err)
}

func TestStdioClientReconnectsAfterClose(t *testing.T) {
	client := connect(t)
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	assert.NoError(t, client.Ping(ctx))
}

func TestStdioClientListTools(t *testing.T) {
	client := connect(t)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "browser_navigate")
	assert.Contains(t, names, "browser_evaluate")
}

func TestStdioClientCallTool(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	res, err := client.CallTool(ctx, "browser_navigate", map[string]interface{}{"url": "http://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Navigated to http://example.com", res.Text())

	res, err = client.CallTool(ctx, "browser_evaluate", map[string]interface{}{"function": "() => document.querySelector('#missing')"})
	require.Error(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, err.Error(), "element not found")

	_, err = client.CallTool(ctx, "failing_tool", nil)
	assert.ErrorContains(t, err, "tool execution failed")

	_, err = client.CallTool(ctx, "nope", nil)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestStdioClientCallHonoursContext(t *testing.T) {
	client := connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CallTool(ctx, "slow", map[string]interface{}{"ms": "2000"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply must not confuse the next call.
	res, err := client.CallTool(context.Background(), "echo", map[string]interface{}{"message": "after"})
	require.NoError(t, err)
	assert.Equal(t, "after", res.Text())
}

func TestStdioClientConcurrentCalls(t *testing.T) {
	client := connect(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := string(rune('a' + i))
			res, err := client.CallTool(context.Background(), "echo", map[string]interface{}{"message": msg})
			if err == nil && res.Text() != msg {
				err = assert.AnError
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")

	sf, err := mcp.LoadServers(path)
	require.NoError(t, err)
	assert.Empty(t, sf.Servers)

	browser := &mcp.ServerConfig{
		ID:      "browser",
		Command: "npx",
		Args:    []string{"@playwright/mcp@latest", "--headless"},
		Actions: map[string]string{"NAVIGATE": "browser_navigate"},
	}
	require.NoError(t, sf.Add(browser, false))
	assert.Error(t, sf.Add(browser, false))
	assert.NoError(t, sf.Add(browser, true))
	assert.Error(t, sf.Add(&mcp.ServerConfig{ID: "bad id", Command: "x"}, false))
	assert.Error(t, sf.Add(&mcp.ServerConfig{ID: "nocmd"}, false))
	require.NoError(t, sf.Save(path))

	loaded, err := mcp.LoadServers(path)
	require.NoError(t, err)
	require.Len(t, loaded.Sorted(), 1)
	got := loaded.Sorted()[0]
	assert.Equal(t, browser, got)
	assert.Equal(t, "BROWSER", got.ConnectorName())

	require.NoError(t, loaded.Remove("browser"))
	assert.Error(t, loaded.Remove("browser"))
}

func TestLoadServersRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  x:\n    command: \"\"\n"), 0o600))
	_, err := mcp.LoadServers(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("servers: [\n"), 0o600))
	_, err = mcp.LoadServers(path)
	assert.Error(t, err)
}
