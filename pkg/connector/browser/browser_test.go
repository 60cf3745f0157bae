package browser

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/internal/testutil"
	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/mcp"
	"github.com/dshills/flowagent/pkg/result"
)

func TestMain(m *testing.M) {
	testutil.MaybeServeFakeMCP()
	os.Exit(m.Run())
}

type trackingFactory struct {
	mu      sync.Mutex
	clients []*mcp.StdioClient
}

func (f *trackingFactory) build(cfg mcp.ServerConfig) (mcp.Client, error) {
	c, err := mcp.NewStdioClient(cfg, mcp.WithClientLogger(log.Discard()))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *trackingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func setup(t *testing.T) (*connector.Registry, *trackingFactory) {
	t.Helper()
	f := &trackingFactory{}
	cfg := testutil.FakeMCPServerConfig("browser")
	cfg.Actions = DefaultServer().Actions

	b := New(cfg, WithLogger(log.Discard()), WithClientFactory(f.build))
	t.Cleanup(func() { _ = b.Close() })

	r := connector.NewRegistry(connector.WithLogger(log.Discard()), connector.WithDefaultTimeout(20*time.Second))
	b.Register(r)
	return r, f
}

func exec(r *connector.Registry, action string, params map[string]interface{}) result.Result {
	return r.Execute(context.Background(), Name, action, params)
}

func TestNavigate(t *testing.T) {
	r, f := setup(t)

	res := exec(r, ActionNavigate, map[string]interface{}{"url": "example.com"})
	assert.Equal(t, result.Text{Text: "Successfully navigated to http://example.com"}, res)

	res = exec(r, ActionNavigate, map[string]interface{}{"url": "https://example.org/a?b=c"})
	assert.Equal(t, result.Text{Text: "Successfully navigated to https://example.org/a?b=c"}, res)

	assert.Equal(t, 1, f.count(), "server is started once and reused")
}

func TestNavigateRequiresURL(t *testing.T) {
	r, f := setup(t)

	res := exec(r, ActionNavigate, nil)
	assert.Equal(t, result.Fail("missing required parameter 'url'"), res)

	res = exec(r, ActionNavigate, map[string]interface{}{"url": "http://"})
	assert.Equal(t, result.Fail("invalid url 'http://'"), res)

	assert.Zero(t, f.count(), "bad params never start the server")
}

func TestSearch(t *testing.T) {
	r, _ := setup(t)

	res := exec(r, ActionSearch, map[string]interface{}{"query": "go generics"})
	assert.Equal(t, result.Text{Text: "Searched for 'go generics': " + SearchURL + "go+generics"}, res)
}

func TestScrapeElement(t *testing.T) {
	r, _ := setup(t)

	res := exec(r, ActionScrapeElement, map[string]interface{}{"url": "http://example.com", "selector": "#title"})
	assert.Equal(t, result.Text{Text: "text of #title"}, res)

	res = exec(r, ActionScrapeElement, map[string]interface{}{"url": "http://example.com", "selector": "#missing"})
	assert.False(t, result.Succeeded(res))
	assert.Contains(t, result.Summary(res), "element not found")

	res = exec(r, ActionScrapeElement, map[string]interface{}{"url": "http://example.com"})
	assert.Equal(t, result.Fail("missing required parameter 'selector'"), res)
}

func TestGetLinks(t *testing.T) {
	r, _ := setup(t)

	res := exec(r, ActionGetLinks, map[string]interface{}{"url": "http://example.com"})
	assert.Equal(t, result.Text{Text: "Found 2 links on http://example.com:\n- http://a.test/\n- http://b.test/"}, res)
}

func TestRestartsAfterServerLoss(t *testing.T) {
	r, f := setup(t)

	require.True(t, result.Succeeded(exec(r, ActionNavigate, map[string]interface{}{"url": "a.test"})))
	require.Equal(t, 1, f.count())

	require.NoError(t, f.clients[0].Close())

	assert.True(t, result.Succeeded(exec(r, ActionNavigate, map[string]interface{}{"url": "b.test"})))
	assert.Equal(t, 2, f.count())
}

func TestMisconfiguredServer(t *testing.T) {
	var attempts int32
	b := New(mcp.ServerConfig{ID: "browser"}, WithLogger(log.Discard()),
		WithClientFactory(func(mcp.ServerConfig) (mcp.Client, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("command cannot be empty")
		}))
	r := connector.NewRegistry(connector.WithLogger(log.Discard()),
		connector.WithDefaultRetry(connector.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}))
	b.Register(r)

	want := result.Fail("browser server is misconfigured: command cannot be empty")
	assert.Equal(t, want, exec(r, ActionNavigate, map[string]interface{}{"url": "a.test"}))
	assert.Equal(t, want, exec(r, ActionSearch, map[string]interface{}{"query": "go"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "permanent errors are not retried")
}

func TestToolOverride(t *testing.T) {
	b := New(mcp.ServerConfig{Actions: map[string]string{"navigate": "goto"}}, WithLogger(log.Discard()))
	assert.Equal(t, "goto", b.tool(ActionNavigate, ToolNavigate))
	assert.Equal(t, ToolEvaluate, b.tool(ActionScrapeElement, ToolEvaluate))
}

func TestEvaluated(t *testing.T) {
	assert.Equal(t, "hello", evaluated(`"hello"`))
	assert.Equal(t, "hello", evaluated("### Result\n\"hello\"\n"))
	assert.Equal(t, "null", evaluated("null"))
	assert.Equal(t, "plain text", evaluated("plain text"))
}
