package textgen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
)

type seen struct {
	Model  string
	Prompt string
	Auth   string
}

func newProvider(t *testing.T, status int, reply string, got *seen) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if got != nil {
			got.Model = req.Model
			got.Prompt = req.Messages[0].Content
			got.Auth = r.Header.Get("Authorization")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registry(c *Connector, opts ...connector.Option) *connector.Registry {
	r := connector.NewRegistry(append([]connector.Option{connector.WithLogger(log.Discard())}, opts...)...)
	c.Register(r)
	return r
}

func generate(r *connector.Registry, params map[string]interface{}) result.Result {
	return r.Execute(context.Background(), Name, ActionGenerateText, params)
}

func TestGenerate(t *testing.T) {
	keyring.MockInit()
	creds := storage.NewKeyringCredentialStore()
	require.NoError(t, creds.Set(KeyAPIKey, "sk-test"))

	var got seen
	srv := newProvider(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"  Dear team,\n  "}}]}`, &got)
	c := New(Config{Endpoint: srv.URL + "/v1/", Model: "fallback"}, creds,
		WithLogger(log.Discard()),
		WithModelPreference(func() string { return "preferred" }))
	r := registry(c)

	res := generate(r, map[string]interface{}{"prompt": "write a memo"})
	assert.Equal(t, result.WriteAssist{Text: "Dear team,"}, res)
	assert.Equal(t, seen{Model: "preferred", Prompt: "write a memo", Auth: "Bearer sk-test"}, got)

	generate(r, map[string]interface{}{"prompt": "again", "model": "explicit"})
	assert.Equal(t, "explicit", got.Model)
}

func TestGenerateModelFallback(t *testing.T) {
	var got seen
	srv := newProvider(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`, &got)
	c := New(Config{Endpoint: srv.URL + "/v1", Model: "fallback"}, nil,
		WithLogger(log.Discard()),
		WithModelPreference(func() string { return " " }))

	res := generate(registry(c), map[string]interface{}{"prompt": "hi"})
	assert.Equal(t, result.WriteAssist{Text: "ok"}, res)
	assert.Equal(t, "fallback", got.Model)
	assert.Empty(t, got.Auth)
}

func TestGenerateNotConfigured(t *testing.T) {
	c := New(Config{}, nil, WithLogger(log.Discard()))
	res := generate(registry(c), map[string]interface{}{"prompt": "hi"})
	assert.Equal(t, result.Fail(NotConfigured), res)

	res = generate(registry(c), map[string]interface{}{})
	assert.Equal(t, result.Fail("missing required parameter 'prompt'"), res)
}

func TestGenerateProviderErrors(t *testing.T) {
	srv := newProvider(t, http.StatusBadRequest, `{"error":{"message":"model not found"}}`, nil)
	c := New(Config{Endpoint: srv.URL + "/v1", Model: "m"}, nil, WithLogger(log.Discard()))
	res := generate(registry(c), map[string]interface{}{"prompt": "hi"})
	assert.Equal(t, result.Fail("text generation failed (400): model not found"), res)

	srv = newProvider(t, http.StatusOK, `{"choices":[]}`, nil)
	c = New(Config{Endpoint: srv.URL + "/v1", Model: "m"}, nil, WithLogger(log.Discard()))
	res = generate(registry(c), map[string]interface{}{"prompt": "hi"})
	assert.Equal(t, result.Fail("text generation response had no content"), res)
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"second try"}}]}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Endpoint: srv.URL, Model: "m"}, nil, WithLogger(log.Discard()))
	r := registry(c, connector.WithDefaultRetry(connector.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond}))

	res := generate(r, map[string]interface{}{"prompt": "hi"})
	assert.Equal(t, result.WriteAssist{Text: "second try"}, res)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
