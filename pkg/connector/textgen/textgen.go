// Package textgen is the TEXT_GENERATION connector. It sends prompts to an
// OpenAI-compatible chat completions endpoint.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
)

// Name is the connector name workflows target.
const Name = "TEXT_GENERATION"

// ActionGenerateText produces text from a prompt.
const ActionGenerateText = "GENERATE_TEXT"

// KeyAPIKey is the keyring key of the bearer token. It is optional for
// local endpoints.
const KeyAPIKey = "llm:api_key"

// NotConfigured is reported when no endpoint is set.
const NotConfigured = "text generation provider is not configured"

// Config locates the provider. Model is used when neither the call nor the
// preference source names one.
type Config struct {
	Endpoint string
	Model    string
}

// Connector calls the provider.
type Connector struct {
	cfg        Config
	creds      storage.CredentialStore
	preference func() string
	client     *http.Client
	log        logrus.FieldLogger
}

// Option configures a Connector.
type Option func(*Connector)

// WithModelPreference supplies the user's preferred model, read on every
// call.
func WithModelPreference(f func() string) Option {
	return func(c *Connector) { c.preference = f }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Connector) { c.client = h }
}

// WithLogger sets the connector logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Connector) { c.log = l }
}

// New returns a TEXT_GENERATION connector.
func New(cfg Config, creds storage.CredentialStore, opts ...Option) *Connector {
	c := &Connector{
		cfg:    cfg,
		creds:  creds,
		client: &http.Client{Timeout: 2 * time.Minute},
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Endpoint = strings.TrimRight(strings.TrimSpace(c.cfg.Endpoint), "/")
	c.log = c.log.WithField("connector", Name)
	return c
}

// Register adds GENERATE_TEXT to r.
func (c *Connector) Register(r *connector.Registry) {
	r.Register(Name, ActionGenerateText, c.generate,
		connector.WithDescription("Generate text from a prompt. Params: prompt, model (optional)."))
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

func (c *Connector) model(p connector.Params) string {
	if m := strings.TrimSpace(p.OptionalString("model", "")); m != "" {
		return m
	}
	if c.preference != nil {
		if m := strings.TrimSpace(c.preference()); m != "" {
			return m
		}
	}
	return c.cfg.Model
}

func (c *Connector) generate(ctx context.Context, p connector.Params) (result.Result, error) {
	prompt, err := p.String("prompt")
	if err != nil {
		return nil, err
	}
	if c.cfg.Endpoint == "" {
		return nil, connector.Permanent(errors.New(NotConfigured))
	}
	model := c.model(p)
	if model == "" {
		return nil, connector.Permanent(errors.New("no model selected"))
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, connector.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, connector.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.creds != nil {
		key, ok, err := storage.Lookup(c.creds, KeyAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential %s: %w", KeyAPIKey, err)
		}
		if ok && key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	c.log.WithField("model", model).Debug("requesting completion")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("text generation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read text generation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		apiErr := fmt.Errorf("text generation failed (%d): %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apiErr
		}
		return nil, connector.Permanent(apiErr)
	}

	text := gjson.GetBytes(data, "choices.0.message.content")
	if !text.Exists() {
		return nil, connector.Permanent(errors.New("text generation response had no content"))
	}
	return result.WriteAssist{Text: strings.TrimSpace(text.String())}, nil
}
