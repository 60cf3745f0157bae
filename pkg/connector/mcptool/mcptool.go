// Package mcptool exposes the tools of an MCP server listed in servers.yaml
// as connector actions. The connector name is the server id upper-cased and
// each configured action calls its mapped tool with the action params as
// arguments.
package mcptool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/mcp"
	"github.com/dshills/flowagent/pkg/result"
)

// ClientFactory builds an unconnected MCP client.
type ClientFactory func(cfg mcp.ServerConfig) (mcp.Client, error)

// Connector forwards actions to one MCP server.
type Connector struct {
	cfg       mcp.ServerConfig
	newClient ClientFactory
	log       logrus.FieldLogger

	mu     sync.Mutex
	client mcp.Client
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the connector logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Connector) { c.log = l }
}

// WithClientFactory replaces how MCP clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Connector) { c.newClient = f }
}

// New returns a connector for cfg. The server starts on first use.
func New(cfg mcp.ServerConfig, opts ...Option) *Connector {
	c := &Connector{cfg: cfg, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	if c.newClient == nil {
		l := c.log
		c.newClient = func(cfg mcp.ServerConfig) (mcp.Client, error) {
			return mcp.NewStdioClient(cfg, mcp.WithClientLogger(l))
		}
	}
	c.log = c.log.WithFields(logrus.Fields{"connector": c.Name(), "server": cfg.ID})
	return c
}

// Name is the connector name workflows target.
func (c *Connector) Name() string { return c.cfg.ConnectorName() }

// Register adds one action per configured tool mapping.
func (c *Connector) Register(r *connector.Registry) {
	actions := make([]string, 0, len(c.cfg.Actions))
	for a := range c.cfg.Actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	for _, action := range actions {
		tool := c.cfg.Actions[action]
		desc := fmt.Sprintf("Call tool '%s' on MCP server '%s'.", tool, c.cfg.ID)
		if c.cfg.Description != "" {
			desc = fmt.Sprintf("%s (%s)", desc, c.cfg.Description)
		}
		r.Register(c.Name(), action, c.handler(tool), connector.WithDescription(desc))
	}
}

func (c *Connector) handler(tool string) connector.Handler {
	return func(ctx context.Context, p connector.Params) (result.Result, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		client, err := c.session(ctx)
		if err != nil {
			return nil, err
		}
		res, err := client.CallTool(ctx, tool, map[string]interface{}(p))
		if err != nil {
			return nil, fmt.Errorf("tool '%s' failed: %w", tool, err)
		}
		if text := res.Text(); text != "" {
			return result.Text{Text: text}, nil
		}
		return result.OK(fmt.Sprintf("tool '%s' completed", tool)), nil
	}
}

// session returns a live client, restarting the server after a crash.
// Callers hold c.mu.
func (c *Connector) session(ctx context.Context) (mcp.Client, error) {
	if c.client != nil && c.client.IsConnected() {
		return c.client, nil
	}
	if c.client != nil {
		c.log.Warn("server went away, restarting")
		_ = c.client.Close()
		c.client = nil
	}

	client, err := c.newClient(c.cfg)
	if err != nil {
		return nil, connector.Permanent(fmt.Errorf("server '%s' is misconfigured: %w", c.cfg.ID, err))
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to start server '%s': %w", c.cfg.ID, err)
	}
	c.client = client
	return client, nil
}

// Close stops the server if it is running.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
