// Package browser is the BROWSER connector. It drives a headless browser
// through an MCP tool server started on first use.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/mcp"
	"github.com/dshills/flowagent/pkg/result"
)

// Name is the connector name workflows target.
const Name = "BROWSER"

// Actions.
const (
	ActionNavigate      = "NAVIGATE"
	ActionSearch        = "SEARCH"
	ActionScrapeElement = "SCRAPE_ELEMENT"
	ActionGetLinks      = "GET_LINKS"
)

// Default tool names of the Playwright MCP server.
const (
	ToolNavigate = "browser_navigate"
	ToolEvaluate = "browser_evaluate"
)

// SearchURL is the page SEARCH opens; the query is appended escaped.
const SearchURL = "https://duckduckgo.com/?q="

// DefaultServer launches the Playwright MCP server headless.
func DefaultServer() mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:          "browser",
		Description: "Playwright MCP server",
		Command:     "npx",
		Args:        []string{"@playwright/mcp@latest", "--headless"},
		Actions: map[string]string{
			ActionNavigate:      ToolNavigate,
			ActionScrapeElement: ToolEvaluate,
		},
	}
}

// ClientFactory builds an unconnected MCP client.
type ClientFactory func(cfg mcp.ServerConfig) (mcp.Client, error)

// Connector owns one MCP session. Calls are serialised because a browser
// page is shared state.
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

// New returns a connector for cfg. Nothing is started until the first call.
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
	c.log = c.log.WithField("connector", Name)
	return c
}

// Register adds the BROWSER actions to r.
func (c *Connector) Register(r *connector.Registry) {
	r.Register(Name, ActionNavigate, c.navigate,
		connector.WithDescription("Open a web page. Params: url."))
	r.Register(Name, ActionSearch, c.search,
		connector.WithDescription("Open a web search. Params: query."))
	r.Register(Name, ActionScrapeElement, c.scrapeElement,
		connector.WithDescription("Return the text of the element matching a CSS selector. Params: url, selector."))
	r.Register(Name, ActionGetLinks, c.getLinks,
		connector.WithDescription("List the unique links on a page. Params: url."))
}

// Close stops the MCP server if it is running.
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

func (c *Connector) tool(action, def string) string {
	for a, t := range c.cfg.Actions {
		if strings.EqualFold(a, action) && t != "" {
			return t
		}
	}
	return def
}

// session returns a live client, starting or restarting the server as
// needed. Callers hold c.mu.
func (c *Connector) session(ctx context.Context) (mcp.Client, error) {
	if c.client != nil && c.client.IsConnected() {
		return c.client, nil
	}
	if c.client != nil {
		c.log.Warn("browser server went away, restarting")
		_ = c.client.Close()
		c.client = nil
	}

	client, err := c.newClient(c.cfg)
	if err != nil {
		return nil, connector.Permanent(fmt.Errorf("browser server is misconfigured: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser server: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *Connector) callTool(ctx context.Context, action, def string, args map[string]interface{}) (*mcp.CallResult, error) {
	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, c.tool(action, def), args)
}

// open navigates to target. Session errors are returned as they are so a
// misconfigured server reads the same for every action.
func (c *Connector) open(ctx context.Context, target string) error {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	if _, err := client.CallTool(ctx, c.tool(ActionNavigate, ToolNavigate), map[string]interface{}{"url": target}); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	return nil
}

func (c *Connector) navigate(ctx context.Context, p connector.Params) (result.Result, error) {
	target, err := pageURL(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx, target); err != nil {
		return nil, err
	}
	return result.Text{Text: "Successfully navigated to " + target}, nil
}

func (c *Connector) search(ctx context.Context, p connector.Params) (result.Result, error) {
	query, err := p.String("query")
	if err != nil {
		return nil, err
	}
	target := SearchURL + url.QueryEscape(strings.TrimSpace(query))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx, target); err != nil {
		return nil, err
	}
	return result.Text{Text: fmt.Sprintf("Searched for '%s': %s", strings.TrimSpace(query), target)}, nil
}

func (c *Connector) scrapeElement(ctx context.Context, p connector.Params) (result.Result, error) {
	target, err := pageURL(p)
	if err != nil {
		return nil, err
	}
	selector, err := p.String("selector")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx, target); err != nil {
		return nil, err
	}

	quoted, _ := json.Marshal(selector)
	fn := fmt.Sprintf("() => { const el = document.querySelector(%s); return el ? el.innerText.trim() : null; }", quoted)
	res, err := c.callTool(ctx, ActionScrapeElement, ToolEvaluate, map[string]interface{}{"function": fn})
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s' on %s: %w", selector, target, err)
	}

	text := evaluated(res.Text())
	if text == "" || text == "null" {
		return nil, connector.Permanent(fmt.Errorf("element with selector '%s' not found on %s", selector, target))
	}
	return result.Text{Text: text}, nil
}

func (c *Connector) getLinks(ctx context.Context, p connector.Params) (result.Result, error) {
	target, err := pageURL(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx, target); err != nil {
		return nil, err
	}

	fn := "() => [...new Set(Array.from(document.querySelectorAll('a[href]'), a => a.href))]"
	res, err := c.callTool(ctx, ActionGetLinks, ToolEvaluate, map[string]interface{}{"function": fn})
	if err != nil {
		return nil, fmt.Errorf("failed to list links on %s: %w", target, err)
	}

	links := gjson.Parse(evaluatedJSON(res.Text())).Array()
	if len(links) == 0 {
		return result.Text{Text: "No links found on " + target + "."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d links on %s:", len(links), target)
	for _, l := range links {
		b.WriteString("\n- ")
		b.WriteString(l.String())
	}
	return result.Text{Text: b.String()}, nil
}

func pageURL(p connector.Params) (string, error) {
	raw, err := p.String("url")
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", connector.Permanent(fmt.Errorf("invalid url '%s'", raw))
	}
	return raw, nil
}

// evaluated unwraps the value returned by an evaluate tool. Playwright
// replies with the JSON value, sometimes after a markdown heading.
func evaluated(text string) string {
	v := evaluatedJSON(text)
	r := gjson.Parse(v)
	if r.Type == gjson.String {
		return strings.TrimSpace(r.String())
	}
	return strings.TrimSpace(v)
}

func evaluatedJSON(text string) string {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) {
		return text
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && gjson.Valid(line) {
			return line
		}
	}
	return text
}
