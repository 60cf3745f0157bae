package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// maxLineSize bounds a single server reply. Page snapshots can be large.
const maxLineSize = 16 * 1024 * 1024

// StdioClient runs an MCP server as a child process and exchanges
// newline-delimited JSON-RPC messages over its stdin and stdout.
type StdioClient struct {
	config ServerConfig
	log    logrus.FieldLogger

	mu      sync.Mutex
	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closed  bool
	pending map[string]chan *Response
	done    chan struct{}
	nextID  uint64
}

// StdioOption configures a StdioClient.
type StdioOption func(*StdioClient)

// WithClientLogger sets where server stderr and protocol noise are logged.
func WithClientLogger(l logrus.FieldLogger) StdioOption {
	return func(c *StdioClient) { c.log = l }
}

// NewStdioClient returns an unconnected client for config.
func NewStdioClient(config ServerConfig, opts ...StdioOption) (*StdioClient, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	c := &StdioClient{
		config:  config,
		log:     logrus.StandardLogger(),
		pending: make(map[string]chan *Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("mcp_server", config.ID)
	return c, nil
}

// Connect starts the process and performs the initialize handshake. The
// process outlives ctx; only the handshake is bounded by it.
func (c *StdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}

	cmd := exec.Command(c.config.Command, c.config.Args...)
	if len(c.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", c.config.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.closed = false
	c.done = make(chan struct{})
	go c.readResponses(stdout, c.done)
	go c.drainStderr(stderr)
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	c.log.Debug("mcp server connected")
	return nil
}

func (c *StdioClient) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "flowagent",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized")
}

func (c *StdioClient) notify(method string) error {
	req, err := newRequest("", method, nil)
	if err != nil {
		return err
	}
	return c.send(req)
}

func (c *StdioClient) send(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("client is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	return nil
}

// call sends a request and waits for its reply. An RPC error is returned as
// an error.
func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed || c.cmd == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *StdioClient) readResponses(stdout io.Reader, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.closed = true
		c.mu.Unlock()
		close(done)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.WithError(err).Debug("ignoring non-JSON line from mcp server")
			continue
		}
		if resp.ID == nil {
			// Server notification.
			continue
		}

		c.mu.Lock()
		if ch, ok := c.pending[responseKey(resp.ID)]; ok {
			ch <- &resp
		}
		c.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		c.log.WithError(err).Debug("mcp server output ended")
	}
}

func (c *StdioClient) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug(scanner.Text())
	}
}

// Close stops the server process.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	cmd, stdin, done := c.cmd, c.stdin, c.done
	c.cmd, c.stdin = nil, nil
	c.closed = true
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
	if done != nil {
		<-done
	}
	return nil
}

// IsConnected reports whether the process is running and its output is
// still open.
func (c *StdioClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && !c.closed
}

// ListTools calls tools/list.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list response: %w", err)
	}
	return out.Tools, nil
}

// CallTool calls tools/call. A reply flagged isError is returned as an
// error carrying the reply text.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call response: %w", err)
	}
	if res.IsError {
		return &res, fmt.Errorf("%s: %s", name, res.Text())
	}
	return &res, nil
}

// Ping calls ping with a short deadline.
func (c *StdioClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, "ping", map[string]interface{}{})
	return err
}
