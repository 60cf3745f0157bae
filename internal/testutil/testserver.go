// Package testutil holds an in-process fake MCP server. Test binaries
// re-execute themselves with FakeMCPEnv set and call ServeFakeMCP from
// TestMain, so no external server is needed.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/flowagent/pkg/mcp"
)

// FakeMCPEnv is the environment variable that switches a test binary into
// fake-server mode.
const FakeMCPEnv = "FLOWAGENT_FAKE_MCP"

// FakeMCPServerConfig returns a server config that launches the current test
// binary as the fake server.
func FakeMCPServerConfig(id string) mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:      id,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{FakeMCPEnv: "1"},
	}
}

// MaybeServeFakeMCP serves and exits when the process was launched by
// FakeMCPServerConfig. Call it first thing in TestMain.
func MaybeServeFakeMCP() {
	if os.Getenv(FakeMCPEnv) != "1" {
		return
	}
	if err := ServeFakeMCP(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fake mcp server: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

type request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// ServeFakeMCP answers MCP requests from in until it closes. It offers a
// small browser-like tool set:
//
//	browser_navigate  {url}       "Navigated to <url>"
//	browser_evaluate  {function}  "\"text of <selector>\"", a link list for
//	                              "a[href]", isError for "#missing"
//	echo              {message}   the message
//	failing_tool                  JSON-RPC error
//	slow              {ms}        sleeps, then "done"
func ServeFakeMCP(in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{-32700, "parse error"}})
			continue
		}
		if req.ID == nil {
			continue
		}

		resp := response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]interface{}{
				"protocolVersion": mcp.ProtocolVersion,
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": "fake-browser", "version": "0.0.1"},
			}
		case "ping":
			resp.Result = map[string]interface{}{}
		case "tools/list":
			resp.Result = map[string]interface{}{"tools": fakeTools()}
		case "tools/call":
			resp.Result, resp.Error = callFakeTool(req.Params)
		default:
			resp.Error = &rpcError{-32601, "method not found: " + req.Method}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func fakeTools() []mcp.Tool {
	obj := func(props ...string) map[string]interface{} {
		p := map[string]interface{}{}
		for _, name := range props {
			p[name] = map[string]interface{}{"type": "string"}
		}
		return map[string]interface{}{"type": "object", "properties": p}
	}
	return []mcp.Tool{
		{Name: "browser_navigate", Description: "Navigate to a URL", InputSchema: obj("url")},
		{Name: "browser_evaluate", Description: "Evaluate JavaScript on the page", InputSchema: obj("function")},
		{Name: "echo", Description: "Echo a message", InputSchema: obj("message")},
		{Name: "failing_tool", Description: "Always fails", InputSchema: obj()},
		{Name: "slow", Description: "Sleeps for ms milliseconds", InputSchema: obj("ms")},
	}
}

func text(s string, isError bool) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": s}},
		"isError": isError,
	}
}

func callFakeTool(raw json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{-32602, "invalid params"}
	}
	str := func(k string) string { s, _ := p.Arguments[k].(string); return s }

	switch p.Name {
	case "browser_navigate":
		u := str("url")
		if u == "" {
			return text("url is required", true), nil
		}
		return text("Navigated to "+u, false), nil
	case "browser_evaluate":
		fn := str("function")
		if strings.Contains(fn, "#missing") {
			return text("Error: element not found", true), nil
		}
		if strings.Contains(fn, "a[href]") {
			return text(`["http://a.test/","http://b.test/"]`, false), nil
		}
		sel := between(fn, "querySelector(", ")")
		return text(fmt.Sprintf("%q", "text of "+strings.Trim(sel, "\"'`")), false), nil
	case "echo":
		return text(str("message"), false), nil
	case "failing_tool":
		return nil, &rpcError{-32603, "tool execution failed"}
	case "slow":
		ms, _ := strconv.ParseFloat(str("ms"), 64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return text("done", false), nil
	}
	return nil, &rpcError{-32602, "unknown tool: " + p.Name}
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		return s[:j]
	}
	return s
}
