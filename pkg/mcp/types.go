// Package mcp is a minimal Model Context Protocol client over stdio. It is
// enough to drive tool servers such as a headless browser.
package mcp

import (
	"context"
	"strings"
)

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// Client talks to one MCP server.
type Client interface {
	// Connect starts the server and completes the handshake.
	Connect(ctx context.Context) error

	// Close stops the server. It is safe to call more than once.
	Close() error

	// IsConnected reports whether the server is running and usable.
	IsConnected() bool

	// ListTools returns the tools the server offers.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)

	// Ping checks the server is responsive.
	Ping(ctx context.Context) error
}

// Tool is one entry of a tools/list reply.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Content is one block of a tools/call reply.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the decoded result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ServerConfig describes how to launch a server and which tool serves each
// connector action.
type ServerConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Actions     map[string]string `yaml:"actions,omitempty"`
}
