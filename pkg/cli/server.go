package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/pkg/mcp"
)

// serverTestTimeout bounds the handshake and tool listing of 'server test'.
const serverTestTimeout = 30 * time.Second

// NewServerCommand creates the server management command
func NewServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage MCP servers",
		Long: `Register, list, test, and remove the MCP servers in servers.yaml.

Each server becomes a connector named after its id, upper-cased, with one
action per --action mapping. The server with id "browser" replaces the
default Playwright server behind the BROWSER connector.`,
	}

	cmd.AddCommand(newServerAddCommand())
	cmd.AddCommand(newServerListCommand())
	cmd.AddCommand(newServerTestCommand())
	cmd.AddCommand(newServerRemoveCommand())
	cmd.AddCommand(newServerShowCommand())

	return cmd
}

// newServerAddCommand creates the server add subcommand
func newServerAddCommand() *cobra.Command {
	var (
		envVars     []string
		actions     []string
		name        string
		description string
		replace     bool
	)

	cmd := &cobra.Command{
		Use:   "add <server-id> <command> [args...]",
		Short: "Add a new MCP server",
		Long: `Register a new MCP server that workflows can target.

Examples:
  # Notes server exposing two connector actions
  flowagent server add notes node notes-server.js --action APPEND=append_note --action READ=read_notes

  # Replace the default browser server; "--" ends flowagent's own flags
  flowagent server add --replace browser -- npx @playwright/mcp@latest --headless

  # Add with environment variables
  flowagent server add api-server python api.py --env API_KEY=value --env DEBUG=true`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parsePairs(envVars, "environment variable")
			if err != nil {
				return err
			}
			actionMap, err := parsePairs(actions, "action")
			if err != nil {
				return err
			}
			upper := make(map[string]string, len(actionMap))
			for action, tool := range actionMap {
				upper[strings.ToUpper(action)] = tool
			}

			if name == "" {
				name = args[0]
			}
			server := &mcp.ServerConfig{
				ID:          args[0],
				Name:        name,
				Description: description,
				Command:     args[1],
				Args:        args[2:],
				Env:         env,
				Actions:     upper,
			}

			servers, err := mcp.LoadServers(GetServersConfigPath())
			if err != nil {
				return fmt.Errorf("failed to load servers config: %w", err)
			}
			if err := servers.Add(server, replace); err != nil {
				return err
			}
			if err := servers.Save(GetServersConfigPath()); err != nil {
				return fmt.Errorf("failed to save servers config: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Server '%s' added as connector %s\n", server.ID, server.ConnectorName())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&envVars, "env", []string{}, "Environment variables (KEY=VALUE)")
	cmd.Flags().StringArrayVar(&actions, "action", []string{}, "Connector action served by a tool (ACTION=tool_name)")
	cmd.Flags().StringVar(&name, "name", "", "Friendly name for the server")
	cmd.Flags().StringVar(&description, "description", "", "Description of the server")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace an existing server with the same id")

	return cmd
}

// newServerListCommand creates the server list subcommand
func newServerListCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := mcp.LoadServers(GetServersConfigPath())
			if err != nil {
				return fmt.Errorf("failed to load servers config: %w", err)
			}
			sorted := servers.Sorted()

			if outputFormat == "json" {
				out := make([]map[string]interface{}, 0, len(sorted))
				for _, s := range sorted {
					out = append(out, map[string]interface{}{
						"id":          s.ID,
						"name":        s.Name,
						"description": s.Description,
						"command":     s.Command,
						"args":        s.Args,
						"connector":   s.ConnectorName(),
						"actions":     s.Actions,
					})
				}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if len(sorted) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No servers registered.")
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "\nRegister a server with: flowagent server add <id> <command> [args...]")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tCONNECTOR\tCOMMAND\tACTIONS")
			for _, s := range sorted {
				cmdDisplay := s.Command
				if len(s.Args) > 0 {
					cmdDisplay += " " + strings.Join(s.Args, " ")
					if len(cmdDisplay) > 40 {
						cmdDisplay = cmdDisplay[:37] + "..."
					}
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.ConnectorName(), cmdDisplay, len(s.Actions))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format (json or text)")

	return cmd
}

// newServerTestCommand creates the server test subcommand
func newServerTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <server-id>",
		Short: "Test MCP server connection",
		Long: `Start an MCP server, complete the handshake and list its tools. Mapped
actions whose tool the server does not offer are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := findServer(args[0])
			if err != nil {
				return err
			}

			client, err := mcp.NewStdioClient(*server, mcp.WithClientLogger(GlobalConfig.logger))
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), serverTestTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Testing connection to '%s'...\n", server.ID)
			if err := client.Connect(ctx); err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "✗ Connection failed: %v\n", err)
				return err
			}
			tools, err := client.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}
			_, _ = fmt.Fprintln(out, "✓ Connection successful")

			offered := make(map[string]bool, len(tools))
			_, _ = fmt.Fprintf(out, "Tools (%d):\n", len(tools))
			for _, t := range tools {
				offered[t.Name] = true
				_, _ = fmt.Fprintf(out, "  - %s", t.Name)
				if t.Description != "" {
					_, _ = fmt.Fprintf(out, ": %s", t.Description)
				}
				_, _ = fmt.Fprintln(out)
			}

			var missing []string
			for _, action := range sortedKeys(server.Actions) {
				if !offered[server.Actions[action]] {
					missing = append(missing, fmt.Sprintf("%s -> %s", action, server.Actions[action]))
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("server does not offer mapped tools: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// newServerRemoveCommand creates the server remove subcommand
func newServerRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <server-id>",
		Short: "Remove an MCP server",
		Long:  `Unregister an MCP server. Workflows targeting its connector stay stored but fail when fired.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := mcp.LoadServers(GetServersConfigPath())
			if err != nil {
				return fmt.Errorf("failed to load servers config: %w", err)
			}
			if err := servers.Remove(args[0]); err != nil {
				return err
			}
			if err := servers.Save(GetServersConfigPath()); err != nil {
				return fmt.Errorf("failed to save servers config: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Server '%s' removed successfully\n", args[0])
			return nil
		},
	}
}

// newServerShowCommand creates the server show subcommand
func newServerShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <server-id>",
		Short: "Show detailed information about an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := findServer(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Server ID: %s\n", server.ID)
			_, _ = fmt.Fprintf(out, "Connector: %s\n", server.ConnectorName())
			if server.Name != "" {
				_, _ = fmt.Fprintf(out, "Name: %s\n", server.Name)
			}
			if server.Description != "" {
				_, _ = fmt.Fprintf(out, "Description: %s\n", server.Description)
			}
			_, _ = fmt.Fprintf(out, "Command: %s", server.Command)
			if len(server.Args) > 0 {
				_, _ = fmt.Fprintf(out, " %s", strings.Join(server.Args, " "))
			}
			_, _ = fmt.Fprintln(out)

			if len(server.Env) > 0 {
				_, _ = fmt.Fprintln(out, "Environment Variables:")
				for _, key := range sortedKeys(server.Env) {
					_, _ = fmt.Fprintf(out, "  %s=%s\n", key, server.Env[key])
				}
			}
			if len(server.Actions) > 0 {
				_, _ = fmt.Fprintln(out, "Actions:")
				for _, action := range sortedKeys(server.Actions) {
					_, _ = fmt.Fprintf(out, "  %s -> %s\n", action, server.Actions[action])
				}
			}
			return nil
		},
	}
}

func findServer(id string) (*mcp.ServerConfig, error) {
	servers, err := mcp.LoadServers(GetServersConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load servers config: %w", err)
	}
	server, ok := servers.Servers[id]
	if !ok {
		return nil, fmt.Errorf("server not found: %s", id)
	}
	return server, nil
}

// parsePairs splits KEY=VALUE flags.
func parsePairs(pairs []string, what string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid %s format: %s (expected KEY=VALUE)", what, pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
