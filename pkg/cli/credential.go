package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/validation"
)

const maxCredentialSize = 1 << 20 // 1MB limit for all credential inputs

// isOnlyWhitespace checks if a byte slice contains only Unicode whitespace characters
// without allocating strings. Returns true if empty or whitespace-only.
func isOnlyWhitespace(data []byte) bool {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if !unicode.IsSpace(r) {
			return false
		}
		i += size
	}
	return true
}

// NewCredentialCommand creates the credential management command
func NewCredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage connector credentials",
		Long: `Manage connector secrets in the system keyring.

Credentials are stored as "<namespace>:<key>" in your system's native credential
store (Keychain on macOS, Credential Manager on Windows, Secret Service on
Linux) and never in plain text files. The built-in connectors read:

  gmail:client_id, gmail:client_secret, gmail:refresh_token   GMAIL
  llm:api_key                                                 TEXT_GENERATION`,
	}

	cmd.AddCommand(newCredentialAddCommand())
	cmd.AddCommand(newCredentialListCommand())
	cmd.AddCommand(newCredentialDeleteCommand())

	return cmd
}

// credentialKey joins namespace and key after checking both.
func credentialKey(namespace, key string) (string, error) {
	if !validation.IsIdentifier(namespace) {
		return "", fmt.Errorf("invalid namespace: %s (must contain only letters, numbers, dashes, and underscores)", namespace)
	}
	if key == "" {
		return "", fmt.Errorf("credential key is required (use --key flag)")
	}
	if strings.Contains(key, ":") {
		return "", fmt.Errorf("credential key cannot contain ':'")
	}
	return namespace + ":" + key, nil
}

// newCredentialAddCommand creates the credential add subcommand
func newCredentialAddCommand() *cobra.Command {
	var (
		key      string
		value    string
		useStdin bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "add <namespace>",
		Short: "Add a credential",
		Long: `Add a credential to the system keyring.

Examples:
  # Interactive prompt (recommended for local use)
  flowagent credential add gmail --key refresh_token

  # From stdin (recommended for automation)
  printf '%s' "$OPENAI_API_KEY" | flowagent credential add llm --key api_key --stdin

  # In the command (NOT recommended - visible in shell history)
  flowagent credential add gmail --key client_id --value 1234.apps.googleusercontent.com

Note:
  - All input methods have a 1MB maximum credential size limit
  - --stdin reads until EOF; only trailing CR/LF characters are removed
  - Whitespace-only credentials are rejected`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fullKey, err := credentialKey(args[0], key)
			if err != nil {
				return err
			}

			credStore := newCredentialStore()

			if !force {
				if _, exists, err := storage.Lookup(credStore, fullKey); err != nil {
					return err
				} else if exists {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Warning: Credential '%s' already exists.\n", fullKey)
					_, _ = fmt.Fprint(cmd.OutOrStdout(), "Overwrite? [y/N]: ")

					response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
					response = strings.ToLower(strings.TrimSpace(response))
					if response != "y" && response != "yes" {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
						return nil
					}
				}
			}

			var credValue string
			switch {
			case useStdin:
				inputBytes, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxCredentialSize+1))
				defer func() {
					for i := range inputBytes {
						inputBytes[i] = 0
					}
				}()
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
				if len(inputBytes) > maxCredentialSize {
					return fmt.Errorf("credential value exceeds maximum size of %d bytes", maxCredentialSize)
				}
				trimmed := bytes.TrimRight(inputBytes, "\r\n")
				if len(trimmed) == 0 {
					return fmt.Errorf("credential value cannot be empty")
				}
				if isOnlyWhitespace(trimmed) {
					return fmt.Errorf("credential cannot contain only whitespace characters")
				}
				credValue = string(trimmed)

			case value != "":
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: Using --value flag exposes credential in shell history.")
				if len(value) > maxCredentialSize {
					return fmt.Errorf("credential value exceeds maximum size of %d bytes", maxCredentialSize)
				}
				if strings.TrimSpace(value) == "" {
					return fmt.Errorf("credential cannot contain only whitespace characters")
				}
				credValue = value

			default:
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Enter value for '%s': ", fullKey)
				passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				_, _ = fmt.Fprintln(cmd.OutOrStdout())
				defer func() {
					for i := range passwordBytes {
						passwordBytes[i] = 0
					}
				}()
				if err != nil {
					return fmt.Errorf("failed to read credential value: %w", err)
				}
				if len(passwordBytes) > maxCredentialSize {
					return fmt.Errorf("credential value exceeds maximum size of %d bytes", maxCredentialSize)
				}
				if len(passwordBytes) == 0 {
					return fmt.Errorf("credential value cannot be empty")
				}
				if isOnlyWhitespace(passwordBytes) {
					return fmt.Errorf("credential cannot contain only whitespace characters")
				}
				credValue = string(passwordBytes)
			}

			if err := credStore.Set(fullKey, credValue); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential '%s' stored\n", fullKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Credential key name (required, e.g. 'refresh_token', 'api_key')")
	cmd.Flags().StringVarP(&value, "value", "v", "", "Credential value (optional - will prompt securely if omitted)")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "Read credential value from stdin")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing credential without asking")
	_ = cmd.MarkFlagRequired("key")
	cmd.MarkFlagsMutuallyExclusive("stdin", "value")

	return cmd
}

// newCredentialListCommand creates the credential list subcommand
func newCredentialListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [namespace]",
		Short: "List stored credential names",
		Long:  `List stored credential names, optionally for one namespace. Values are never shown.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) > 0 {
				filter = args[0]
			}

			keys, err := newCredentialStore().List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			shown := 0
			for _, fullKey := range keys {
				namespace, name, ok := strings.Cut(fullKey, ":")
				if !ok || (filter != "" && namespace != filter) {
					continue
				}
				if shown == 0 {
					_, _ = fmt.Fprintln(w, "NAMESPACE\tKEY\tSTATUS")
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t(set)\n", namespace, name)
				shown++
			}
			if shown == 0 {
				if filter != "" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No credentials stored for '%s'.\n", filter)
				} else {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No credentials stored.")
				}
				return nil
			}
			return w.Flush()
		},
	}
}

// newCredentialDeleteCommand creates the credential delete subcommand
func newCredentialDeleteCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "delete <namespace>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fullKey, err := credentialKey(args[0], key)
			if err != nil {
				return err
			}
			if err := newCredentialStore().Delete(fullKey); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential '%s' deleted\n", fullKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Credential key name (required)")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
