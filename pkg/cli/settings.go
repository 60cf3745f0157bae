package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/pkg/settings"
)

// NewSettingsCommand creates the settings command
func NewSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change agent settings",
		Long: `Read and change the settings served by "get settings" and "update setting".
Stop a running agent first; it does not reload settings.json.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print all settings or one value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := settings.Open(GlobalConfig.agent.SettingsPath(), GlobalConfig.logger)
			if err != nil {
				return err
			}
			var v interface{} = prefs.All()
			if len(args) == 1 {
				value, ok := prefs.Get(args[0])
				if !ok {
					return fmt.Errorf("setting not found: %s", args[0])
				}
				v = value
			}
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Long: `Change one setting. The value is read as JSON when it parses (true, 14,
"dark") and as a plain string otherwise.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := settings.Open(GlobalConfig.agent.SettingsPath(), GlobalConfig.logger)
			if err != nil {
				return err
			}
			var value interface{}
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				value = args[1]
			}
			if err := prefs.Update(args[0], value); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Setting '%s' updated\n", args[0])
			return nil
		},
	})

	return cmd
}
