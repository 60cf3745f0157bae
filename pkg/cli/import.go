package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newWorkflowImportCommand creates the workflow import subcommand
func newWorkflowImportCommand() *cobra.Command {
	var keepIDs bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import workflows from a YAML or JSON file",
		Long: `Import workflows from a file written by 'flowagent workflow export', a bare
list of workflows or a single workflow.

Every workflow is checked before any is stored; one bad entry rejects the
whole file. Imported workflows get fresh ids unless --keep-ids is set.

Examples:
  flowagent workflow import morning.yaml
  flowagent workflow import backup.yaml --keep-ids`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("workflow file not found: %s", args[0])
			}
			workflows, err := decodeWorkflows(data)
			if err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}

			imported := 0
			for _, wf := range workflows {
				if !keepIDs {
					wf.ID = ""
				}
				created, err := store.Create(wf)
				if err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", wf.Name, err)
					continue
				}
				imported++
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported '%s' as %s\n", created.Name, created.ID)
			}

			if imported < len(workflows) {
				return fmt.Errorf("imported %d of %d workflows", imported, len(workflows))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepIDs, "keep-ids", false, "Keep the ids in the file instead of assigning new ones")

	return cmd
}
