package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

// newWorkflowExportCommand creates the workflow export subcommand
func newWorkflowExportCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export [workflow-id...]",
		Short: "Export workflows to YAML",
		Long: `Export stored workflows to YAML, all of them or the ids given.

The output can be edited and loaded back with 'flowagent workflow import'.

Examples:
  # Export everything to stdout
  flowagent workflow export

  # Export two workflows to a file
  flowagent workflow export 4f1c... 9a2e... --output morning.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			var selected []workflow.Workflow
			if len(args) == 0 {
				selected = store.List()
			} else {
				for _, id := range args {
					wf, ok := store.Get(id)
					if !ok {
						return fmt.Errorf("workflow not found: %s", id)
					}
					selected = append(selected, wf)
				}
			}

			data, err := encodeWorkflows(selected)
			if err != nil {
				return fmt.Errorf("failed to export workflows: %w", err)
			}

			if outputPath != "" {
				if err := storage.WriteFileAtomic(outputPath, data, 0644); err != nil {
					return fmt.Errorf("failed to write output file: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %d workflow(s) exported to: %s\n", len(selected), outputPath)
				return nil
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: stdout)")

	return cmd
}
