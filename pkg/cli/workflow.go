package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

// NewWorkflowCommand creates the workflow management command
func NewWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"workflows", "wf"},
		Short:   "Manage stored workflows",
		Long: `Inspect and edit the workflow collection in workflows.json.

These commands work on the file directly. Stop a running agent before
changing workflows here, or the agent's next write will overwrite your edit.`,
	}

	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowShowCommand())
	cmd.AddCommand(newWorkflowValidateCommand())
	cmd.AddCommand(newWorkflowDeleteCommand())
	cmd.AddCommand(newWorkflowExportCommand())
	cmd.AddCommand(newWorkflowImportCommand())
	cmd.AddCommand(newWorkflowInitCommand())

	return cmd
}

// openStore loads the workflow collection of the current config directory.
func openStore() (*workflow.Store, error) {
	return workflow.NewStore(storage.NewWorkflowFile(GlobalConfig.agent.WorkflowsPath()),
		workflow.WithLogger(GlobalConfig.logger))
}

func newWorkflowListCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			workflows := store.List()

			if outputFormat == "json" {
				if workflows == nil {
					workflows = []workflow.Workflow{}
				}
				data, err := json.MarshalIndent(workflows, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if len(workflows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No workflows stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tTARGET\tENABLED")
			for _, wf := range workflows {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s.%s\t%t\n",
					wf.ID, wf.Name, describeTrigger(wf.Trigger), wf.TargetConnector, wf.Action.Type, wf.IsEnabled)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format (json or text)")

	return cmd
}

func newWorkflowShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show one workflow and its next scheduled fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			wf, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("workflow not found: %s", args[0])
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "ID: %s\n", wf.ID)
			_, _ = fmt.Fprintf(out, "Name: %s\n", wf.Name)
			_, _ = fmt.Fprintf(out, "Enabled: %t\n", wf.IsEnabled)
			_, _ = fmt.Fprintf(out, "Trigger: %s\n", describeTrigger(wf.Trigger))
			_, _ = fmt.Fprintf(out, "Target: %s.%s\n", wf.TargetConnector, wf.Action.Type)
			if len(wf.Action.Params) > 0 {
				params, err := json.Marshal(wf.Action.Params)
				if err != nil {
					return fmt.Errorf("failed to marshal params: %w", err)
				}
				_, _ = fmt.Fprintf(out, "Params: %s\n", params)
			}

			next, err := nextFires(wf.Trigger, time.Now(), 3)
			if err != nil {
				_, _ = fmt.Fprintf(out, "Schedule: %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintln(out, "Next fires:")
			for _, t := range next {
				_, _ = fmt.Fprintf(out, "  %s\n", t.Format("2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
}

func newWorkflowValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML or JSON workflow file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			workflows, err := decodeWorkflows(data)
			if err != nil {
				return err
			}
			for _, wf := range workflows {
				note := ""
				if _, err := wf.Trigger.Schedule(); err != nil {
					note = fmt.Sprintf(" (will not fire: %v)", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s%s\n", wf.Name, note)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d workflow(s) valid\n", len(workflows))
			return nil
		},
	}
}

func newWorkflowDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Workflow '%s' deleted\n", args[0])
			return nil
		},
	}
}

// describeTrigger is a one-line trigger summary.
func describeTrigger(t workflow.Trigger) string {
	switch {
	case t.Cron != nil:
		return "cron " + t.Cron.Expression
	case t.Semantic != nil:
		return "semantic " + t.Semantic.Condition
	}
	return string(t.Type)
}

// nextFires lists the next n minutes after from at which t fires.
func nextFires(t workflow.Trigger, from time.Time, n int) ([]time.Time, error) {
	sched, err := t.Schedule()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		out = append(out, next)
	}
	return out, nil
}

// exportDocument is the file layout of export and import.
type exportDocument struct {
	Workflows []interface{} `yaml:"workflows"`
}

// encodeWorkflows renders workflows as YAML. The workflows pass through
// their JSON form so the field names match the wire protocol.
func encodeWorkflows(workflows []workflow.Workflow) ([]byte, error) {
	raw, err := json.Marshal(workflows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflows: %w", err)
	}
	var doc exportDocument
	if err := yaml.Unmarshal(raw, &doc.Workflows); err != nil {
		return nil, fmt.Errorf("failed to convert workflows: %w", err)
	}
	if doc.Workflows == nil {
		doc.Workflows = []interface{}{}
	}
	return yaml.Marshal(doc)
}

// decodeWorkflows reads a YAML or JSON document holding either a
// "workflows" list, a bare list or one workflow. Every entry is checked the
// same way a create command is.
func decodeWorkflows(data []byte) ([]workflow.Workflow, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	var entries []interface{}
	switch v := doc.(type) {
	case map[string]interface{}:
		if list, ok := v["workflows"]; ok {
			items, ok := list.([]interface{})
			if !ok {
				return nil, fmt.Errorf("'workflows' must be a list")
			}
			entries = items
		} else {
			entries = []interface{}{v}
		}
	case []interface{}:
		entries = v
	case nil:
		return nil, fmt.Errorf("empty workflow file")
	default:
		return nil, fmt.Errorf("workflow file must hold a mapping or a list")
	}

	out := make([]workflow.Workflow, 0, len(entries))
	var problems []string
	for i, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			problems = append(problems, fmt.Sprintf("workflow %d: %v", i+1, err))
			continue
		}
		wf, err := workflow.DecodeNew(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("workflow %d: %v", i+1, err))
			continue
		}
		out = append(out, wf)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid workflow file:\n  %s", strings.Join(problems, "\n  "))
	}
	return out, nil
}
