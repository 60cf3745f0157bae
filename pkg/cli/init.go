package cli

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/pkg/connector/browser"
	"github.com/dshills/flowagent/pkg/connector/filesystem"
	"github.com/dshills/flowagent/pkg/connector/gmail"
	"github.com/dshills/flowagent/pkg/connector/textgen"
	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

// WorkflowTemplate names a starter workflow.
type WorkflowTemplate string

const (
	TemplateNavigate WorkflowTemplate = "navigate"
	TemplateEmails   WorkflowTemplate = "emails"
	TemplateSummary  WorkflowTemplate = "summary"
	TemplateNote     WorkflowTemplate = "note"
)

var workflowNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// isValidWorkflowName validates a template file name.
func isValidWorkflowName(name string) bool {
	return workflowNamePattern.MatchString(name)
}

// templates builds each starter workflow, disabled so importing it never
// fires anything by surprise.
var templates = map[WorkflowTemplate]func(name string) workflow.Workflow{
	TemplateNavigate: func(name string) workflow.Workflow {
		return workflow.Workflow{
			Name:            name,
			Trigger:         workflow.NewCronTrigger("0 9 * * 1-5"),
			TargetConnector: browser.Name,
			Action: workflow.Action{
				Type:   browser.ActionNavigate,
				Params: map[string]interface{}{"url": "https://example.com"},
			},
		}
	},
	TemplateEmails: func(name string) workflow.Workflow {
		return workflow.Workflow{
			Name:            name,
			Trigger:         workflow.NewCronTrigger("*/30 8-18 * * *"),
			TargetConnector: gmail.Name,
			Action: workflow.Action{
				Type:   gmail.ActionListEmails,
				Params: map[string]interface{}{"count": gmail.DefaultCount},
			},
		}
	},
	TemplateSummary: func(name string) workflow.Workflow {
		return workflow.Workflow{
			Name:            name,
			Trigger:         workflow.NewCronTrigger("0 17 * * 5"),
			TargetConnector: textgen.Name,
			Action: workflow.Action{
				Type:   textgen.ActionGenerateText,
				Params: map[string]interface{}{"prompt": "Write a short weekly status update."},
			},
		}
	},
	TemplateNote: func(name string) workflow.Workflow {
		return workflow.Workflow{
			Name:            name,
			Trigger:         workflow.NewCronTrigger("0 8 * * *"),
			TargetConnector: filesystem.Name,
			Action: workflow.Action{
				Type: filesystem.ActionWriteFile,
				Params: map[string]interface{}{
					"path":    "notes/daily.md",
					"content": "# Today\n",
				},
			},
		}
	},
}

func templateNames() []string {
	names := make([]string, 0, len(templates))
	for t := range templates {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// newWorkflowInitCommand creates the workflow init subcommand
func newWorkflowInitCommand() *cobra.Command {
	var (
		template   string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "init <workflow-name>",
		Short: "Write a starter workflow file",
		Long: `Write a starter workflow to <workflow-name>.yaml for editing and import.
The workflow starts disabled; set is_enabled to true before importing.

Templates: ` + strings.Join(templateNames(), ", ") + `

Examples:
  flowagent workflow init morning-news --template navigate
  flowagent workflow init inbox --template emails -o inbox.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !isValidWorkflowName(name) {
				return fmt.Errorf("invalid workflow name: %s\n\nWorkflow names must:\n  - Start with a letter\n  - Contain only letters, numbers, hyphens, and underscores\n  - Be between 1 and 64 characters", name)
			}
			build, ok := templates[WorkflowTemplate(template)]
			if !ok {
				return fmt.Errorf("unknown template: %s (available: %s)", template, strings.Join(templateNames(), ", "))
			}

			if outputPath == "" {
				outputPath = name + ".yaml"
			}
			if _, err := os.Stat(outputPath); err == nil {
				return fmt.Errorf("file already exists: %s", outputPath)
			}

			data, err := encodeWorkflows([]workflow.Workflow{build(name)})
			if err != nil {
				return err
			}
			if err := storage.WriteFileAtomic(outputPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write workflow file: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Workflow template written to: %s\n", outputPath)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  Import it with: flowagent workflow import %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", string(TemplateNavigate), "Starter template")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: <workflow-name>.yaml)")

	return cmd
}
