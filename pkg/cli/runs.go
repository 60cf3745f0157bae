package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/pkg/storage"
)

// RunsListFlags holds the flags for the runs command
type RunsListFlags struct {
	Limit    int
	Offset   int
	Workflow string
	Status   string
	Since    string
	JSON     bool
}

// NewRunsCommand creates the run history command
func NewRunsCommand() *cobra.Command {
	flags := &RunsListFlags{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List scheduled run history",
		Long: `List the scheduled fires recorded by the agent, newest first.

Examples:
  flowagent runs
  flowagent runs --workflow 4f1c... --status failed --since 7d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "Maximum number of runs to display")
	cmd.Flags().IntVar(&flags.Offset, "offset", 0, "Number of runs to skip")
	cmd.Flags().StringVar(&flags.Workflow, "workflow", "", "Filter by workflow id")
	cmd.Flags().StringVar(&flags.Status, "status", "", "Filter by status (succeeded, failed)")
	cmd.Flags().StringVar(&flags.Since, "since", "", "Filter by date (e.g., 7d, 24h, 2025-01-05)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output runs as JSON")

	return cmd
}

func runRunsList(cmd *cobra.Command, flags *RunsListFlags) error {
	opts := storage.RunListOptions{
		WorkflowID: flags.Workflow,
		Limit:      flags.Limit,
		Offset:     flags.Offset,
	}
	switch storage.RunStatus(flags.Status) {
	case "":
	case storage.RunSucceeded, storage.RunFailed:
		opts.Status = storage.RunStatus(flags.Status)
	default:
		return fmt.Errorf("invalid status: %s (valid: succeeded, failed)", flags.Status)
	}
	if flags.Since != "" {
		since, err := parseSinceFlag(flags.Since, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		opts.Since = since
	}

	history, err := storage.OpenRunHistory(GlobalConfig.agent.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer func() { _ = history.Close() }()

	runs, total, err := history.ListRuns(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.JSON {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(data))
		return nil
	}

	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCHEDULED\tWORKFLOW\tTARGET\tSTATUS\tDURATION\tDETAIL")
	for _, run := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s.%s\t%s\t%s\t%s\n",
			run.ScheduledFor.Local().Format("2006-01-02 15:04"),
			truncateString(run.WorkflowName, 24),
			run.Connector, run.Action,
			run.Status,
			run.Duration().Round(time.Millisecond),
			truncateString(strings.ReplaceAll(run.Detail, "\n", " "), 48))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if total > len(runs) {
		_, _ = fmt.Fprintf(out, "\nShowing %d-%d of %d total runs\n", flags.Offset+1, flags.Offset+len(runs), total)
	}
	return nil
}

// parseSinceFlag accepts "7d", "24h" or a date relative to now.
func parseSinceFlag(since string, now time.Time) (time.Time, error) {
	if strings.HasSuffix(since, "d") {
		var d int
		if _, err := fmt.Sscanf(since[:len(since)-1], "%d", &d); err == nil {
			return now.AddDate(0, 0, -d), nil
		}
	}
	if strings.HasSuffix(since, "h") {
		var h int
		if _, err := fmt.Sscanf(since[:len(since)-1], "%d", &h); err == nil {
			return now.Add(-time.Duration(h) * time.Hour), nil
		}
	}

	layouts := []string{
		"2006-01-02",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, since, now.Location()); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date format (use: 7d, 24h, or 2025-01-05)")
}

func truncateString(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
