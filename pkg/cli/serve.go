package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowagent/pkg/agent"
	"github.com/dshills/flowagent/pkg/config"
	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/connector/browser"
	"github.com/dshills/flowagent/pkg/connector/filesystem"
	"github.com/dshills/flowagent/pkg/connector/gmail"
	"github.com/dshills/flowagent/pkg/connector/mcptool"
	"github.com/dshills/flowagent/pkg/connector/textgen"
	"github.com/dshills/flowagent/pkg/mcp"
	"github.com/dshills/flowagent/pkg/metrics"
	"github.com/dshills/flowagent/pkg/protocol"
	"github.com/dshills/flowagent/pkg/scheduler"
	"github.com/dshills/flowagent/pkg/settings"
	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

// builtinConnectors cannot be shadowed by a servers.yaml entry.
var builtinConnectors = map[string]bool{
	gmail.Name:      true,
	textgen.Name:    true,
	filesystem.Name: true,
}

// newCredentialStore is replaced in tests.
var newCredentialStore = func() storage.CredentialStore {
	return storage.NewKeyringCredentialStore()
}

// ServeFlags holds the flags for the serve command
type ServeFlags struct {
	Format        string
	MetricsListen string
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	flags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent on stdin/stdout",
		Long: `Run the agent: read one command per line from stdin, write one JSON response
per line to stdout and fire enabled cron workflows in the background.
Logs go to stderr. The agent exits when stdin closes or on SIGINT/SIGTERM.

Examples:
  # Interactive
  flowagent serve

  # Tagged output and a Prometheus endpoint
  flowagent serve --format tagged --metrics-listen 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *GlobalConfig.agent
			if flags.Format != "" {
				cfg.Protocol.Format = flags.Format
			}
			if flags.MetricsListen != "" {
				cfg.Metrics.Listen = flags.MetricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, &cfg, cmd.InOrStdin(), cmd.OutOrStdout(), GlobalConfig.logger)
		},
	}

	cmd.Flags().StringVar(&flags.Format, "format", "", "Output format (legacy|tagged); overrides protocol.format")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address; overrides metrics.listen")

	return cmd
}

// runServe wires the store, connectors, scheduler and agent and serves in
// until it closes or ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *logrus.Logger) error {
	enc, err := protocol.NewEncoder(cfg.Protocol.Format)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store, err := workflow.NewStore(storage.NewWorkflowFile(cfg.WorkflowsPath()), workflow.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open workflows: %w", err)
	}
	prefs, err := settings.Open(cfg.SettingsPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}
	history, err := storage.OpenRunHistory(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.WithError(err).Warn("failed to close run history")
		}
	}()

	collector := metrics.NewCollector()
	registry := connector.NewRegistry(
		connector.WithLogger(logger),
		connector.WithObserver(collector),
		connector.WithDefaultTimeout(cfg.Connectors.Timeout),
		connector.WithMaxConcurrent(cfg.Connectors.MaxConcurrent),
		connector.WithDefaultRetry(connector.RetryPolicy{
			MaxAttempts:  cfg.Connectors.Retry.MaxAttempts,
			InitialDelay: cfg.Connectors.Retry.InitialDelay,
			MaxDelay:     cfg.Connectors.Retry.MaxDelay,
		}),
	)
	closers, err := registerConnectors(cfg, registry, prefs, newCredentialStore(), logger)
	defer func() {
		for _, c := range closers {
			if cerr := c.Close(); cerr != nil {
				logger.WithError(cerr).Warn("failed to stop MCP server")
			}
		}
	}()
	if err != nil {
		return err
	}

	writer := protocol.NewWriter(out, enc)
	sched := scheduler.New(store, registry,
		scheduler.WithTick(cfg.Scheduler.Tick),
		scheduler.WithMaxCatchUp(cfg.Scheduler.MaxCatchUp),
		scheduler.WithLocation(loc),
		scheduler.WithSink(writer),
		scheduler.WithHistory(history),
		scheduler.WithObserver(collector),
		scheduler.WithLogger(logger),
	)
	dispatcher := agent.NewDispatcher(store, registry, prefs,
		agent.WithLogger(logger),
		agent.WithObserver(collector),
	)
	a := agent.New(dispatcher, writer, agent.WithAgentLogger(logger))

	logger.WithFields(logrus.Fields{
		"config_dir": cfg.Dir,
		"format":     cfg.Protocol.Format,
		"workflows":  store.Len(),
	}).Info("agent started")

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return sched.Run(runCtx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			if err := collector.Serve(runCtx, cfg.Metrics.Listen, logger); err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.Serve(runCtx, in)
	})
	err = g.Wait()

	deadline := time.Now().Add(cfg.ShutdownGrace)
	if !a.Wait(cfg.ShutdownGrace) {
		logger.Warn("connector commands did not finish before shutdown")
	}
	if !sched.Wait(time.Until(deadline)) {
		logger.Warn("scheduled workflows did not finish before shutdown")
	}
	logger.Info("agent stopped")
	return err
}

// registerConnectors adds every connector to r. A servers.yaml entry with
// id "browser" replaces the default browser server; every other entry
// becomes a connector named after its id. The returned closers stop the MCP
// servers.
func registerConnectors(cfg *config.Config, r *connector.Registry, prefs *settings.Manager,
	creds storage.CredentialStore, logger *logrus.Logger) ([]io.Closer, error) {
	var closers []io.Closer

	servers, err := mcp.LoadServers(cfg.ServersPath())
	if err != nil {
		return closers, err
	}

	browserCfg := browser.DefaultServer()
	for _, s := range servers.Sorted() {
		if s.ID == browserCfg.ID {
			browserCfg = *s
			continue
		}
		if builtinConnectors[s.ConnectorName()] || s.ConnectorName() == browser.Name {
			logger.WithField("server", s.ID).Warn("server id collides with a built-in connector; skipping")
			continue
		}
		tool := mcptool.New(*s, mcptool.WithLogger(logger))
		tool.Register(r)
		closers = append(closers, tool)
	}

	b := browser.New(browserCfg, browser.WithLogger(logger))
	b.Register(r)
	closers = append(closers, b)

	gmail.New(gmail.Config{
		BaseURL:  cfg.Connectors.Gmail.BaseURL,
		TokenURL: cfg.Connectors.Gmail.TokenURL,
	}, creds, logger).Register(r)

	textgen.New(textgen.Config{
		Endpoint: cfg.Connectors.TextGen.Endpoint,
		Model:    cfg.Connectors.TextGen.Model,
	}, creds,
		textgen.WithLogger(logger),
		textgen.WithModelPreference(func() string { return prefs.String(settings.KeyLLMModelPreference) }),
	).Register(r)

	files, err := filesystem.New(cfg.FilesDir(), logger)
	if err != nil {
		return closers, err
	}
	files.Register(r)

	return closers, nil
}
