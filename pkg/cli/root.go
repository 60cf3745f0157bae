package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/pkg/config"
)

const (
	// Version is the current version of flowagent
	Version = "1.0.0"
)

// Config holds the global configuration for the CLI
type Config struct {
	ConfigDir string
	Debug     bool

	agent  *config.Config
	logger *logrus.Logger
}

// GlobalConfig is the shared configuration instance
var GlobalConfig = &Config{}

// NewRootCommand creates the root cobra command for flowagent
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowagent",
		Short: "flowagent - line-protocol automation agent",
		Long: `flowagent reads commands from stdin, one per line, and answers each with one
JSON line on stdout. It stores cron-triggered workflows, fires them on schedule
against its connectors (browser, Gmail, text generation, file system and any
MCP server in servers.yaml) and keeps a history of every scheduled run.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(cmd); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}

	// Persistent flags (available to all subcommands)
	cmd.PersistentFlags().BoolVar(&GlobalConfig.Debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&GlobalConfig.ConfigDir, "config-dir", "", "Configuration directory (default: ~/.flowagent)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewWorkflowCommand())
	cmd.AddCommand(NewServerCommand())
	cmd.AddCommand(NewCredentialCommand())
	cmd.AddCommand(NewRunsCommand())
	cmd.AddCommand(NewSettingsCommand())

	return cmd
}

// initConfig resolves the configuration directory, writes a default
// config.yaml on first use and builds the stderr logger.
func initConfig(cmd *cobra.Command) error {
	dir, err := config.ResolveDir(GlobalConfig.ConfigDir)
	if err != nil {
		return err
	}
	GlobalConfig.ConfigDir = dir

	if err := config.Init(dir); err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if GlobalConfig.Debug {
		level = "debug"
	}
	logger, err := log.New(level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	GlobalConfig.agent = cfg
	GlobalConfig.logger = logger
	return nil
}

// GetConfigDir returns the resolved configuration directory.
func GetConfigDir() string {
	return GlobalConfig.ConfigDir
}

// GetServersConfigPath returns the path to the servers configuration file
func GetServersConfigPath() string {
	return GlobalConfig.agent.ServersPath()
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
