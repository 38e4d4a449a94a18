// Package cli implements modctl, the terminal front-end to the moderation
// core. Commands run the core in-process against the configured model and
// audit store.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/triage-ai/palisade/moderation/internal/app"
	"github.com/triage-ai/palisade/moderation/internal/config"
	"go.uber.org/zap"
)

// CLI holds state shared by all commands of one invocation.
type CLI struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	jsonOut bool
}

// NewRootCmd builds the modctl command tree.
func NewRootCmd() *cobra.Command {
	c := &CLI{v: config.New()}

	root := &cobra.Command{
		Use:   "modctl",
		Short: "Moderate text from the terminal",
		Long: `modctl runs the moderation core in-process: classify text, inspect the
audit log, record feedback, benchmark the model and manage API keys.

Configuration hierarchy (highest to lowest priority):
  1. CLI flags
  2. Environment variables (MODERATION_*, CLICKHOUSE_DSN)
  3. Config file (--config or MODERATION_CONFIG)
  4. Defaults`,
		Version:       app.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "YAML config file (env MODERATION_CONFIG)")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")
	pf.BoolVar(&c.jsonOut, "json", false, "print JSON instead of text")
	pf.String("model-path", "", "model artifact file, directory, s3:// or grpc:// location")
	pf.String("db-dsn", "", "audit store DSN (sqlite://path or postgres://...)")
	_ = c.v.BindPFlag("model_path", pf.Lookup("model-path"))
	_ = c.v.BindPFlag("db_dsn", pf.Lookup("db-dsn"))

	root.AddCommand(
		c.predictCmd(),
		c.batchCmd(),
		c.explainCmd(),
		c.benchCmd(),
		c.statsCmd(),
		c.historyCmd(),
		c.feedbackCmd(),
		c.migrateCmd(),
		c.keysCmd(),
		c.configCmd(),
		c.versionCmd(),
	)
	return root
}

// Execute runs modctl with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func (c *CLI) loadConfig() (*config.Config, error) {
	path := c.cfgFile
	if path == "" {
		path = os.Getenv("MODERATION_CONFIG")
	}
	return config.Load(c.v, path)
}

func (c *CLI) logger() *zap.Logger {
	if !c.verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openCore loads config and builds the core. Decision events are not
// published from the CLI.
func (c *CLI) openCore(cmd *cobra.Command) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	core, err := app.New(cmd.Context(), cfg, c.logger(), app.Options{})
	if err != nil {
		return nil, err
	}
	return core, nil
}

func (c *CLI) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modctl %s\n", app.Version)
		},
	}
}
