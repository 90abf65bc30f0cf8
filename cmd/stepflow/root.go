package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/stepflow/internal/config"
	"github.com/dshills/stepflow/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	driver     string
	dsn        string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	a := &app{}

	cmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "Workflow execution engine with a cron trigger loop",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			if opts.driver != "" {
				cfg.Database.Driver = opts.driver
			}
			if opts.dsn != "" {
				cfg.Database.DSN = opts.dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			// stdout belongs to command output (and to the MCP transport).
			a.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a stepflow.yaml config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.StringVar(&opts.driver, "driver", "", "override database.driver (memory, sqlite, mysql, postgres)")
	flags.StringVar(&opts.dsn, "dsn", "", "override database.dsn")

	cmd.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newValidateCmd(a),
		newCleanupCmd(a),
		newMCPCmd(a),
	)
	return cmd
}
