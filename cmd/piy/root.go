package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/config"
	"github.com/piy-print/piy/internal/monitoring"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	logger  *zap.Logger
	restore func()
}

func (c *cli) log() *zap.SugaredLogger {
	if c.logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.logger.Sugar()
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "piy",
		Short: "Slice meshes and print them on a Moonraker printer",
		Long: `piy accepts STL meshes, slices them with PrusaSlicer, Slic3r or CuraEngine,
and either keeps the resulting G-code for download or uploads it to a
Moonraker print controller and starts the print.

Run "piy serve" for the HTTP service, or use "piy slice" and "piy print"
directly from the command line.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.teardown()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultConfigPath, "Path to YAML or JSON config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newSliceCmd(c))
	root.AddCommand(newPrintCmd(c))
	root.AddCommand(newVersionCmd())
	return root
}

// setup loads configuration and installs the process logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	c.cfg = cfg

	logger, err := monitoring.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	c.logger = logger
	c.restore = monitoring.Install(logger)
	return nil
}

func (c *cli) teardown() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if c.restore != nil {
		c.restore()
		c.restore = nil
	}
}
