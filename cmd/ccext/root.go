package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/config"
	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/paths"
	"github.com/crosscloudio/client/shellext"
)

var (
	// Global flags
	configFile string
	socketPath string
	debug      bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ccext",
	Short:         "CrossCloud file-manager extension",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is config.yaml in the CrossCloud config dir)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "engine socket (default is the rendezvous socket)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newMenuCmd(),
		newActionCmd(),
		newDevEngineCmd(),
	)
}

func setup() error {
	var err error
	if configFile != "" {
		cfg, err = config.LoadFrom(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logPath, err := logger.ProcessLogPath("ccext")
	if err != nil {
		return err
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	logger.SetDebug(debug || cfg.Debug)

	if socketPath == "" {
		socketPath, err = paths.SocketPath()
		if err != nil {
			return err
		}
	}
	return nil
}

// newClient returns an engine client for the configured socket.
func newClient() *shellext.Client {
	c := shellext.NewClient(socketPath, logger.WithComponent("shellext"))
	c.SetTimeout(cfg.Extension.CallTimeout.Duration)
	return c
}
