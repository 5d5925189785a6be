package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/config"
	"github.com/crosscloudio/client/logger"
)

var (
	// Global flags
	configFile string
	debug      bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ccshell",
	Short:         "CrossCloud shell host",
	Version:       version,
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
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newCallCmd(),
		newDoctorCmd(),
		newReportsCmd(),
	)
}

// setup loads the config and opens the log file.
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

	logPath, err := logger.ProcessLogPath("ccshell")
	if err != nil {
		return err
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	logger.SetDebug(debug || cfg.Debug)
	return nil
}
