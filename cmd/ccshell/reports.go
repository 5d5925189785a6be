package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/paths"
	"github.com/crosscloudio/client/report"
)

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List or remove diagnostic reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := paths.ReportsDir()
			if err != nil {
				return err
			}
			files, err := report.List(dir)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No diagnostic reports.")
				return nil
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all diagnostic reports and log files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := paths.ReportsDir()
			if err != nil {
				return err
			}
			if err := report.Prune(dir, 0); err != nil && !os.IsNotExist(err) {
				return err
			}
			logger.Close()
			n, err := logger.ClearLogs()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed reports and %d log files.\n", n)
			return nil
		},
	})
	return cmd
}
