package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/cli"
	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/paths"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the engine executable and print resolved locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			engine, err := resolveEngine(cfg)
			if err != nil {
				fmt.Fprintf(out, "engine: %v\n", err)
			}
			prereqs := cli.DefaultPrerequisites(engine)
			fmt.Fprint(out, cli.FormatCheckResults(cli.CheckAll(prereqs)))

			socket, err := paths.SocketPath()
			if err != nil {
				return err
			}
			reports, err := paths.ReportsDir()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nconfig:  %s\n", cfg.FilePath())
			fmt.Fprintf(out, "log:     %s\n", logger.Path())
			fmt.Fprintf(out, "socket:  %s\n", socket)
			fmt.Fprintf(out, "reports: %s\n", reports)

			return cli.ValidateRequired(prereqs)
		},
	}
}
