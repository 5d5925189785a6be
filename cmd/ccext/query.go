package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/menu"
	"github.com/crosscloudio/client/shellext"
)

var errEngineUnavailable = errors.New("engine did not answer")

func absPaths(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>",
		Short: "Print the sync status of a path (Synced when the engine is unavailable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			client := newClient()
			defer client.Close()

			fmt.Fprintln(cmd.OutOrStdout(), statusOf(cmd.Context(), client, paths[0]))
			return nil
		},
	}
}

// statusOf returns the badge shown for path. A path the engine cannot
// answer for is shown as synced, as the file manager does.
func statusOf(ctx context.Context, client *shellext.Client, path string) string {
	status, ok := client.PathStatus(ctx, path)
	if !ok {
		return shellext.StatusSynced
	}
	return status
}

func newMenuCmd() *cobra.Command {
	var (
		selectTag int
		flat      bool
	)

	cmd := &cobra.Command{
		Use:   "menu <path>...",
		Short: "Print the context menu for the selected paths",
		Long: `Prints the engine's context menu for the selected paths. Each action
is shown with its tag; pass --select <tag> to run that action.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			client := newClient()
			defer client.Close()

			nodes, ok := client.ContextMenu(cmd.Context(), paths)
			if !ok {
				return errEngineUnavailable
			}
			if flat {
				for _, leaf := range menu.Flatten(menu.Node{Children: nodes}) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", leaf.ActionID, leaf.Name)
				}
				return nil
			}
			builder := menu.NewBuilder()
			items := builder.Build(nodes)
			if selectTag == 0 {
				printMenu(cmd.OutOrStdout(), items, 0)
				return nil
			}
			return selectAction(cmd.Context(), client, builder, selectTag, paths)
		},
	}
	cmd.Flags().IntVar(&selectTag, "select", 0, "run the action with this tag")
	cmd.Flags().BoolVar(&flat, "flat", false, "print only the actions, one per line")
	return cmd
}

// selectAction dispatches the action behind tag. The builder's tags are
// forgotten afterwards whether or not the tag resolved.
func selectAction(ctx context.Context, client *shellext.Client, builder *menu.Builder, tag int, paths []string) error {
	actionID, ok := builder.Take(tag)
	if !ok {
		return fmt.Errorf("no action with tag %d", tag)
	}
	if !client.PerformAction(ctx, actionID, paths) {
		return errEngineUnavailable
	}
	return nil
}

func printMenu(w io.Writer, items []menu.Item, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, it := range items {
		var flags []string
		if !it.Enabled {
			flags = append(flags, "disabled")
		}
		if it.Mark != menu.MarkGroup {
			flags = append(flags, it.Mark.String())
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " (" + strings.Join(flags, ", ") + ")"
		}
		if it.Tag != 0 {
			fmt.Fprintf(w, "%s[%d] %s%s\n", indent, it.Tag, it.Title, suffix)
		} else {
			fmt.Fprintf(w, "%s%s%s\n", indent, it.Title, suffix)
		}
		printMenu(w, it.Submenu, depth+1)
	}
}

func newActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <actionId> <path>...",
		Short: "Run a context menu action on paths",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := absPaths(args[1:])
			if err != nil {
				return err
			}
			client := newClient()
			defer client.Close()

			if !client.PerformAction(cmd.Context(), args[0], paths) {
				return errEngineUnavailable
			}
			return nil
		},
	}
}
