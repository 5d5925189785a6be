package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/daemon"
	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/rpc"
)

func newCallCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Start the engine, send one request and print the result",
		Long: `Starts the sync engine, sends a single JSON-RPC request and prints the
result as JSON. Params are a JSON array or object, for example:

  ccshell call getAppState
  ccshell call pause
  ccshell call getSyncdir '[]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := callOnce(ctx, args[0], params)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the engine")
	return cmd
}

// callOnce runs the engine for the duration of a single call. Calls made
// while the engine is restarting, or lost when it died, are retried until
// ctx expires.
func callOnce(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	engine, err := resolveEngine(cfg)
	if err != nil {
		return nil, err
	}

	sup := daemon.New(daemonConfig(cfg, engine), daemon.Callbacks{}, logger.WithComponent("daemon"))
	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer sup.Stop()

	var p any
	if params != nil {
		p = params
	}
	return backoff.Retry(ctx, func() (json.RawMessage, error) {
		var result json.RawMessage
		err := sup.Call(ctx, method, p, &result)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, daemon.ErrRestarting), errors.Is(err, rpc.ErrClosed):
			return nil, err
		case errors.Is(err, daemon.ErrFatal), sup.State() == daemon.StateFatal:
			return nil, backoff.Permanent(sup.Wait())
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}
