package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crosscloudio/client/logger"
	"github.com/crosscloudio/client/overlay"
	"github.com/crosscloudio/client/rpc"
	"github.com/crosscloudio/client/shellext"
)

// Actions offered by the development engine's context menu.
const (
	actionMarkSynced = "mark_synced"
	actionMarkError  = "mark_error"
	actionIgnore     = "mark_ignore"
)

// maxStatusBatch bounds one get_status_updates answer.
const maxStatusBatch = 100

func newDevEngineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dev-engine <sync-root>",
		Short: "Serve the extension socket for a local directory without the sync engine",
		Long: `Listens on the extension socket and answers the extension's requests for
the given directory. Files that change are reported as synced, and the
context menu can mark paths as synced, failed or ignored. Use it to run
"ccext run" without a real engine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevEngine(ctx, root)
		},
	}
}

func runDevEngine(ctx context.Context, root string) error {
	log := logger.WithComponent("dev-engine")
	engine := newDevEngine(root, log)

	watcher, err := overlay.NewWatcher(log)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	watcher.OnChange = engine.changed
	watcher.WatchRoot(root)
	go watcher.Run(ctx)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return err
	}
	srv := shellext.NewServer(engine.registry(), log)
	if err := srv.Listen(ctx, socketPath); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer srv.Close()

	log.Info("dev engine serving", "root", root, "socket", socketPath)
	fmt.Fprintf(os.Stderr, "serving %s on %s\n", root, socketPath)
	<-ctx.Done()
	return nil
}

// devEngine answers the extension's methods for one directory.
type devEngine struct {
	root  string
	log   *slog.Logger
	queue shellext.StatusQueue

	mu       sync.Mutex
	statuses map[string]string
}

func newDevEngine(root string, log *slog.Logger) *devEngine {
	return &devEngine{root: filepath.Clean(root), log: log, statuses: make(map[string]string)}
}

func (e *devEngine) inRoot(path string) bool {
	rel, err := filepath.Rel(e.root, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *devEngine) set(path, status string) {
	e.mu.Lock()
	e.statuses[path] = status
	e.mu.Unlock()
	e.queue.Push(path, status)
}

func (e *devEngine) status(path string) string {
	if !e.inRoot(path) {
		return shellext.StatusIgnore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.statuses[filepath.Clean(path)]; ok {
		return s
	}
	return shellext.StatusSynced
}

// changed is called for files that changed on disk.
func (e *devEngine) changed(path string) {
	if e.inRoot(path) {
		e.set(filepath.Clean(path), shellext.StatusSynced)
	}
}

func (e *devEngine) registry() *rpc.Registry {
	r := rpc.NewRegistry()
	r.Register(shellext.MethodSyncDirectory, func(context.Context, json.RawMessage) (any, error) {
		return e.root, nil
	})
	r.Register(shellext.MethodPathStatus, rpc.WithArgNames(func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return e.status(p.Path), nil
	}, "path"))
	r.Register(shellext.MethodStatusUpdates, func(context.Context, json.RawMessage) (any, error) {
		return e.queue.Drain(maxStatusBatch), nil
	})
	r.Register(shellext.MethodContextMenu, rpc.WithArgNames(func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Paths []string `json:"paths"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return e.contextMenu(p.Paths), nil
	}, "paths"))
	r.Register(shellext.MethodPerformAction, rpc.WithArgNames(func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ActionID string   `json:"actionId"`
			Paths    []string `json:"paths"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, e.perform(p.ActionID, p.Paths)
	}, "actionId", "paths"))
	return r
}

// menuEntry is the engine's wire form of a menu node.
type menuEntry struct {
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
	ActionID string      `json:"actionId"`
	Children []menuEntry `json:"children"`
	Checked  *bool       `json:"checked,omitempty"`
}

func (e *devEngine) contextMenu(paths []string) []menuEntry {
	inside := len(paths) > 0
	current := ""
	for _, p := range paths {
		if !e.inRoot(p) {
			inside = false
		}
		s := e.status(p)
		if current == "" {
			current = s
		} else if current != s {
			current = "mixed"
		}
	}

	mark := func(name, actionID, status string) menuEntry {
		checked := current == status
		return menuEntry{Name: name, Enabled: inside, ActionID: actionID, Children: []menuEntry{}, Checked: &checked}
	}
	return []menuEntry{{
		Name:     "Mark as",
		Enabled:  inside,
		Children: []menuEntry{
			mark("Synced", actionMarkSynced, shellext.StatusSynced),
			mark("Error", actionMarkError, shellext.StatusError),
			mark("Ignored", actionIgnore, shellext.StatusIgnore),
		},
	}}
}

func (e *devEngine) perform(actionID string, paths []string) error {
	var status string
	switch actionID {
	case actionMarkSynced:
		status = shellext.StatusSynced
	case actionMarkError:
		status = shellext.StatusError
	case actionIgnore:
		status = shellext.StatusIgnore
	default:
		return fmt.Errorf("unknown action %q", actionID)
	}
	for _, p := range paths {
		if e.inRoot(p) {
			e.set(filepath.Clean(p), status)
		}
	}
	e.log.Info("action performed", "action", actionID, "paths", len(paths))
	return nil
}
