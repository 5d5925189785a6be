package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/crosscloudio/client/daemon"
	"github.com/crosscloudio/client/rpc"
)

// Methods the engine calls on the shell host.
const (
	methodDisplayNotification = "displayNotification"
	methodAppStateHasChanged  = "appStateHasChanged"
	methodCoreHasStarted      = "coreHasStarted"
	methodQuit                = "quit"
	methodGetAppVersion       = "getAppVersion"
	methodGetInstallID        = "getInstallId"
)

// notification is one entry of displayNotification.
type notification struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImagePath   string `json:"imagePath,omitempty"`
	ActionPath  string `json:"actionPath,omitempty"`
}

// host holds the shell host's view of the engine. There is no tray or
// window: notifications go to the log and to out.
type host struct {
	version   string
	installID string
	log       *slog.Logger
	out       io.Writer
	quit      func()

	mu        sync.Mutex
	appState  string
	syncing   int
	coreReady bool
}

func (h *host) register(sup *daemon.Supervisor) {
	sup.Handle(methodDisplayNotification, rpc.WithArgNames(h.displayNotification, "notifications"))
	sup.Handle(methodAppStateHasChanged, rpc.WithArgNames(h.appStateHasChanged, "state", "syncingItemsCount"))
	sup.Handle(methodCoreHasStarted, h.coreHasStarted)
	sup.Handle(methodQuit, h.handleQuit)
	sup.Handle(methodGetAppVersion, func(context.Context, json.RawMessage) (any, error) {
		return h.version, nil
	})
	sup.Handle(methodGetInstallID, func(context.Context, json.RawMessage) (any, error) {
		return h.installID, nil
	})
}

// displayNotification accepts a single notification or a list of them.
func (h *host) displayNotification(_ context.Context, params json.RawMessage) (any, error) {
	var args struct {
		Notifications json.RawMessage `json:"notifications"`
	}
	if err := rpc.DecodeParams(params, &args); err != nil {
		return nil, err
	}

	var list []notification
	raw := strings.TrimSpace(string(args.Notifications))
	switch {
	case raw == "" || raw == "null":
		return nil, nil
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal(args.Notifications, &list); err != nil {
			return nil, fmt.Errorf("invalid notifications: %w", err)
		}
	default:
		var n notification
		if err := json.Unmarshal(args.Notifications, &n); err != nil {
			return nil, fmt.Errorf("invalid notification: %w", err)
		}
		list = []notification{n}
	}

	for _, n := range list {
		h.notify(n.Title, n.Description)
	}
	return nil, nil
}

func (h *host) notify(title, description string) {
	h.log.Info("notification", "title", title, "description", description)
	if h.out != nil {
		fmt.Fprintf(h.out, "%s: %s\n", title, description)
	}
}

func (h *host) appStateHasChanged(_ context.Context, params json.RawMessage) (any, error) {
	var args struct {
		State             string `json:"state"`
		SyncingItemsCount int    `json:"syncingItemsCount"`
	}
	if err := rpc.DecodeParams(params, &args); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.appState = args.State
	h.syncing = args.SyncingItemsCount
	h.mu.Unlock()
	h.log.Debug("app state changed", "state", args.State, "syncing", args.SyncingItemsCount)
	return nil, nil
}

func (h *host) coreHasStarted(context.Context, json.RawMessage) (any, error) {
	h.mu.Lock()
	h.coreReady = true
	h.mu.Unlock()
	h.log.Info("core has started")
	return nil, nil
}

func (h *host) handleQuit(context.Context, json.RawMessage) (any, error) {
	h.log.Info("engine asked the shell to quit")
	if h.quit != nil {
		h.quit()
	}
	return nil, nil
}

// state returns the last reported app state and syncing item count.
func (h *host) state() (string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appState, h.syncing
}

// fatalNotification returns the message shown when the engine cannot be
// kept running.
func fatalNotification(r daemon.Report) (title, description string) {
	if strings.Contains(r.Stderr, daemon.LockTimeoutMarker) {
		return "CrossCloud cannot be started.", "An instance of CrossCloud is already running."
	}
	return "Oh Snap - CrossCloud cannot start", "Sorry! A diagnostic report has been saved."
}
