package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/crosscloudio/client/menu"
	"github.com/crosscloudio/client/rpc"
	"github.com/crosscloudio/client/shellext"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(b bool) *bool { return &b }

func TestPrintMenu(t *testing.T) {
	items := menu.NewBuilder().Build([]menu.Node{
		{Name: "Share", Enabled: true, ActionID: "share"},
		{Name: "Sync", Enabled: true, Children: []menu.Node{
			{Name: "Dropbox", Enabled: true, ActionID: "sync.dropbox", Checked: boolPtr(true)},
			{Name: "Drive", Enabled: false, ActionID: "sync.drive", Checked: boolPtr(false)},
		}},
	})

	var buf bytes.Buffer
	printMenu(&buf, items, 0)

	want := "[1] Share\n" +
		"Sync\n" +
		"  [2] Dropbox (checked)\n" +
		"  [3] Drive (disabled, unchecked)\n"
	if buf.String() != want {
		t.Errorf("printMenu =\n%s\nwant\n%s", buf.String(), want)
	}
}

type actionRecorder struct {
	mu    sync.Mutex
	calls []string
}

func startActionEngine(t *testing.T) (string, *actionRecorder) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ccext")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "unix_socket")

	rec := &actionRecorder{}
	r := rpc.NewRegistry()
	r.Register(shellext.MethodPerformAction, rpc.WithArgNames(func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ActionID string   `json:"actionId"`
			Paths    []string `json:"paths"`
		}
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		rec.mu.Lock()
		rec.calls = append(rec.calls, p.ActionID)
		rec.mu.Unlock()
		return nil, nil
	}, "actionId", "paths"))

	r.Register(shellext.MethodPathStatus, func(context.Context, json.RawMessage) (any, error) {
		return shellext.StatusSyncing, nil
	})

	srv := shellext.NewServer(r, testLogger())
	if err := srv.Listen(context.Background(), path); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return path, rec
}

func TestSelectAction(t *testing.T) {
	path, rec := startActionEngine(t)
	client := shellext.NewClient(path, testLogger())
	defer client.Close()

	builder := menu.NewBuilder()
	builder.Build([]menu.Node{
		{Name: "Share", Enabled: true, ActionID: "share"},
		{Name: "Open in browser", Enabled: true, ActionID: "open"},
	})

	if err := selectAction(context.Background(), client, builder, 2, []string{"/home/u/CrossCloud/a.txt"}); err != nil {
		t.Fatalf("selectAction: %v", err)
	}
	if builder.Len() != 0 {
		t.Error("tags should be forgotten after an action is dispatched")
	}
	if err := selectAction(context.Background(), client, builder, 1, nil); err == nil {
		t.Error("a stale tag should not resolve")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || rec.calls[0] != "open" {
		t.Errorf("performed actions = %v, want [open]", rec.calls)
	}
}

func TestAbsPaths(t *testing.T) {
	got, err := absPaths([]string{"a", "/b"})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range got {
		if !filepath.IsAbs(p) {
			t.Errorf("%q is not absolute", p)
		}
	}
}

func TestStatusOf(t *testing.T) {
	path, _ := startActionEngine(t)
	client := shellext.NewClient(path, testLogger())
	defer client.Close()

	if got := statusOf(context.Background(), client, "/home/u/CrossCloud/a.txt"); got != shellext.StatusSyncing {
		t.Errorf("statusOf = %q, want %q", got, shellext.StatusSyncing)
	}

	offline := shellext.NewClient(filepath.Join(t.TempDir(), "missing"), testLogger())
	defer offline.Close()
	if got := statusOf(context.Background(), offline, "/home/u/CrossCloud/a.txt"); got != shellext.StatusSynced {
		t.Errorf("statusOf without an engine = %q, want %q", got, shellext.StatusSynced)
	}
}
