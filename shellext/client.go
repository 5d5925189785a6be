// Package shellext is the file-manager extension's link to a running
// engine: JSON-RPC 2.0 requests framed with a 4-byte big-endian length
// prefix over the rendezvous Unix socket.
//
// The client never surfaces transport failures to its caller. Every
// failure, including an error response, yields an absent result and the
// extension falls back to its defaults.
package shellext

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/crosscloudio/client/jsonrpc"
	"github.com/crosscloudio/client/menu"
	"github.com/crosscloudio/client/rpc"
)

// Methods served by the engine to the extension.
const (
	MethodSyncDirectory = "get_sync_directory"
	MethodPathStatus    = "get_path_status"
	MethodStatusUpdates = "get_status_updates"
	MethodContextMenu   = "get_context_menu"
	MethodPerformAction = "perform_action"
)

// Path status labels reported by the engine.
const (
	StatusSyncing = "Syncing"
	StatusSynced  = "Synced"
	StatusError   = "Error"
	StatusIgnore  = "Ignore"
)

// DefaultCallTimeout bounds one request/response exchange when the
// caller's context has no deadline.
const DefaultCallTimeout = 5 * time.Second

// StatusUpdate is one entry of get_status_updates.
type StatusUpdate struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Client holds at most one connection and serializes calls on it.
type Client struct {
	path    string
	timeout time.Duration
	log     *slog.Logger
	ids     rpc.IDSource

	mu        sync.Mutex
	conn      net.Conn
	available bool
}

// NewClient returns a client for the socket at path. It does not connect
// until the first call.
func NewClient(path string, log *slog.Logger) *Client {
	return &Client{path: path, timeout: DefaultCallTimeout, log: log}
}

// SetTimeout changes the per-call timeout used when a context carries no
// deadline. Non-positive values restore DefaultCallTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Available reports whether the last exchange with the engine succeeded.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

func (c *Client) connectLocked(ctx context.Context) bool {
	if c.available && c.conn != nil {
		return true
	}
	c.closeLocked()

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.path)
	if err != nil {
		c.log.Debug("engine socket unavailable", "path", c.path, "error", err)
		return false
	}
	c.conn = conn
	c.available = true
	c.log.Debug("connected to engine socket", "path", c.path)
	return true
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.available = false
}

// Close drops the connection. The next call reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.timeout)
}

// Call sends method with params and returns the raw result. ok is false
// when the engine is unreachable, the exchange fails, or the engine
// answers with an error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, bool) {
	req, err := jsonrpc.NewRequest(c.ids.Next(), method, params)
	if err != nil {
		c.log.Warn("cannot encode request", "method", method, "error", err)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connectLocked(ctx) {
		return nil, false
	}
	c.conn.SetDeadline(c.deadline(ctx))

	if err := jsonrpc.WriteMessage(c.conn, req); err != nil {
		c.log.Debug("write to engine failed", "method", method, "error", err)
		c.closeLocked()
		return nil, false
	}

	for {
		payload, err := jsonrpc.ReadFrame(c.conn)
		if err != nil {
			c.log.Debug("read from engine failed", "method", method, "error", err)
			c.closeLocked()
			return nil, false
		}
		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			// The frame was read whole, so the stream is still in step.
			c.log.Warn("dropping unparsable frame", "method", method, "error", err)
			return nil, false
		}
		resp, ok := msg.(*jsonrpc.Response)
		if !ok || string(resp.ID) != string(req.ID) {
			c.log.Debug("skipping unrelated message", "method", method)
			continue
		}
		if resp.Error != nil {
			c.log.Warn("engine returned error", "method", method, "code", resp.Error.Code, "message", resp.Error.Message)
			return nil, false
		}
		return resp.Result, true
	}
}

// Notify sends method without an id and does not wait for an answer.
func (c *Client) Notify(ctx context.Context, method string, params any) bool {
	req, err := jsonrpc.NewRequest(0, method, params)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connectLocked(ctx) {
		return false
	}
	c.conn.SetWriteDeadline(c.deadline(ctx))
	if err := jsonrpc.WriteMessage(c.conn, req); err != nil {
		c.log.Debug("notify failed", "method", method, "error", err)
		c.closeLocked()
		return false
	}
	return true
}

func (c *Client) callInto(ctx context.Context, method string, params, v any) bool {
	raw, ok := c.Call(ctx, method, params)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("unexpected result shape", "method", method, "error", err)
		return false
	}
	return true
}

// SyncDirectory returns the engine's sync root. ok is false when the
// engine is unreachable or has no sync root configured.
func (c *Client) SyncDirectory(ctx context.Context) (string, bool) {
	var dir *string
	if !c.callInto(ctx, MethodSyncDirectory, nil, &dir) || dir == nil || *dir == "" {
		return "", false
	}
	return *dir, true
}

// PathStatus returns the status label of path.
func (c *Client) PathStatus(ctx context.Context, path string) (string, bool) {
	var status *string
	if !c.callInto(ctx, MethodPathStatus, []string{path}, &status) || status == nil {
		return "", false
	}
	return *status, true
}

// StatusUpdates drains the engine's pending status changes.
func (c *Client) StatusUpdates(ctx context.Context) ([]StatusUpdate, bool) {
	var updates []StatusUpdate
	if !c.callInto(ctx, MethodStatusUpdates, nil, &updates) {
		return nil, false
	}
	return updates, true
}

// ContextMenu returns the menu for the selected paths.
func (c *Client) ContextMenu(ctx context.Context, paths []string) ([]menu.Node, bool) {
	raw, ok := c.Call(ctx, MethodContextMenu, []any{paths})
	if !ok {
		return nil, false
	}
	nodes, err := menu.Parse(raw)
	if err != nil {
		c.log.Warn("invalid context menu", "error", err)
		return nil, false
	}
	return nodes, true
}

// PerformAction asks the engine to run actionID on paths.
func (c *Client) PerformAction(ctx context.Context, actionID string, paths []string) bool {
	_, ok := c.Call(ctx, MethodPerformAction, []any{actionID, paths})
	return ok
}
