// Package rpc implements newline-delimited JSON-RPC 2.0 over a pair of
// byte streams, as spoken between the shell host and the engine over the
// engine's stdin and stdout. Calls are multiplexed: many may be in flight
// and responses are matched by id in whatever order they arrive.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/crosscloudio/client/jsonrpc"
)

// ErrClosed is returned for calls made on, or pending in, a closed Conn.
var ErrClosed = errors.New("rpc: connection closed")

// maxLineSize bounds a single inbound line. Longer lines are skipped.
const maxLineSize = 16 << 20

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is an outbound request awaiting its response. It leaves
// the table exactly once: on response, on caller cancellation, or when
// the connection closes.
type pendingCall struct {
	id      uint64
	method  string
	created time.Time
	done    chan callResult
}

// Conn is one JSON-RPC session over r and w.
type Conn struct {
	r        io.Reader
	w        io.Writer
	ids      *IDSource
	registry *Registry
	log      *slog.Logger
	maxLine  int

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	closed   bool
	closeErr error
	done     chan struct{}

	handlers sync.WaitGroup
}

// NewConn creates a Conn. ids must be shared across reconnects so ids are
// never reused; registry may be nil when no inbound methods are served.
func NewConn(r io.Reader, w io.Writer, ids *IDSource, registry *Registry, log *slog.Logger) *Conn {
	if ids == nil {
		ids = &IDSource{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Conn{
		r:        r,
		w:        w,
		ids:      ids,
		registry: registry,
		log:      log,
		maxLine:  maxLineSize,
		pending:  make(map[uint64]*pendingCall),
		done:     make(chan struct{}),
	}
}

// Call sends method with params and waits for the response. When result
// is non-nil the response result is unmarshaled into it. A response
// error is returned as *jsonrpc.Error.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.ids.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	call := &pendingCall{
		id:      id,
		method:  method,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.remove(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return res.err
		}
		if result != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.remove(id)
		return ctx.Err()
	}
}

// Notify sends method without an id. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}

	req, err := jsonrpc.NewRequest(0, method, params)
	if err != nil {
		return err
	}
	if err := c.write(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// Serve reads messages until the reader fails, then closes the Conn.
// Unparsable and oversized lines are logged and dropped. Inbound requests
// run on their own goroutines. Serve returns nil on a clean EOF.
func (c *Conn) Serve(ctx context.Context) error {
	br := bufio.NewReaderSize(c.r, 64*1024)

	for {
		line, oversized, err := readLine(br, c.maxLine)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(fmt.Errorf("%w: peer closed stream", ErrClosed))
				return nil
			}
			c.Close(fmt.Errorf("%w: %v", ErrClosed, err))
			return err
		}
		if oversized {
			c.log.Warn("dropping oversized message", "limit", c.maxLine)
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Decode(line)
		if err != nil {
			c.log.Warn("dropping unparsable message", "error", err, "line", truncate(line, 200))
			continue
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(m)
		case *jsonrpc.Request:
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.handleRequest(ctx, m)
			}()
		}
	}
}

// readLine returns the next line including its newline. A line longer
// than limit is read to its end and reported as oversized instead. The
// final line may lack a newline; io.EOF is returned only once nothing is
// left.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return line, oversized, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || oversized):
			return line, oversized, nil
		default:
			return nil, false, err
		}
	}
}

func (c *Conn) dispatchResponse(resp *jsonrpc.Response) {
	id, ok := jsonrpc.NumericID(resp.ID)
	if !ok {
		c.log.Warn("response with unexpected id", "id", string(resp.ID))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("response for unknown call", "id", id)
		return
	}

	c.log.Debug("call completed", "id", id, "method", call.method, "elapsed", time.Since(call.created))
	if resp.Error != nil {
		call.done <- callResult{err: resp.Error}
		return
	}
	call.done <- callResult{result: resp.Result}
}

func (c *Conn) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	if _, ok := c.registry.Lookup(req.Method); !ok {
		c.log.Warn("unsupported rpc method", "method", req.Method)
	}
	resp := c.registry.Dispatch(ctx, req)
	if resp == nil {
		return
	}
	if resp.Error != nil {
		c.log.Warn("request failed", "method", req.Method, "code", resp.Error.Code, "error", resp.Error.Message)
	}
	c.reply(resp)
}

func (c *Conn) reply(resp *jsonrpc.Response) {
	if err := c.write(resp); err != nil {
		c.log.Debug("failed to write response", "error", err)
	}
}

func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return jsonrpc.WriteLine(c.w, v)
}

func (c *Conn) remove(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close rejects every pending call with err and refuses new ones. Only
// the first Close has an effect.
func (c *Conn) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	close(c.done)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- callResult{err: err}
	}
}

// Done is closed once the Conn is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the Conn was closed with, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitHandlers blocks until in-flight inbound handlers return.
func (c *Conn) WaitHandlers() {
	c.handlers.Wait()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
