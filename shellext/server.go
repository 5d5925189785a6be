package shellext

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/crosscloudio/client/jsonrpc"
	"github.com/crosscloudio/client/rpc"
)

// Server is the engine side of the extension socket. Each connection is
// served sequentially: one frame in, one frame out.
type Server struct {
	registry *rpc.Registry
	log      *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server dispatching to registry.
func NewServer(registry *rpc.Registry, log *slog.Logger) *Server {
	return &Server{
		registry: registry,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket at path, replacing a stale socket file, and
// starts accepting connections.
func (s *Server) Listen(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		payload, err := jsonrpc.ReadFrame(conn)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, payload)
		if resp == nil {
			continue
		}
		if err := jsonrpc.WriteMessage(conn, resp); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) *jsonrpc.Response {
	msg, err := jsonrpc.Decode(payload)
	if err != nil {
		return jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error")
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "Invalid request")
	}

	if _, ok := s.registry.Lookup(req.Method); !ok {
		s.log.Warn("unsupported rpc method", "method", req.Method)
	}
	return s.registry.Dispatch(ctx, req)
}

// Close stops accepting, drops open connections and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StatusQueue collects status changes until the extension drains them
// with get_status_updates.
type StatusQueue struct {
	mu    sync.Mutex
	items []StatusUpdate
}

// Push appends an update. Empty paths or statuses are ignored.
func (q *StatusQueue) Push(path, status string) {
	if path == "" || status == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, StatusUpdate{Path: path, Status: status})
}

// Drain removes and returns up to max updates in arrival order.
func (q *StatusQueue) Drain(max int) []StatusUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.items))
	out := make([]StatusUpdate, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}
