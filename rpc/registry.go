package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/crosscloudio/client/jsonrpc"
)

// HandlerFunc answers an inbound request. The returned value is sent as
// the result (nil becomes null). Returning a *jsonrpc.Error selects the
// error code; any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps method names to handlers. It is safe for concurrent use
// and may outlive any single connection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs fn for method, replacing any previous handler.
func (r *Registry) Register(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

// Lookup returns the handler for method.
func (r *Registry) Lookup(method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[method]
	return fn, ok
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// WithArgNames adapts fn so positional array params are delivered as an
// object keyed by names. Object params pass through unchanged. Extra
// positional values are dropped; missing ones are omitted.
func WithArgNames(fn HandlerFunc, names ...string) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var positional []json.RawMessage
		if len(params) == 0 || json.Unmarshal(params, &positional) != nil {
			return fn(ctx, params)
		}
		named := make(map[string]json.RawMessage, len(names))
		for i, name := range names {
			if i >= len(positional) {
				break
			}
			named[name] = positional[i]
		}
		obj, err := json.Marshal(named)
		if err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
		}
		return fn(ctx, obj)
	}
}

// DecodeParams unmarshals params into v, mapping failures to an
// invalid-params error.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// IDSource hands out outbound request ids. Ids start at 1, increase
// monotonically and are never reused for the lifetime of the source,
// even when the connection using it is replaced.
type IDSource struct {
	last atomic.Uint64
}

// Next returns a fresh id.
func (s *IDSource) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, or 0.
func (s *IDSource) Last() uint64 {
	return s.last.Load()
}

// Dispatch runs the handler for req and builds its response. It returns
// nil for notifications, which are never answered.
func (r *Registry) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	fn, ok := r.Lookup(req.Method)
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Unsupported rpc method")
	}

	result, err := fn(ctx, req.Params)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}
