// Package jsonrpc holds the JSON-RPC 2.0 envelope types shared by the
// stdio transport and the shell-extension socket, plus their two wire
// framings.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the value of the "jsonrpc" member on every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a call or, when ID is empty, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return isNullID(r.ID)
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It implements error so handlers can
// return one to choose the code sent to the peer.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Message is either a *Request or a *Response.
type Message interface {
	isMessage()
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}

// ErrInvalidEnvelope is returned by Decode for JSON that is neither a
// request nor a response.
var ErrInvalidEnvelope = errors.New("jsonrpc: envelope is neither request nor response")

// envelope is the union used to classify an incoming message.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Decode classifies one JSON-RPC message. An envelope carrying a method
// is a request; one carrying a non-null id and no method is a response.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Method != nil {
		return &Request{
			JSONRPC: env.JSONRPC,
			ID:      env.ID,
			Method:  *env.Method,
			Params:  env.Params,
		}, nil
	}
	if isNullID(env.ID) {
		return nil, ErrInvalidEnvelope
	}
	return &Response{
		JSONRPC: env.JSONRPC,
		ID:      env.ID,
		Result:  env.Result,
		Error:   env.Error,
	}, nil
}

// NewRequest builds a request with a numeric id. Pass id 0 for a
// notification.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if id != 0 {
		req.ID = json.RawMessage(strconv.FormatUint(id, 10))
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a success response. A nil result is sent as null.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NumericID parses a response id produced by NewRequest.
func NumericID(id json.RawMessage) (uint64, bool) {
	n, err := strconv.ParseUint(string(bytes.TrimSpace(id)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isNullID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
