package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantRequest  bool
		wantNotify   bool
		wantResponse bool
		wantErr      bool
	}{
		{name: "call", input: `{"jsonrpc":"2.0","id":3,"method":"ping"}`, wantRequest: true},
		{name: "notification without id", input: `{"jsonrpc":"2.0","method":"displayNotification","params":["hi"]}`, wantRequest: true, wantNotify: true},
		{name: "notification with null id", input: `{"jsonrpc":"2.0","id":null,"method":"x"}`, wantRequest: true, wantNotify: true},
		{name: "result", input: `{"jsonrpc":"2.0","id":3,"result":"pong"}`, wantResponse: true},
		{name: "null result", input: `{"jsonrpc":"2.0","id":3,"result":null}`, wantResponse: true},
		{name: "error", input: `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"nope"}}`, wantResponse: true},
		{name: "no id no method", input: `{"jsonrpc":"2.0","result":1}`, wantErr: true},
		{name: "garbage", input: `{not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			switch m := msg.(type) {
			case *Request:
				if !tt.wantRequest {
					t.Fatalf("got request, want response")
				}
				if m.IsNotification() != tt.wantNotify {
					t.Errorf("IsNotification = %v, want %v", m.IsNotification(), tt.wantNotify)
				}
			case *Response:
				if !tt.wantResponse {
					t.Fatalf("got response, want request")
				}
			}
		})
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":9,"error":{"code":-32603,"message":"boom"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp := msg.(*Response)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("unexpected error member: %#v", resp.Error)
	}
	id, ok := NumericID(resp.ID)
	if !ok || id != 9 {
		t.Errorf("NumericID = %d, %v", id, ok)
	}
}

func TestNewRequestNotification(t *testing.T) {
	req, err := NewRequest(0, "displayNotification", []string{"title"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(req)
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification should not carry an id: %s", data)
	}
}

func TestNewResultNil(t *testing.T) {
	resp, err := NewResult(json.RawMessage("4"), nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(resp)
	if !strings.Contains(string(data), `"result":null`) {
		t.Errorf("nil result should encode as null: %s", data)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	req, err := NewRequest(1, "äääüüüßßß12344", []any{"/tmp/a"})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatal(err)
	}

	header := buf.Bytes()[:4]
	body := buf.Bytes()[4:]
	if got := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3]); got != len(body) {
		t.Fatalf("length prefix = %d, body = %d bytes", got, len(body))
	}

	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.(*Request).Method; got != "äääüüüßßß12344" {
		t.Errorf("method = %q", got)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame := EncodeFrame([]byte(`{"id":1}`))
	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Error("expected oversize frame to be rejected")
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLine(&buf, NewError(nil, CodeMethodNotFound, "Unsupported rpc method")); err != nil {
		t.Fatal(err)
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one trailing newline: %q", line)
	}
	if !strings.Contains(line, `"id":null`) {
		t.Errorf("missing null id: %q", line)
	}
}
