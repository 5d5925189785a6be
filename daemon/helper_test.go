package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/crosscloudio/client/jsonrpc"
)

// TestHelperProcess is not a real test. It is the fake engine the
// supervisor tests spawn, selected by GO_WANT_HELPER_PROCESS.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "no mode")
		os.Exit(2)
	}
	mode, engineArgs := args[1], args[2:]

	switch mode {
	case "exit":
		fmt.Fprintln(os.Stderr, "Traceback: boom")
		os.Exit(2)
	case "locked":
		fmt.Fprintln(os.Stderr, "filelock.Timeout: the lock could not be acquired")
		time.Sleep(time.Minute)
		os.Exit(1)
	case "flaky":
		// The first spawn is healthy until told to crash; every later
		// spawn dies at once.
		state := os.Getenv("CC_HELPER_STATE")
		if _, err := os.Stat(state); err == nil {
			fmt.Fprintln(os.Stderr, "crashing on startup")
			os.Exit(1)
		}
		os.WriteFile(state, []byte("ran"), 0o644)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, err := jsonrpc.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			continue
		}
		var result any
		switch req.Method {
		case "ping":
			if mode == "silent" {
				continue
			}
			result = "pong"
		case "args":
			result = map[string]any{"args": engineArgs, "env": os.Getenv("CC_TEST_VAR")}
		case "crash":
			fmt.Fprintln(os.Stderr, "crash requested")
			os.Exit(3)
		case "askHost":
			// Call back into the host and relay its answer.
			fmt.Fprintln(os.Stdout, `{"jsonrpc":"2.0","id":900,"method":"getAppVersion"}`)
			if scanner.Scan() {
				var resp jsonrpc.Response
				json.Unmarshal(scanner.Bytes(), &resp)
				result = json.RawMessage(resp.Result)
			}
		default:
			if !req.IsNotification() {
				writeLine(jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Unsupported rpc method"))
			}
			continue
		}
		if req.IsNotification() {
			continue
		}
		resp, _ := jsonrpc.NewResult(req.ID, result)
		writeLine(resp)
	}
}

func writeLine(v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(data)))
}
