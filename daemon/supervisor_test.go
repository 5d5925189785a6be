package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crosscloudio/client/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func helperConfig(t *testing.T, mode string, fake *clock.FakeClock) Config {
	t.Helper()
	return Config{
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--", mode},
		Threads:    4,
		Env: []string{
			"GO_WANT_HELPER_PROCESS=1",
			"CC_TEST_VAR=from-host",
			"CC_HELPER_STATE=" + filepath.Join(t.TempDir(), "state"),
		},
		Clock: fake,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recorder struct {
	mu       sync.Mutex
	attempts []int
	delays   []time.Duration
	fatal    []Report
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnRestartAttempt: func(attempt int, delay time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.attempts = append(r.attempts, attempt)
			r.delays = append(r.delays, delay)
		},
		OnFatal: func(rep Report) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fatal = append(r.fatal, rep)
		},
	}
}

func (r *recorder) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func (r *recorder) fatalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fatal)
}

func TestCommandArgs(t *testing.T) {
	cfg := Config{Executable: "engine", Args: []string{"--log", "debug"}, Threads: 3}
	got := strings.Join(cfg.CommandArgs(), " ")
	if got != "--log debug --threads 3" {
		t.Errorf("CommandArgs = %q", got)
	}
	if len(cfg.Args) != 2 {
		t.Error("CommandArgs must not modify Args")
	}
}

func TestSupervisorCallAndSpawnArgs(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "healthy", fake), Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	var got struct {
		Args []string `json:"args"`
		Env  string   `json:"env"`
	}
	if err := sup.Call(context.Background(), "args", nil, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if strings.Join(got.Args, " ") != "--threads 4" {
		t.Errorf("engine args = %v", got.Args)
	}
	if got.Env != "from-host" {
		t.Errorf("engine env = %q", got.Env)
	}
	if sup.State() != StateRunning {
		t.Errorf("State = %s", sup.State())
	}
}

func TestSupervisorHealthCheck(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "healthy", fake), Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()

	if sup.Healthy() {
		t.Fatal("healthy before first ping")
	}
	fake.Advance(DefaultPingInterval)
	waitFor(t, "first successful ping", sup.Healthy)
}

func TestSupervisorInboundRequest(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "healthy", fake), Callbacks{}, testLogger())
	sup.Handle("getAppVersion", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return "2.4.0", nil
	})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()

	var version string
	if err := sup.Call(context.Background(), "askHost", nil, &version); err != nil {
		t.Fatal(err)
	}
	if version != "2.4.0" {
		t.Errorf("engine relayed %q", version)
	}
}

func TestSupervisorNeverHealthyIsFatal(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	sup := New(helperConfig(t, "exit", fake), rec.callbacks(), testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := sup.Wait()
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Wait = %v, want ErrFatal", err)
	}
	if sup.State() != StateFatal {
		t.Errorf("State = %s", sup.State())
	}
	if rec.attemptCount() != 0 {
		t.Errorf("restart attempted %d times", rec.attemptCount())
	}
	if rec.fatalCount() != 1 {
		t.Fatalf("OnFatal called %d times", rec.fatalCount())
	}
	rep := rec.fatal[0]
	if !strings.Contains(rep.Stderr, "Traceback: boom") {
		t.Errorf("report stderr = %q", rep.Stderr)
	}
	if rep.HadCorrectResponse || rep.RestartTries != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if err := sup.Call(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Call after fatal = %v", err)
	}
}

func TestSupervisorRestartBackoffThenFatal(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	sup := New(helperConfig(t, "flaky", fake), rec.callbacks(), testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.Advance(DefaultPingInterval)
	waitFor(t, "healthy engine", sup.Healthy)

	if err := sup.Notify("crash", nil); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, delay := range want {
		waitFor(t, "restart attempt", func() bool { return rec.attemptCount() == i+1 })

		if sup.State() != StateRestarting {
			t.Fatalf("attempt %d: State = %s", i+1, sup.State())
		}
		if err := sup.Call(context.Background(), "ping", nil, nil); !errors.Is(err, ErrRestarting) {
			t.Fatalf("Call while restarting = %v, want ErrRestarting", err)
		}
		fake.Advance(delay)
	}

	if err := sup.Wait(); !errors.Is(err, ErrFatal) {
		t.Fatalf("Wait = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, d := range rec.delays {
		if d != want[i] {
			t.Errorf("delay %d = %v, want %v", i+1, d, want[i])
		}
	}
	if len(rec.fatal) != 1 {
		t.Fatalf("OnFatal called %d times", len(rec.fatal))
	}
	rep := rec.fatal[0]
	if rep.RestartTries != DefaultMaxRestartTries+1 || !rep.HadCorrectResponse {
		t.Errorf("unexpected report %+v", rep)
	}
	if !strings.Contains(rep.Stderr, "crashing on startup") {
		t.Errorf("report stderr = %q", rep.Stderr)
	}
}

func TestSupervisorPingTimeoutTerminates(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	sup := New(helperConfig(t, "silent", fake), rec.callbacks(), testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.Advance(DefaultPingInterval)
	// The ping is in flight; its timeout is the only pending timer.
	fake.WaitForTimers(1)
	fake.Advance(DefaultPingTimeout)

	if err := sup.Wait(); !errors.Is(err, ErrFatal) {
		t.Fatalf("Wait = %v", err)
	}
	rep := sup.Report()
	if rep == nil || !strings.Contains(rep.Reason, "before it became healthy") {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestSupervisorLockTimeoutIsFatal(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "locked", fake), Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := sup.Wait(); !errors.Is(err, ErrFatal) {
		t.Fatalf("Wait = %v", err)
	}
	rep := sup.Report()
	if rep == nil || !strings.Contains(rep.Reason, "already running") {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestSupervisorStop(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "healthy", fake), Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sup.Stop()
	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait after Stop = %v", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("State = %s", sup.State())
	}
	if err := sup.Call(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Call after Stop = %v", err)
	}
	sup.Stop()
}

func TestSupervisorStartTwice(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sup := New(helperConfig(t, "healthy", fake), Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()
	if err := sup.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestSupervisorStartMissingExecutable(t *testing.T) {
	sup := New(Config{Executable: filepath.Join(t.TempDir(), "missing")}, Callbacks{}, testLogger())
	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing executable")
	}
	if sup.State() != StateNotStarted {
		t.Errorf("State = %s", sup.State())
	}
}

func TestStderrTail(t *testing.T) {
	tail := newStderrTail(8)
	tail.Write([]byte("abc"))
	tail.Write([]byte("defgh"))
	if tail.String() != "abcdefgh" {
		t.Fatalf("got %q", tail.String())
	}
	tail.Write([]byte("ij"))
	if tail.String() != "cdefghij" {
		t.Fatalf("got %q, want newest 8 bytes", tail.String())
	}
	tail.Write([]byte("0123456789"))
	if tail.String() != "23456789" {
		t.Fatalf("got %q", tail.String())
	}
	if tail.Len() != 8 {
		t.Errorf("Len = %d", tail.Len())
	}
}

func TestStateString(t *testing.T) {
	if StateRestarting.String() != "restarting" || State(42).String() != "state(42)" {
		t.Error("unexpected State strings")
	}
}
