// Package daemon supervises the sync engine process: it spawns the engine
// with stdio pipes, speaks JSON-RPC over them, health-checks it with
// periodic pings and restarts it with exponential backoff after crashes.
//
// An engine that dies before ever answering a ping, or that keeps dying
// after MaxRestartTries restarts, is fatal: the supervisor stops and
// hands a Report with the engine's recent stderr to Callbacks.OnFatal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crosscloudio/client/clock"
	"github.com/crosscloudio/client/rpc"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultPingInterval     = 2 * time.Second
	DefaultPingTimeout      = 15 * time.Second
	DefaultKillGrace        = 20 * time.Second
	DefaultMaxRestartTries  = 4
	DefaultRestartBaseDelay = time.Second
)

// LockTimeoutMarker appears on engine stderr when another engine
// instance holds the sync directory lock.
const LockTimeoutMarker = "filelock.Timeout"

var (
	// ErrRestarting is returned by Call and Notify while a restart is pending.
	ErrRestarting = errors.New("daemon: engine is restarting")
	// ErrNotRunning is returned by Call and Notify when no engine is running.
	ErrNotRunning = errors.New("daemon: engine is not running")
	// ErrPingTimeout marks a health check that got no answer in time.
	ErrPingTimeout = errors.New("daemon: ping timed out")
	// ErrFatal is wrapped by the error Wait returns after a fatal failure.
	ErrFatal = errors.New("daemon: engine failed")
	// errStopped rejects calls pending when the supervisor is stopped.
	errStopped = errors.New("daemon: supervisor stopped")
)

// State is the supervisor lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateRestarting
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config describes how to launch and watch the engine.
type Config struct {
	Executable string
	Args       []string
	// Threads is passed to the engine as --threads. Zero means NumCPU.
	Threads int
	// Env holds KEY=VALUE overrides appended to the inherited environment.
	Env []string
	Dir string

	PingInterval     time.Duration
	PingTimeout      time.Duration
	KillGrace        time.Duration
	MaxRestartTries  int
	RestartBaseDelay time.Duration
	StderrLimit      int

	// FatalStderrMarkers are substrings that, once seen on stderr, make
	// the next engine exit fatal. LockTimeoutMarker is always included.
	FatalStderrMarkers []string

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.MaxRestartTries <= 0 {
		c.MaxRestartTries = DefaultMaxRestartTries
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = DefaultRestartBaseDelay
	}
	if c.StderrLimit <= 0 {
		c.StderrLimit = DefaultStderrLimit
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// CommandArgs returns the engine arguments: the configured args followed
// by the concurrency hint.
func (c Config) CommandArgs() []string {
	args := make([]string, 0, len(c.Args)+2)
	args = append(args, c.Args...)
	return append(args, "--threads", strconv.Itoa(c.Threads))
}

// Callbacks are invoked from supervisor goroutines and must not block.
type Callbacks struct {
	// OnStarted is called after every successful spawn.
	OnStarted func(pid int)
	// OnRestartAttempt is called when a restart has been scheduled.
	// attempt is 1-indexed.
	OnRestartAttempt func(attempt int, delay time.Duration)
	// OnFatal is called once when the supervisor gives up.
	OnFatal func(Report)
}

// Report describes a fatal engine failure.
type Report struct {
	Time               time.Time
	Reason             string
	ExitError          string
	Stderr             string
	RestartTries       int
	HadCorrectResponse bool
	Executable         string
	Args               []string
}

// process is one spawn of the engine.
type process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	conn       *rpc.Conn
	stderrDone chan struct{}
	waitDone   chan struct{}
}

// Supervisor owns the engine process.
type Supervisor struct {
	cfg       Config
	callbacks Callbacks
	log       *slog.Logger
	clock     clock.Clock
	ids       *rpc.IDSource
	registry  *rpc.Registry
	stderr    *stderrTail

	mu                 sync.Mutex
	state              State
	proc               *process
	restartTries       int
	waitingForRestart  bool
	hadCorrectResponse bool
	fatalMarker        string
	backoff            *backoff.ExponentialBackOff
	pingTimer          *clock.Timer
	killTimer          *clock.Timer
	restartTimer       *clock.Timer
	report             *Report

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor. Nothing is spawned until Start.
func New(cfg Config, callbacks Callbacks, log *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	cfg.FatalStderrMarkers = append([]string{LockTimeoutMarker}, cfg.FatalStderrMarkers...)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RestartBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.RestartBaseDelay << cfg.MaxRestartTries
	b.Reset()

	return &Supervisor{
		cfg:       cfg,
		callbacks: callbacks,
		log:       log,
		clock:     cfg.Clock,
		ids:       &rpc.IDSource{},
		registry:  rpc.NewRegistry(),
		stderr:    newStderrTail(cfg.StderrLimit),
		backoff:   b,
		done:      make(chan struct{}),
	}
}

// Handle registers fn for requests and notifications sent by the engine.
// Handlers survive restarts.
func (s *Supervisor) Handle(method string, fn rpc.HandlerFunc) {
	s.registry.Register(method, fn)
}

// Start spawns the engine and begins health checking. ctx bounds the
// lifetime of inbound handlers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNotStarted {
		return fmt.Errorf("daemon: cannot start in state %s", s.state)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.spawnLocked(); err != nil {
		s.cancel()
		return err
	}
	s.state = StateRunning
	return nil
}

func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.cfg.Executable, s.cfg.CommandArgs()...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Dir = s.cfg.Dir
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	s.log.Debug("starting engine", "command", s.cfg.Executable+" "+strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	pid := cmd.Process.Pid
	log := s.log.With("pid", pid)
	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		conn:       rpc.NewConn(stdout, stdin, s.ids, s.registry, log),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
	s.proc = p
	log.Info("engine started")

	go func() {
		if err := p.conn.Serve(s.ctx); err != nil {
			log.Debug("engine stdout closed", "error", err)
		}
	}()
	go s.drainStderr(p, stderr, log)
	go s.monitorExit(p, log)

	s.schedulePingLocked(p)

	if s.callbacks.OnStarted != nil {
		go s.callbacks.OnStarted(pid)
	}
	return nil
}

func (s *Supervisor) drainStderr(p *process, r io.Reader, log *slog.Logger) {
	defer close(p.stderrDone)

	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.stderr.Write(chunk)
			log.Debug("engine stderr", "data", string(chunk))
			s.checkFatalMarkers(p, log)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) checkFatalMarkers(p *process, log *slog.Logger) {
	tail := s.stderr.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalMarker != "" || s.proc != p {
		return
	}
	for _, marker := range s.cfg.FatalStderrMarkers {
		if strings.Contains(tail, marker) {
			s.fatalMarker = marker
			log.Error("fatal marker on engine stderr", "marker", marker)
			s.terminateLocked(p)
			return
		}
	}
}

// monitorExit drains the engine's output and is the sole caller of
// cmd.Wait.
func (s *Supervisor) monitorExit(p *process, log *slog.Logger) {
	<-p.conn.Done()
	<-p.stderrDone
	err := p.cmd.Wait()
	close(p.waitDone)
	log.Info("engine exited", "error", err)
	s.handleExit(p, err)
}

func (s *Supervisor) handleExit(p *process, exitErr error) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.stopTimersLocked()
	p.stdin.Close()

	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	report, attempt, delay := s.afterFailureLocked(exitErr)
	s.mu.Unlock()

	s.notify(report, attempt, delay)
}

// afterFailureLocked applies the restart policy after the engine died or
// could not be respawned. It returns a report when the failure is fatal,
// otherwise the scheduled attempt and its delay.
func (s *Supervisor) afterFailureLocked(failure error) (*Report, int, time.Duration) {
	switch {
	case s.fatalMarker == LockTimeoutMarker:
		return s.fatalLocked("another instance of the engine is already running", failure), 0, 0
	case s.fatalMarker != "":
		return s.fatalLocked("engine reported a fatal error: "+s.fatalMarker, failure), 0, 0
	case !s.hadCorrectResponse:
		return s.fatalLocked("engine exited before it became healthy", failure), 0, 0
	}

	s.restartTries++
	if s.restartTries > s.cfg.MaxRestartTries {
		return s.fatalLocked(fmt.Sprintf("engine crashed %d times in a row", s.restartTries), failure), 0, 0
	}

	delay := s.backoff.NextBackOff()
	s.state = StateRestarting
	s.waitingForRestart = true
	s.restartTimer = s.clock.AfterFunc(delay, s.restart)
	s.log.Warn("engine crashed, scheduling restart", "attempt", s.restartTries, "maxAttempts", s.cfg.MaxRestartTries, "delay", delay, "error", failure)
	return nil, s.restartTries, delay
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	if s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	if err := s.spawnLocked(); err != nil {
		s.log.Error("failed to restart engine", "error", err)
		report, attempt, delay := s.afterFailureLocked(err)
		s.mu.Unlock()
		s.notify(report, attempt, delay)
		return
	}
	s.state = StateRunning
	s.waitingForRestart = false
	s.mu.Unlock()
}

func (s *Supervisor) notify(report *Report, attempt int, delay time.Duration) {
	if report != nil {
		if s.callbacks.OnFatal != nil {
			s.callbacks.OnFatal(*report)
		}
		return
	}
	if attempt > 0 && s.callbacks.OnRestartAttempt != nil {
		s.callbacks.OnRestartAttempt(attempt, delay)
	}
}

func (s *Supervisor) fatalLocked(reason string, failure error) *Report {
	report := &Report{
		Time:               s.clock.Now(),
		Reason:             reason,
		Stderr:             s.stderr.String(),
		RestartTries:       s.restartTries,
		HadCorrectResponse: s.hadCorrectResponse,
		Executable:         s.cfg.Executable,
		Args:               s.cfg.CommandArgs(),
	}
	if failure != nil {
		report.ExitError = failure.Error()
	}
	s.log.Error("engine failed fatally", "reason", reason, "error", failure, "restartTries", s.restartTries)

	s.state = StateFatal
	s.waitingForRestart = false
	s.report = report
	s.stopTimersLocked()
	if s.proc != nil {
		s.proc.conn.Close(fmt.Errorf("%w: %s", ErrFatal, reason))
		s.terminateLocked(s.proc)
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	return report
}

func (s *Supervisor) schedulePingLocked(p *process) {
	s.pingTimer = s.clock.AfterFunc(s.cfg.PingInterval, func() {
		go s.healthCheck(p)
	})
}

func (s *Supervisor) healthCheck(p *process) {
	s.mu.Lock()
	if s.proc != p || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- p.conn.Call(ctx, "ping", nil, nil) }()

	var err error
	select {
	case err = <-result:
	case <-s.clock.After(s.cfg.PingTimeout):
		err = ErrPingTimeout
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != p || s.state != StateRunning {
		return
	}
	if err == nil {
		if !s.hadCorrectResponse {
			s.log.Info("engine is healthy")
		}
		s.hadCorrectResponse = true
		s.restartTries = 0
		s.backoff.Reset()
		s.schedulePingLocked(p)
		return
	}

	s.log.Warn("engine health check failed, terminating", "error", err)
	s.terminateLocked(p)
}

// terminateLocked asks the engine to exit and arms the kill timer. Exit
// handling happens in monitorExit.
func (s *Supervisor) terminateLocked(p *process) {
	select {
	case <-p.waitDone:
		return
	default:
	}
	if err := terminateProcess(p.cmd.Process); err != nil {
		s.log.Debug("terminate failed", "error", err)
	}
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.killTimer = s.clock.AfterFunc(s.cfg.KillGrace, func() {
		select {
		case <-p.waitDone:
			return
		default:
		}
		s.log.Warn("engine ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
		if err := killProcess(p.cmd.Process); err != nil {
			s.log.Debug("kill failed", "error", err)
		}
	})
}

func (s *Supervisor) stopTimersLocked() {
	for _, t := range []*clock.Timer{s.pingTimer, s.restartTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.pingTimer = nil
	s.restartTimer = nil
}

// Stop shuts the engine down: stdin is closed, SIGTERM is sent, and the
// engine is killed if it has not exited after KillGrace. Pending calls
// are rejected. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateFatal {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.waitingForRestart = false
	s.stopTimersLocked()
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	p := s.proc
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if p != nil {
		s.log.Debug("stopping engine")
		p.conn.Close(errStopped)
		p.stdin.Close()
		if err := terminateProcess(p.cmd.Process); err != nil {
			s.log.Debug("terminate failed", "error", err)
		}
		select {
		case <-p.waitDone:
			s.log.Debug("engine exited gracefully")
		case <-s.clock.After(s.cfg.KillGrace):
			s.log.Warn("force killing engine")
			killProcess(p.cmd.Process)
			<-p.waitDone
		}
	}
	close(s.done)
}

// Wait blocks until the supervisor is stopped or has failed. It returns
// nil after Stop and an error wrapping ErrFatal after a fatal failure.
func (s *Supervisor) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report != nil {
		return fmt.Errorf("%w: %s", ErrFatal, s.report.Reason)
	}
	return nil
}

// Done is closed when the supervisor stops or fails.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) conn() (*rpc.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitingForRestart {
		return nil, ErrRestarting
	}
	if s.state != StateRunning || s.proc == nil {
		return nil, ErrNotRunning
	}
	return s.proc.conn, nil
}

// Call sends a request to the engine and waits for its response. It
// fails immediately with ErrRestarting while a restart is pending.
func (s *Supervisor) Call(ctx context.Context, method string, params, result any) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, params, result)
}

// Notify sends a notification to the engine.
func (s *Supervisor) Notify(method string, params any) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the engine has answered at least one ping.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hadCorrectResponse
}

// RestartTries returns the number of consecutive restarts since the last
// successful ping.
func (s *Supervisor) RestartTries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartTries
}

// Report returns the fatal report, or nil.
func (s *Supervisor) Report() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Stderr returns the retained tail of the engine's stderr.
func (s *Supervisor) Stderr() string {
	return s.stderr.String()
}
