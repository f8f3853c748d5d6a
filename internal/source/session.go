// Package source supervises the child processes behind configured log
// sources and feeds their output into per-source hubs.
//
// One Session exists per source id. Its supervise goroutine spawns the
// child, streams merged stdout+stderr line by line into the hub, and
// relaunches after crashes with an exponential backoff. Stop is terminal:
// the child's whole process group is signaled so shell pipelines die as a
// unit, and no orphans remain.
package source

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/shellus/tailexplorer/internal/env"
	"github.com/shellus/tailexplorer/internal/events"
	"github.com/shellus/tailexplorer/internal/hub"
	"github.com/shellus/tailexplorer/internal/metrics"
	"github.com/shellus/tailexplorer/internal/registry"
)

const (
	DefaultRestartInterval    = 1 * time.Second
	DefaultMaxRestartInterval = 30 * time.Second
	DefaultStopGrace          = 5 * time.Second
	DefaultStableAfter        = 10 * time.Second

	// maxLineBytes caps a single output line; a longer line aborts the run.
	maxLineBytes = 1 << 20
)

// Options tunes supervision for every session. The zero value selects the
// defaults above.
type Options struct {
	Limits             hub.Limits
	RestartInterval    time.Duration // delay before the first crash relaunch
	MaxRestartInterval time.Duration // cap for the doubling backoff
	StopGrace          time.Duration // SIGTERM to SIGKILL window on stop
	StableAfter        time.Duration // run length that resets the backoff
	Sinks              []events.Sink
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RestartInterval <= 0 {
		o.RestartInterval = DefaultRestartInterval
	}
	if o.MaxRestartInterval < o.RestartInterval {
		o.MaxRestartInterval = DefaultMaxRestartInterval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.StableAfter <= 0 {
		o.StableAfter = DefaultStableAfter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// State is a session's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a session for the API layer.
type Status struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Restarts      int       `json:"restarts"`
	Subscribers   int       `json:"subscribers"`
	BufferedLines int       `json:"buffered_lines"`
	LastError     string    `json:"last_error,omitempty"`
}

// Session supervises the child process behind one source descriptor and owns
// the hub its output fans out through.
//
// State machine: idle -> starting -> running -> crashed -> starting ...
// Stop moves any state to stopped, which is terminal. A crash never discards
// the buffer; the next run appends to it.
type Session struct {
	desc   registry.Descriptor
	opts   Options
	hub    *hub.Hub
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	pid       int
	outR      *os.File // read end of the current run's output pipe
	startedAt time.Time
	restarts  int
	lastExit  error
	stopping  bool          // Stop was requested; suppress relaunch
	waitDone  chan struct{} // closed when the current run is reaped
	started   bool          // supervise goroutine launched
	finalized bool
	cancel    context.CancelFunc
	done      chan struct{} // closed when the supervise goroutine exits
}

// NewSession prepares a session without launching anything.
func NewSession(desc registry.Descriptor, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		desc:   desc,
		opts:   opts,
		hub:    hub.New(desc.ID, opts.Limits),
		logger: opts.Logger.With("source", desc.ID),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.desc.ID }

func (s *Session) Descriptor() registry.Descriptor { return s.desc }

// Hub exposes the session's buffer and fan-out surface.
func (s *Session) Hub() *hub.Hub { return s.hub }

// Start launches the supervise loop. Calling it on a session that is already
// running is a no-op; a stopped session cannot be started again.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.state == StateStopped {
		return fmt.Errorf("source %q is stopped", s.desc.ID)
	}
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.supervise(ctx)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Session) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Status reports the current lifecycle view, including hub occupancy.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:        s.desc.ID,
		State:     s.state.String(),
		PID:       s.pid,
		StartedAt: s.startedAt,
		Restarts:  s.restarts,
	}
	if s.lastExit != nil {
		st.LastError = s.lastExit.Error()
	}
	s.mu.Unlock()
	st.Subscribers = s.hub.SubscriberCount()
	st.BufferedLines = s.hub.Len()
	return st
}

// supervise runs the child repeatedly until Stop. The relaunch delay doubles
// on every consecutive quick failure, capped at MaxRestartInterval, and
// returns to RestartInterval once a run survives StableAfter.
func (s *Session) supervise(ctx context.Context) {
	defer close(s.done)

	backoff := s.opts.RestartInterval
	for ctx.Err() == nil {
		s.mu.Lock()
		s.pid = 0
		s.mu.Unlock()
		s.setState(StateStarting)

		began := time.Now()
		err := s.runOnce(ctx)
		ran := time.Since(began)
		metrics.ObserveRunDuration(s.desc.ID, ran.Seconds())

		if ctx.Err() != nil || s.stopRequested() {
			return
		}

		s.setState(StateCrashed)
		detail := "process exited"
		if err != nil {
			detail = err.Error()
		}
		s.logger.Warn("source process terminated", "detail", detail, "ran", ran)
		s.hub.NotifyError("log source terminated: " + detail)
		s.emit(events.TypeCrashed, detail)

		if ran >= s.opts.StableAfter {
			backoff = s.opts.RestartInterval
		}
		delay := backoff
		backoff *= 2
		if backoff > s.opts.MaxRestartInterval {
			backoff = s.opts.MaxRestartInterval
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		metrics.IncRestart(s.desc.ID)
	}
}

// runOnce spawns the child, streams its output into the hub until EOF, and
// reaps it. The child gets its own process group so that shell pipelines can
// be signaled as a unit.
func (s *Session) runOnce(ctx context.Context) error {
	cmd := BuildCommand(s.desc.Command)
	if s.desc.WorkDir != "" {
		cmd.Dir = s.desc.WorkDir
	}
	if len(s.desc.Env) > 0 {
		cmd.Env = env.Compose(s.desc.Env)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// One pipe for both streams: command-line log followers routinely write
	// to stderr, and subscribers want a single merged stream.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("spawn %q: %w", s.desc.Command, err)
	}
	// The parent's write end must close so EOF follows the child's exit.
	_ = pw.Close()

	pid := cmd.Process.Pid
	s.markRunning(pid, pr)
	s.setState(StateRunning)
	s.logger.Info("source process started", "pid", pid)
	metrics.IncStart(s.desc.ID)
	s.emit(events.TypeStarted, "")

	// Stop may have raced the spawn; make sure such a child dies promptly.
	if s.stopRequested() || ctx.Err() != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.hub.Publish(scanner.Text())
	}
	serr := scanner.Err()
	_ = pr.Close()
	if serr != nil {
		// The stream is unreadable (line over maxLineBytes or a read fault);
		// the run cannot continue with lines unaccounted for.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	werr := cmd.Wait()
	s.markExited(werr)
	if serr != nil {
		return fmt.Errorf("read output: %w", serr)
	}
	return werr
}

// Stop terminates the session for good: the supervise loop is cancelled, the
// child's process group gets SIGTERM and then SIGKILL after the grace window,
// and the hub is closed once the child is reaped. Safe to call repeatedly and
// concurrently.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	already := s.stopping
	s.stopping = true
	cancel := s.cancel
	started := s.started
	pid := 0
	if s.state == StateRunning {
		pid = s.pid
	}
	wd := s.waitDone
	s.mu.Unlock()

	if !already {
		if cancel != nil {
			cancel()
		}
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			if wd != nil {
				grace := time.NewTimer(s.opts.StopGrace)
				select {
				case <-wd:
					grace.Stop()
				case <-grace.C:
					s.killCurrent()
				case <-ctx.Done():
					grace.Stop()
					s.killCurrent()
					return ctx.Err()
				}
			}
		}
	}

	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.finalize()
	return nil
}

// finalize records the terminal state exactly once. Reached from every Stop
// caller after the supervise goroutine has exited.
func (s *Session) finalize() {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	s.setState(StateStopped)
	metrics.IncStop(s.desc.ID)
	s.emit(events.TypeStopped, "")
	s.hub.Close("source stopped")
	s.logger.Info("source stopped")
}

func (s *Session) markRunning(pid int, out *os.File) {
	s.mu.Lock()
	s.pid = pid
	s.outR = out
	s.startedAt = time.Now()
	s.lastExit = nil
	s.waitDone = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) markExited(err error) {
	s.mu.Lock()
	s.lastExit = err
	s.outR = nil
	wd := s.waitDone
	s.waitDone = nil
	s.mu.Unlock()
	if wd != nil {
		close(wd)
	}
}

// killCurrent force-kills the current run and unblocks its reader. A child
// that re-parented grandchildren into a new session could otherwise hold the
// output pipe open past SIGKILL.
func (s *Session) killCurrent() {
	s.mu.Lock()
	pid := s.pid
	out := s.outR
	s.mu.Unlock()
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	if out != nil {
		_ = out.Close()
	}
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// setState swaps the lifecycle state and mirrors the transition to metrics.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.desc.ID, prev.String(), next.String())
	metrics.SetCurrentState(s.desc.ID, prev.String(), false)
	metrics.SetCurrentState(s.desc.ID, next.String(), true)
}

// emit delivers one lifecycle event to every configured sink. Sink failures
// are logged, never propagated; supervision must not depend on sink health.
func (s *Session) emit(t events.Type, detail string) {
	if len(s.opts.Sinks) == 0 {
		return
	}
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()

	e := events.Event{
		SourceID:   s.desc.ID,
		Type:       t,
		PID:        pid,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, snk := range s.opts.Sinks {
		if err := snk.Send(ctx, e); err != nil {
			s.logger.Warn("lifecycle event sink failed", "event", string(t), "error", err)
		}
	}
}
