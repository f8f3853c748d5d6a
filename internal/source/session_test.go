package source

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shellus/tailexplorer/internal/events"
	"github.com/shellus/tailexplorer/internal/hub"
	"github.com/shellus/tailexplorer/internal/registry"
)

func requireUnixSession(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("session supervision requires a Unix shell")
	}
}

func testDesc(id, command string) registry.Descriptor {
	return registry.Descriptor{ID: id, Name: id, Kind: registry.KindFileTail, Command: command}
}

// fastOpts keeps crash-loop tests quick; StableAfter is huge so the backoff
// never resets mid-test.
func fastOpts() Options {
	return Options{
		RestartInterval:    50 * time.Millisecond,
		MaxRestartInterval: 100 * time.Millisecond,
		StopGrace:          2 * time.Second,
		StableAfter:        time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, sub *hub.Subscriber) hub.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, _, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}

func stopSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Send(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) count(tp events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == tp {
			n++
		}
	}
	return n
}

func (r *recordingSink) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func TestSessionStreamsAndMergesStderr(t *testing.T) {
	requireUnixSession(t)
	s := NewSession(testDesc("merge", `sh -c 'echo out-line; echo err-line 1>&2; sleep 60'`), fastOpts())
	defer stopSession(t, s)

	backlog, sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog before start, got %v", backlog)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := nextEvent(t, sub)
	second := nextEvent(t, sub)
	if first.Kind != hub.EventLine || first.Line != "out-line" {
		t.Fatalf("first event = %+v, want line out-line", first)
	}
	if second.Kind != hub.EventLine || second.Line != "err-line" {
		t.Fatalf("second event = %+v, want stderr merged as err-line", second)
	}

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }, "running state")
	st := s.Status()
	if st.PID <= 0 {
		t.Fatalf("expected live PID, got %+v", st)
	}
	if st.BufferedLines != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", st.BufferedLines)
	}
}

func TestSessionAppliesEnvOverrides(t *testing.T) {
	requireUnixSession(t)
	t.Setenv("SESSION_ENV_BASE", "/var/log")
	desc := testDesc("withenv", `sh -c 'echo "tag=$SESSION_TAG dir=$SESSION_DIR"; sleep 60'`)
	desc.Env = []string{"SESSION_TAG=alpha", "SESSION_DIR=${SESSION_ENV_BASE}/app"}
	s := NewSession(desc, fastOpts())
	defer stopSession(t, s)

	_, sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := nextEvent(t, sub)
	if ev.Line != "tag=alpha dir=/var/log/app" {
		t.Fatalf("env overrides not applied: %q", ev.Line)
	}
}

func TestSessionCrashRestartAndBufferRetained(t *testing.T) {
	requireUnixSession(t)
	s := NewSession(testDesc("crashy", `sh -c 'echo boot; exit 3'`), fastOpts())
	defer stopSession(t, s)

	_, sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := nextEvent(t, sub)
	if first.Kind != hub.EventLine || first.Line != "boot" {
		t.Fatalf("first event = %+v, want line boot", first)
	}
	second := nextEvent(t, sub)
	if second.Kind != hub.EventError {
		t.Fatalf("second event = %+v, want crash error", second)
	}
	if !strings.Contains(second.Message, "terminated") || !strings.Contains(second.Message, "exit status 3") {
		t.Fatalf("unexpected crash message %q", second.Message)
	}
	third := nextEvent(t, sub)
	if third.Kind != hub.EventLine || third.Line != "boot" {
		t.Fatalf("third event = %+v, want line boot from the relaunch", third)
	}

	waitFor(t, 5*time.Second, func() bool { return s.Restarts() >= 1 }, "restart counter")
	if got := s.Hub().Len(); got < 2 {
		t.Fatalf("buffer should survive the crash, have %d lines", got)
	}
}

func TestSessionStopKillsProcessGroup(t *testing.T) {
	requireUnixSession(t)
	s := NewSession(testDesc("pipeline", `sh -c 'tail -f /dev/null | cat'`), fastOpts())

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }, "running state")
	pid := s.PID()
	if pid <= 0 {
		t.Fatalf("no pid for running session")
	}

	stopSession(t, s)
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	// The whole process group (sh, tail, cat) must be gone.
	waitFor(t, 5*time.Second, func() bool {
		return syscall.Kill(-pid, 0) != nil
	}, "process group teardown")
}

func TestSessionStopDuringBackoffIsPrompt(t *testing.T) {
	requireUnixSession(t)
	opts := fastOpts()
	opts.RestartInterval = 10 * time.Second
	opts.MaxRestartInterval = 20 * time.Second
	s := NewSession(testDesc("looper", `sh -c 'exit 1'`), opts)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateCrashed }, "crashed state")

	began := time.Now()
	stopSession(t, s)
	if elapsed := time.Since(began); elapsed > 3*time.Second {
		t.Fatalf("stop during backoff took %v", elapsed)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
}

func TestSessionStopIsTerminalAndIdempotent(t *testing.T) {
	requireUnixSession(t)
	s := NewSession(testDesc("short", `sh -c 'sleep 60'`), fastOpts())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }, "running state")

	stopSession(t, s)
	stopSession(t, s) // second stop is a no-op
	if err := s.Start(); err == nil {
		t.Fatal("start after stop should fail")
	}

	// The hub closed with the stop reason; late subscribers still see the buffer.
	_, sub := s.Hub().Subscribe()
	if _, _, err := sub.Next(context.Background()); err == nil {
		t.Fatal("expected closed subscriber after stop")
	}
	if reason := sub.CloseReason(); reason != "source stopped" {
		t.Fatalf("close reason = %q", reason)
	}
}

func TestSessionEmitsLifecycleEvents(t *testing.T) {
	requireUnixSession(t)
	sink := &recordingSink{}
	opts := fastOpts()
	opts.Sinks = []events.Sink{sink}
	s := NewSession(testDesc("audited", `sh -c 'exit 7'`), opts)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return sink.count(events.TypeCrashed) >= 2 }, "two crash events")
	stopSession(t, s)

	if sink.count(events.TypeStarted) < 2 {
		t.Fatalf("expected one started event per run, got %d", sink.count(events.TypeStarted))
	}
	if sink.count(events.TypeStopped) != 1 {
		t.Fatalf("expected exactly one stopped event, got %d", sink.count(events.TypeStopped))
	}
	all := sink.all()
	if all[0].Type != events.TypeStarted {
		t.Fatalf("first event = %s, want started", all[0].Type)
	}
	if last := all[len(all)-1]; last.Type != events.TypeStopped {
		t.Fatalf("last event = %s, want stopped", last.Type)
	}
	for _, e := range all {
		if e.SourceID != "audited" {
			t.Fatalf("event carries source %q", e.SourceID)
		}
		if e.OccurredAt.IsZero() {
			t.Fatal("event missing timestamp")
		}
	}
}

func TestSessionOversizedLineAbortsRun(t *testing.T) {
	requireUnixSession(t)
	// Emit a single line well over the 1 MiB cap.
	s := NewSession(testDesc("widefile", `sh -c 'head -c 2097152 /dev/zero | tr "\0" a; echo'`), fastOpts())
	defer stopSession(t, s)

	_, sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := nextEvent(t, sub)
	if ev.Kind != hub.EventError {
		t.Fatalf("event = %+v, want read-failure error", ev)
	}
	if !strings.Contains(ev.Message, "read output") {
		t.Fatalf("unexpected message %q", ev.Message)
	}
}
