package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shellus/tailexplorer/internal/registry"
)

// Manager owns one session per configured source. Sessions materialize
// lazily on first use and stay alive until Shutdown regardless of how many
// subscribers they have, so the buffer keeps filling between viewers.
type Manager struct {
	reg  *registry.Registry
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// NewManager wires a registry to the session options shared by every source.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	return &Manager{
		reg:      reg,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Session returns the running session for id, creating and starting it on
// first use. Unknown ids fail with registry.ErrNotFound.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, fmt.Errorf("source manager is shut down")
	}
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	desc, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	sess := NewSession(desc, m.opts)
	if err := sess.Start(); err != nil {
		return nil, err
	}
	m.sessions[id] = sess
	return sess, nil
}

// Peek returns the session for id if one was materialized, without starting
// anything. Nil means the source has not been observed yet.
func (m *Manager) Peek(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Autostart materializes every descriptor marked autostart.
func (m *Manager) Autostart() error {
	for _, id := range m.reg.IDs() {
		desc, err := m.reg.Lookup(id)
		if err != nil {
			return err
		}
		if !desc.Autostart {
			continue
		}
		if _, err := m.Session(id); err != nil {
			return fmt.Errorf("autostart %q: %w", id, err)
		}
	}
	return nil
}

// PIDs reports the live child process ids keyed by source, for resource
// usage sampling.
func (m *Manager) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, sess := range m.snapshot() {
		if sess.State() != StateRunning {
			continue
		}
		if pid := sess.PID(); pid > 0 {
			out[sess.ID()] = int32(pid)
		}
	}
	return out
}

// Statuses reports every materialized session keyed by source id.
func (m *Manager) Statuses() map[string]Status {
	sessions := m.snapshot()
	out := make(map[string]Status, len(sessions))
	for _, sess := range sessions {
		out[sess.ID()] = sess.Status()
	}
	return out
}

// Shutdown stops every session concurrently and refuses further Session
// calls. Repeat calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("stop %q: %w", sess.ID(), err))
				errMu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}
