// Package hub implements per-source fan-out: a bounded recency buffer of
// output lines plus a set of subscribers, each with an independent bounded
// delivery queue. The buffer and subscriber set are guarded by one mutex so
// a subscriber's backlog snapshot and its registration for live delivery
// happen atomically with respect to appends; no line can fall between the
// snapshot and the first live delivery, and none is delivered twice.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/shellus/tailexplorer/internal/metrics"
)

const (
	DefaultMaxLines         = 10000
	DefaultCleanupThreshold = 5000
	DefaultQueueSize        = 256
)

// Limits bounds the shared buffer and the per-subscriber queues.
type Limits struct {
	// MaxLines caps the buffer; an append that would exceed it triggers a trim.
	MaxLines int
	// CleanupThreshold is the number of most-recent lines kept by a trim.
	// Keeping it well below MaxLines amortizes the trim cost over many appends.
	CleanupThreshold int
	// QueueSize caps each subscriber's undelivered queue.
	QueueSize int
}

func (l Limits) withDefaults() Limits {
	if l.MaxLines <= 0 {
		l.MaxLines = DefaultMaxLines
	}
	if l.CleanupThreshold <= 0 || l.CleanupThreshold >= l.MaxLines {
		l.CleanupThreshold = l.MaxLines / 2
	}
	if l.QueueSize <= 0 {
		l.QueueSize = DefaultQueueSize
	}
	return l
}

// EventKind discriminates subscriber queue entries.
type EventKind int

const (
	EventLine EventKind = iota
	EventError
)

// Event is one entry in a subscriber's delivery queue.
type Event struct {
	Kind    EventKind
	Line    string // EventLine
	Message string // EventError
}

// ErrClosed is returned by Subscriber.Next once the queue is drained after
// the subscriber was unsubscribed or the hub was closed.
var ErrClosed = errors.New("subscriber closed")

// Subscriber is one live consumer of a hub. Its queue is a fixed ring;
// when full, the oldest undelivered entry is discarded so the producer
// never waits on a slow consumer.
type Subscriber struct {
	mu      sync.Mutex
	buf     []Event
	head    int
	count   int
	dropped int
	closed  bool
	reason  string
	wake    chan struct{}
}

func newSubscriber(queueSize int) *Subscriber {
	return &Subscriber{
		buf:  make([]Event, queueSize),
		wake: make(chan struct{}, 1),
	}
}

// push enqueues ev, evicting the oldest entry when full. Reports whether a
// line was evicted. Never blocks.
func (s *Subscriber) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var evictedLine bool
	if s.count == len(s.buf) {
		if s.buf[s.head].Kind == EventLine {
			s.dropped++
			evictedLine = true
		}
		s.head = (s.head + 1) % len(s.buf)
		s.count--
	}
	s.buf[(s.head+s.count)%len(s.buf)] = ev
	s.count++
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return evictedLine
}

// finish marks the subscriber closed. Queued events remain deliverable;
// Next returns ErrClosed only once the queue is drained.
func (s *Subscriber) finish(reason string) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.reason = reason
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscriber is closed and
// drained, or ctx is done. The second return value is the number of lines
// dropped from this subscriber's queue immediately before the returned
// event; a nonzero value means the consumer fell behind and lines are gone.
func (s *Subscriber) Next(ctx context.Context) (Event, int, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			gap := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return ev, gap, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, 0, ErrClosed
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, 0, ctx.Err()
		}
	}
}

// CloseReason returns the reason passed to the close, if any.
func (s *Subscriber) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Pending returns the number of undelivered events.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Hub owns one source's line buffer and subscriber set.
type Hub struct {
	source string
	limits Limits

	mu     sync.Mutex
	lines  []string
	subs   map[*Subscriber]struct{}
	closed bool
	reason string
}

// New creates a hub for the given source id. Zero limit fields fall back to
// the package defaults.
func New(source string, limits Limits) *Hub {
	return &Hub{
		source: source,
		limits: limits.withDefaults(),
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Publish appends a line to the buffer, trimming when the cap is exceeded,
// and enqueues it to every subscriber. Called only by the session's reader.
func (h *Hub) Publish(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	if len(h.lines) > h.limits.MaxLines {
		kept := make([]string, h.limits.CleanupThreshold)
		copy(kept, h.lines[len(h.lines)-h.limits.CleanupThreshold:])
		h.lines = kept
		metrics.IncBufferTrim(h.source)
	}
	metrics.IncLinesRead(h.source)
	metrics.SetBufferLines(h.source, len(h.lines))
	evicted := 0
	ev := Event{Kind: EventLine, Line: line}
	for sub := range h.subs {
		if sub.push(ev) {
			evicted++
		}
	}
	h.mu.Unlock()
	metrics.AddDroppedLines(h.source, evicted)
}

// NotifyError fans an error message out to every current subscriber, in
// order relative to published lines.
func (h *Hub) NotifyError(msg string) {
	h.mu.Lock()
	ev := Event{Kind: EventError, Message: msg}
	for sub := range h.subs {
		sub.push(ev)
	}
	h.mu.Unlock()
}

// Subscribe returns a copy of the buffered lines and a live subscriber
// registered in the same critical section, so the snapshot boundary is
// exact. On a closed hub the subscriber is returned already finished.
func (h *Hub) Subscribe() ([]string, *Subscriber) {
	sub := newSubscriber(h.limits.QueueSize)
	h.mu.Lock()
	backlog := make([]string, len(h.lines))
	copy(backlog, h.lines)
	if h.closed {
		reason := h.reason
		h.mu.Unlock()
		sub.finish(reason)
		return backlog, sub
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetSubscribers(h.source, n)
	return backlog, sub
}

// Unsubscribe removes sub. Idempotent and safe concurrently with Publish.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	if present {
		delete(h.subs, sub)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if present {
		metrics.SetSubscribers(h.source, n)
		sub.finish("")
	}
}

// Close finishes every subscriber with the given reason and rejects future
// registrations. The buffer stays readable afterwards.
func (h *Hub) Close(reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.reason = reason
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, sub := range subs {
		sub.finish(reason)
	}
	metrics.SetSubscribers(h.source, 0)
}

// Snapshot returns a copy of the current buffer contents, oldest first.
func (h *Hub) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}

// Recent returns a copy of the most recent n lines, oldest first.
// n <= 0 returns the whole buffer.
func (h *Hub) Recent(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.lines) {
		n = len(h.lines)
	}
	out := make([]string, n)
	copy(out, h.lines[len(h.lines)-n:])
	return out
}

// Len returns the current buffer length.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines)
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
