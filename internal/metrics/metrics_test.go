package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Exercise helpers; they should work only after Register
	IncStart("app")
	IncStart("app")
	IncRestart("app")
	IncStop("app")
	IncLinesRead("app")
	IncBufferTrim("app")
	SetBufferLines("app", 42)
	SetSubscribers("app", 3)
	AddDroppedLines("app", 7)
	ObserveRunDuration("app", 12.5)
	IncLoginAttempt("success")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"tailexplorer_source_starts_total":         false,
		"tailexplorer_source_restarts_total":       false,
		"tailexplorer_source_stops_total":          false,
		"tailexplorer_source_run_duration_seconds": false,
		"tailexplorer_stream_lines_read_total":     false,
		"tailexplorer_stream_buffer_trims_total":   false,
		"tailexplorer_stream_buffer_lines":         false,
		"tailexplorer_stream_subscribers":          false,
		"tailexplorer_stream_dropped_lines_total":  false,
		"tailexplorer_auth_login_attempts_total":   false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Ensure collectors are registered with the default registry used by Handler().
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	// touch some metrics
	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "tailexplorer_source_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLinesRead("c")
			AddDroppedLines("c", 2)
			SetBufferLines("c", 10)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestStateTransitionMetrics(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)

	// These should not panic while unregistered
	RecordStateTransition("web", "starting", "running")
	RecordStateTransition("web", "running", "crashed")
	RecordStateTransition("web", "crashed", "starting")

	regOK.Store(originalState)

	if regOK.Load() {
		RecordStateTransition("web", "running", "stopped")
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart("test")
	IncRestart("test")
	IncStop("test")
	IncLinesRead("test")
	IncBufferTrim("test")
	SetBufferLines("test", 1)
	SetSubscribers("test", 1)
	AddDroppedLines("test", 1)
	ObserveRunDuration("test", 1.0)
	RecordStateTransition("test", "idle", "starting")
	SetCurrentState("test", "running", true)
	IncLoginAttempt("failure")
}

func TestRegisterError(t *testing.T) {
	errorRegisterer := &errorRegisterer{shouldError: true}

	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer)
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
