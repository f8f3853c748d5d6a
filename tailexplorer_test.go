package tailexplorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func testConfig() *Config {
	return &Config{
		Sources: []Descriptor{{
			ID:      "demo",
			Name:    "Demo",
			Kind:    KindProcessGroupLogs,
			Command: "sh -c 'echo hello; sleep 60'",
		}},
		Security: SecurityConfig{Password: "secret"},
	}
}

func TestExplorerWatchAndRecent(t *testing.T) {
	requireUnix(t)
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	backlog, sub, cancelWatch, err := e.Watch("demo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancelWatch()

	lines := append([]string{}, backlog...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(lines) == 0 {
		ev, _, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Kind == EventLine {
			lines = append(lines, ev.Line)
		}
	}
	if lines[0] != "hello" {
		t.Fatalf("expected hello, got %q", lines[0])
	}

	st, err := e.Status("demo")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ID != "demo" || st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	recent, err := e.Recent("demo", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) == 0 || recent[len(recent)-1] != "hello" {
		t.Fatalf("unexpected recent: %v", recent)
	}
}

func TestExplorerRecentNeverStarts(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	recent, err := e.Recent("demo", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected empty buffer, got %v", recent)
	}
	if n := len(e.Statuses()); n != 0 {
		t.Fatalf("recent must not materialize a session, got %d", n)
	}
	st, err := e.Status("demo")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "idle" {
		t.Fatalf("expected idle, got %q", st.State)
	}
	if _, err := e.Recent("nope", 5); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestExplorerAuthFlow(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()
	ctx := context.Background()

	if _, _, err := e.Login(ctx, "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
	token, expiresAt, err := e.Login(ctx, "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 64-char hex token, got %d chars", len(token))
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("token already expired: %v", expiresAt)
	}
	if err := e.ValidateToken(ctx, token); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := e.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := e.ValidateToken(ctx, token); err == nil {
		t.Fatal("expected validation failure after logout")
	}
}

func TestExplorerHandler(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	ts := httptest.NewServer(e.Handler(""))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/login", "application/json", strings.NewReader(`{"password":"secret"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "tailexplorer_session" {
			session = c
		}
	}
	if session == nil {
		t.Fatal("login did not set a session cookie")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sources", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sources status %d", resp.StatusCode)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("expected 1 source, got %d", body.Count)
	}
}

func TestLoadConfigFacade(t *testing.T) {
	dir := t.TempDir()
	raw := `
log_sources:
  Web:
    name: Web Server
    type: process-group-logs
    command: "tail -f /var/log/web.log"
    autostart: true
security:
  password: hunter2
logging:
  max_lines_per_source: 500
  cleanup_threshold: 200
`
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(c.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(c.Sources))
	}
	if c.Sources[0].ID != "web" {
		t.Fatalf("expected lower-cased id, got %q", c.Sources[0].ID)
	}
	if !c.Sources[0].Autostart {
		t.Fatal("autostart not parsed")
	}
	if c.Logging.MaxLinesPerSource != 500 {
		t.Fatalf("logging not parsed: %+v", c.Logging)
	}
	if c.Security.SessionTTL() != 24*time.Hour {
		t.Fatalf("expected default session ttl, got %v", c.Security.SessionTTL())
	}
}

func TestMetricsHelpers(t *testing.T) {
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	// ServeMetrics mounts the default promhttp handler; exercise it directly.
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics handler status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatal("metrics output missing runtime collectors")
	}
}
