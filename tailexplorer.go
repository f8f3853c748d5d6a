// Package tailexplorer is the embeddable facade over the log streaming
// server: load a configuration, build an Explorer, then mount its HTTP
// handler in an existing mux or start a standalone server with
// NewHTTPServer. Everything the CLI does goes through this surface.
package tailexplorer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shellus/tailexplorer/internal/auth"
	cfg "github.com/shellus/tailexplorer/internal/config"
	"github.com/shellus/tailexplorer/internal/events"
	evfactory "github.com/shellus/tailexplorer/internal/events/factory"
	"github.com/shellus/tailexplorer/internal/hub"
	"github.com/shellus/tailexplorer/internal/metrics"
	"github.com/shellus/tailexplorer/internal/registry"
	iapi "github.com/shellus/tailexplorer/internal/server"
	"github.com/shellus/tailexplorer/internal/source"
	storefactory "github.com/shellus/tailexplorer/internal/store/factory"
	"github.com/shellus/tailexplorer/internal/tlsconfig"
)

// Core types (public aliases)

type Config = cfg.Config
type LoggingConfig = cfg.LoggingConfig
type SuperviseConfig = cfg.SuperviseConfig
type SecurityConfig = cfg.SecurityConfig
type TokenStoreConfig = cfg.TokenStoreConfig
type ServerConfig = cfg.ServerConfig
type MetricsConfig = cfg.MetricsConfig
type EventsConfig = cfg.EventsConfig
type TLSConfig = cfg.TLSConfig
type Descriptor = registry.Descriptor
type Summary = registry.Summary
type Kind = registry.Kind
type Status = source.Status
type LogEvent = hub.Event
type Subscriber = hub.Subscriber
type EventSink = events.Sink

const (
	KindProcessGroupLogs = registry.KindProcessGroupLogs
	KindFileTail         = registry.KindFileTail
	KindSystemJournal    = registry.KindSystemJournal
)

// Stream event kinds delivered by Subscriber.Next.
const (
	EventLine  = hub.EventLine
	EventError = hub.EventError
)

// DefaultListen is the API server address when server.listen is not set.
const DefaultListen = cfg.DefaultListen

// Explorer bundles the source registry, the per-source supervision sessions
// and the auth gate behind one embeddable value.
type Explorer struct {
	reg    *registry.Registry
	mgr    *source.Manager
	gate   *auth.Gate
	sinks  []events.Sink
	logger *slog.Logger
}

// New assembles an Explorer from a loaded configuration: registry, token
// store, auth gate, lifecycle event sinks and the session manager.
func New(c *Config) (*Explorer, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	slogger := c.Log.NewSlogger()
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	st, err := storefactory.New(c.Security.TokenStore.Type, c.Security.TokenStore.DSN)
	if err != nil {
		return nil, err
	}
	gate, err := auth.New(auth.Config{
		Password:     c.Security.Password,
		PasswordHash: c.Security.PasswordHash,
		TokenTTL:     c.Security.SessionTTL(),
	}, st, slogger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var sinks []events.Sink
	if c.Events != nil && len(c.Events.Sinks) > 0 {
		sinks, err = evfactory.NewSinks(c.Events.Sinks)
		if err != nil {
			_ = gate.Close()
			return nil, err
		}
	}
	mgr := source.NewManager(reg, source.Options{
		Limits: hub.Limits{
			MaxLines:         c.Logging.MaxLinesPerSource,
			CleanupThreshold: c.Logging.CleanupThreshold,
			QueueSize:        c.Logging.SubscriberQueueSize,
		},
		RestartInterval:    c.Supervise.RestartInterval,
		MaxRestartInterval: c.Supervise.MaxRestartInterval,
		StopGrace:          c.Supervise.StopGrace,
		StableAfter:        c.Supervise.StableAfter,
		Sinks:              sinks,
		Logger:             slogger,
	})
	return &Explorer{reg: reg, mgr: mgr, gate: gate, sinks: sinks, logger: slogger}, nil
}

func (e *Explorer) Sources() map[string]Summary          { return e.reg.List() }
func (e *Explorer) Lookup(id string) (Descriptor, error) { return e.reg.Lookup(id) }
func (e *Explorer) Statuses() map[string]Status          { return e.mgr.Statuses() }
func (e *Explorer) PIDs() map[string]int32               { return e.mgr.PIDs() }

// Autostart spins up every source flagged autostart so its buffer fills
// before the first viewer connects.
func (e *Explorer) Autostart() error { return e.mgr.Autostart() }

// Status reports the live status of one source, or the zero Status when the
// source exists but was never started.
func (e *Explorer) Status(id string) (Status, error) {
	if _, err := e.reg.Lookup(id); err != nil {
		return Status{}, err
	}
	if sess := e.mgr.Peek(id); sess != nil {
		return sess.Status(), nil
	}
	return Status{ID: id, State: source.StateIdle.String()}, nil
}

// Recent returns up to n buffered lines for id, oldest first; n <= 0 means
// the whole buffer. It never starts the source.
func (e *Explorer) Recent(id string, n int) ([]string, error) {
	if _, err := e.reg.Lookup(id); err != nil {
		return nil, err
	}
	sess := e.mgr.Peek(id)
	if sess == nil {
		return make([]string, 0), nil
	}
	if n <= 0 {
		return sess.Hub().Snapshot(), nil
	}
	return sess.Hub().Recent(n), nil
}

// Watch starts id if needed and subscribes to its stream. The returned
// backlog is the buffer at subscribe time; lines published after that arrive
// through sub.Next. Call cancel to unsubscribe.
func (e *Explorer) Watch(id string) (backlog []string, sub *Subscriber, cancel func(), err error) {
	sess, err := e.mgr.Session(id)
	if err != nil {
		return nil, nil, nil, err
	}
	backlog, sub = sess.Hub().Subscribe()
	return backlog, sub, func() { sess.Hub().Unsubscribe(sub) }, nil
}

// Login exchanges the shared password for a session token.
func (e *Explorer) Login(ctx context.Context, password string) (token string, expiresAt time.Time, err error) {
	return e.gate.Login(ctx, password)
}

// ValidateToken reports whether token is a live session.
func (e *Explorer) ValidateToken(ctx context.Context, token string) error {
	return e.gate.Validate(ctx, token)
}

// Logout revokes token. Unknown tokens are not an error.
func (e *Explorer) Logout(ctx context.Context, token string) error {
	return e.gate.Logout(ctx, token)
}

// StartJanitor launches the background sweep that deletes expired tokens
// from the store. It stops when ctx is done.
func (e *Explorer) StartJanitor(ctx context.Context, interval time.Duration) {
	e.gate.StartJanitor(ctx, interval)
}

// Handler returns the full HTTP surface (REST + WebSocket) mounted under
// basePath, for embedding in an existing server.
func (e *Explorer) Handler(basePath string) http.Handler {
	return iapi.NewRouter(e.reg, e.mgr, e.gate, basePath, e.logger).Handler()
}

// Shutdown stops every source session, then closes the auth gate and the
// event sinks. Safe to call once; ctx bounds the process stop grace.
func (e *Explorer) Shutdown(ctx context.Context) error {
	err := e.mgr.Shutdown(ctx)
	evfactory.CloseAll(e.sinks)
	return errors.Join(err, e.gate.Close())
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts an HTTP server on addr exposing the Explorer's API
// under basePath. The server is already listening when this returns.
func NewHTTPServer(addr, basePath string, e *Explorer) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(e.reg, e.mgr, e.gate, basePath, e.logger))
}

// NewTLSServer is NewHTTPServer over TLS, with certificates resolved per t
// (explicit files, or a directory with optional self-signed generation).
func NewTLSServer(addr, basePath string, e *Explorer, t *TLSConfig) (*http.Server, error) {
	tc, err := tlsconfig.Setup(cfg.ServerConfig{Listen: addr, TLS: t})
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, errors.New("tls is not enabled in the given config")
	}
	return iapi.NewTLSServer(addr, iapi.NewRouter(e.reg, e.mgr, e.gate, basePath, e.logger), tc)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
