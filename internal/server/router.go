package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shellus/tailexplorer/internal/auth"
	"github.com/shellus/tailexplorer/internal/registry"
	"github.com/shellus/tailexplorer/internal/source"
)

// Router provides embeddable HTTP handlers for the log streaming API.
// Endpoints:
//   POST {basePath}/api/login               body: {"password": "..."}
//   POST {basePath}/api/logout
//   GET  {basePath}/api/sources
//   GET  {basePath}/api/sources/:id
//   GET  {basePath}/api/sources/:id/recent  query: count=N (default 100, 0 = all)
//   GET  {basePath}/ws/:id                  WebSocket stream
//   GET  {basePath}/healthz
// All /api/sources endpoints require a valid session token; /healthz does not.
// basePath may be empty or start with '/'; no trailing slash.

const defaultRecentCount = 100

type Router struct {
	reg      *registry.Registry
	mgr      *source.Manager
	gate     *auth.Gate
	basePath string
	logger   *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/api/login, /abc/ws/:id.
func NewRouter(reg *registry.Registry, mgr *source.Manager, gate *auth.Gate, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:      reg,
		mgr:      mgr,
		gate:     gate,
		basePath: sanitizeBase(basePath),
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/ws/:id", r.handleStream)
	api := group.Group("/api")
	api.POST("/login", r.handleLogin)
	api.POST("/logout", r.handleLogout)
	authed := api.Group("", r.requireAuth())
	authed.GET("/sources", r.handleSources)
	authed.GET("/sources/:id", r.handleSource)
	authed.GET("/sources/:id/recent", r.handleRecent)
	return g
}

// CloseStreams tells every active stream to close with a going-away frame.
// Registered as the HTTP server's shutdown hook; safe to call repeatedly.
func (r *Router) CloseStreams() {
	r.closeOnce.Do(func() { close(r.closing) })
}

// NewServer starts a standalone HTTP server on addr using this router.
// No ReadTimeout/WriteTimeout: streaming connections stay open indefinitely.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(r.CloseStreams)
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer is NewServer over TLS. The certificate source comes from tc;
// ListenAndServeTLS loads nothing from disk itself.
func NewTLSServer(addr string, r *Router, tc *tls.Config) (*http.Server, error) {
	if tc == nil {
		return nil, fmt.Errorf("nil TLS configuration")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(r.CloseStreams)
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Success bool `json:"success"`
}

type loginReq struct {
	Password string `json:"password"`
}

type loginResp struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type sourcesResp struct {
	Sources map[string]registry.Summary `json:"sources"`
	Count   int                         `json:"count"`
}

type sourceDetailResp struct {
	registry.Descriptor
	State             string `json:"state"`
	ActiveConnections int    `json:"active_connections"`
	BufferedLines     int    `json:"buffered_lines"`
}

type recentResp struct {
	SourceID string   `json:"source_id"`
	Logs     []string `json:"logs"`
	Count    int      `json:"count"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	token, expiresAt, err := r.gate.Login(c.Request.Context(), req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(c, http.StatusUnauthorized, loginResp{Success: false, Message: "invalid credentials"})
			return
		}
		r.logger.Error("login failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "login failed"})
		return
	}
	setSessionCookie(c, token, time.Until(expiresAt))
	writeJSON(c, http.StatusOK, loginResp{Success: true, ExpiresAt: &expiresAt})
}

// handleLogout invalidates whatever token the request carries. Always 200:
// logging out an already-dead session is not an error.
func (r *Router) handleLogout(c *gin.Context) {
	if err := r.gate.Logout(c.Request.Context(), extractToken(c.Request)); err != nil {
		r.logger.Warn("logout failed", "error", err)
	}
	clearSessionCookie(c)
	writeJSON(c, http.StatusOK, statusResp{Success: true})
}

func (r *Router) handleSources(c *gin.Context) {
	list := r.reg.List()
	writeJSON(c, http.StatusOK, sourcesResp{Sources: list, Count: len(list)})
}

func (r *Router) handleSource(c *gin.Context) {
	id := c.Param("id")
	desc, err := r.reg.Lookup(id)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	resp := sourceDetailResp{Descriptor: desc, State: source.StateIdle.String()}
	if sess := r.mgr.Peek(id); sess != nil {
		resp.State = sess.State().String()
		resp.ActiveConnections = sess.Hub().SubscriberCount()
		resp.BufferedLines = sess.Hub().Len()
	}
	writeJSON(c, http.StatusOK, resp)
}

// handleRecent reads from the buffer of an already-materialized session;
// it never spawns the source process itself.
func (r *Router) handleRecent(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reg.Lookup(id); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	count := defaultRecentCount
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "count must be a non-negative integer"})
			return
		}
		count = n
	}
	logs := make([]string, 0)
	if sess := r.mgr.Peek(id); sess != nil {
		if count == 0 {
			logs = sess.Hub().Snapshot()
		} else {
			logs = sess.Hub().Recent(count)
		}
	}
	writeJSON(c, http.StatusOK, recentResp{SourceID: id, Logs: logs, Count: len(logs)})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
