// Package auth implements the shared-password gate: one configured secret,
// opaque session tokens with absolute expiry, and immediate invalidation on
// logout. Tokens are persisted through a store.TokenStore so durable
// backends can keep sessions across a server restart.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shellus/tailexplorer/internal/metrics"
	"github.com/shellus/tailexplorer/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenUnknown       = errors.New("unknown token")
)

const DefaultTokenTTL = 24 * time.Hour

// Config holds the gate's secret and token lifetime. PasswordHash (bcrypt)
// wins when both secret forms are set.
type Config struct {
	Password     string
	PasswordHash string
	TokenTTL     time.Duration
}

// Gate issues and validates session tokens against the single shared secret.
type Gate struct {
	cfg    Config
	store  store.TokenStore
	logger *slog.Logger
}

// New creates a Gate. The store must be non-nil; pass a memory store when no
// persistence is configured.
func New(cfg Config, st store.TokenStore, logger *slog.Logger) (*Gate, error) {
	if cfg.Password == "" && cfg.PasswordHash == "" {
		return nil, errors.New("auth: password or password hash required")
	}
	if st == nil {
		return nil, errors.New("auth: token store required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, store: st, logger: logger}, nil
}

// Login checks the password against the configured secret and, on success,
// issues a fresh token with absolute expiry. Failures are uniform
// ErrInvalidCredentials; there is no lockout or throttling.
func (g *Gate) Login(ctx context.Context, password string) (string, time.Time, error) {
	if !g.verify(password) {
		metrics.IncLoginAttempt("failure")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		metrics.IncLoginAttempt("failure")
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(g.cfg.TokenTTL)
	if err := g.store.Save(ctx, store.Token{Value: token, IssuedAt: now, ExpiresAt: expiresAt}); err != nil {
		metrics.IncLoginAttempt("failure")
		return "", time.Time{}, fmt.Errorf("persist token: %w", err)
	}

	metrics.IncLoginAttempt("success")
	g.logger.Info("session issued", "expires_at", expiresAt)
	return token, expiresAt, nil
}

func (g *Gate) verify(password string) bool {
	if g.cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(g.cfg.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(g.cfg.Password), []byte(password)) == 1
}

// Validate reports whether token identifies a live session: nil when valid,
// ErrTokenExpired past its expiry, ErrTokenUnknown otherwise.
func (g *Gate) Validate(ctx context.Context, token string) error {
	if token == "" {
		return ErrTokenUnknown
	}
	tok, err := g.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return ErrTokenUnknown
		}
		return fmt.Errorf("lookup token: %w", err)
	}
	if !tok.ExpiresAt.After(time.Now().UTC()) {
		// Expired tokens are removed eagerly so repeated validation of the
		// same stale cookie does not keep hitting the store row.
		if err := g.store.Delete(ctx, token); err != nil {
			g.logger.Warn("failed to drop expired token", "error", err)
		}
		return ErrTokenExpired
	}
	return nil
}

// Logout invalidates token immediately. Unknown tokens are not an error so
// repeated logouts are harmless.
func (g *Gate) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := g.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// StartJanitor purges expired tokens every interval until ctx is done.
func (g *Gate) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := g.store.PurgeExpired(ctx, time.Now().UTC())
				if err != nil {
					g.logger.Warn("token purge failed", "error", err)
				} else if n > 0 {
					g.logger.Debug("purged expired tokens", "count", n)
				}
			}
		}
	}()
}

// Close closes the underlying token store.
func (g *Gate) Close() error {
	return g.store.Close()
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
