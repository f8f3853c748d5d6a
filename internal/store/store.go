package store

import (
	"context"
	"errors"
	"time"
)

// Token is one issued session token. Value is the opaque hex string handed
// to the client; expiry is absolute. Timestamps should be in UTC.
// This is intentionally minimal: the server has a single shared credential,
// so there is no user identity to attach.

type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ErrTokenNotFound is returned by Get for tokens that were never issued,
// were logged out, or were purged after expiry.
var ErrTokenNotFound = errors.New("token not found")

// TokenStore persists issued session tokens so logins can survive a server
// restart when a durable backend is configured.

type TokenStore interface {
	EnsureSchema(ctx context.Context) error
	Save(ctx context.Context, tok Token) error
	Get(ctx context.Context, value string) (Token, error)
	Delete(ctx context.Context, value string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}
