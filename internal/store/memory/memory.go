package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shellus/tailexplorer/internal/store"
)

// DB implements store.TokenStore in process memory. Tokens do not survive a
// restart; this is the default backend.

type DB struct {
	mu     sync.RWMutex
	tokens map[string]store.Token
}

func New() *DB {
	return &DB{tokens: make(map[string]store.Token)}
}

func (m *DB) EnsureSchema(context.Context) error { return nil }

func (m *DB) Save(_ context.Context, tok store.Token) error {
	m.mu.Lock()
	m.tokens[tok.Value] = tok
	m.mu.Unlock()
	return nil
}

func (m *DB) Get(_ context.Context, value string) (store.Token, error) {
	m.mu.RLock()
	tok, ok := m.tokens[value]
	m.mu.RUnlock()
	if !ok {
		return store.Token{}, store.ErrTokenNotFound
	}
	return tok, nil
}

func (m *DB) Delete(_ context.Context, value string) error {
	m.mu.Lock()
	delete(m.tokens, value)
	m.mu.Unlock()
	return nil
}

func (m *DB) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for v, tok := range m.tokens {
		if !tok.ExpiresAt.After(now) {
			delete(m.tokens, v)
			n++
		}
	}
	return n, nil
}

func (m *DB) Close() error { return nil }
