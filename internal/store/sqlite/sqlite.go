package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shellus/tailexplorer/internal/store"
)

// DB implements store.TokenStore for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path to the database file. Use ":memory:"
// for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_tokens(
			token TEXT PRIMARY KEY,
			issued_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens(expires_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Save(ctx context.Context, tok store.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens(token, issued_at, expires_at)
		VALUES(?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			issued_at=excluded.issued_at,
			expires_at=excluded.expires_at;`,
		tok.Value, tok.IssuedAt.UTC(), tok.ExpiresAt.UTC())
	return err
}

func (s *DB) Get(ctx context.Context, value string) (store.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, issued_at, expires_at
		FROM session_tokens
		WHERE token=?;`, value)
	var tok store.Token
	if err := row.Scan(&tok.Value, &tok.IssuedAt, &tok.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Token{}, store.ErrTokenNotFound
		}
		return store.Token{}, err
	}
	return tok, nil
}

func (s *DB) Delete(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token=?;`, value)
	return err
}

func (s *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) Close() error { return s.db.Close() }
