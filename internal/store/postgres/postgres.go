package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/shellus/tailexplorer/internal/store"
)

// DB implements store.TokenStore for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_tokens(
			token TEXT PRIMARY KEY,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens(expires_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Save(ctx context.Context, tok store.Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_tokens(token, issued_at, expires_at)
		VALUES($1, $2, $3)
		ON CONFLICT(token) DO UPDATE SET
			issued_at=EXCLUDED.issued_at,
			expires_at=EXCLUDED.expires_at;`,
		tok.Value, tok.IssuedAt.UTC(), tok.ExpiresAt.UTC())
	return err
}

func (p *DB) Get(ctx context.Context, value string) (store.Token, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT token, issued_at, expires_at
		FROM session_tokens
		WHERE token=$1;`, value)
	var tok store.Token
	if err := row.Scan(&tok.Value, &tok.IssuedAt, &tok.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Token{}, store.ErrTokenNotFound
		}
		return store.Token{}, err
	}
	return tok, nil
}

func (p *DB) Delete(ctx context.Context, value string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token=$1;`, value)
	return err
}

func (p *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE expires_at <= $1;`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) Close() error { return p.db.Close() }
