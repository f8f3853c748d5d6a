package factory

import (
	"fmt"
	"strings"

	"github.com/shellus/tailexplorer/internal/store"
	"github.com/shellus/tailexplorer/internal/store/memory"
	pg "github.com/shellus/tailexplorer/internal/store/postgres"
	sq "github.com/shellus/tailexplorer/internal/store/sqlite"
)

// New selects a token store implementation by configured type.
// Supported:
//   - "memory" (or empty): in-process, tokens lost on restart
//   - "sqlite": dsn is a file path, optionally prefixed "sqlite://"
//   - "postgres"/"postgresql": dsn is a pgx connection string
func New(typ, dsn string) (store.TokenStore, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sq.New(strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://"))
	case "postgres", "postgresql":
		return pg.New(strings.TrimSpace(dsn))
	default:
		return nil, fmt.Errorf("unknown token store type %q", typ)
	}
}
