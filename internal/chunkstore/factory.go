package chunkstore

import (
	"context"
	"fmt"

	"contextcore/internal/config"
)

// Open selects and initializes a Store per config.Store.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./data/contextcore.db"
		}
		return OpenSQLite(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("chunkstore: postgres backend requires store.dsn")
		}
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("chunkstore: unknown backend %q", cfg.Backend)
	}
}
