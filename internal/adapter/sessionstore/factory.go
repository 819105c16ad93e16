package sessionstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nexa/internal/domain"
	"nexa/internal/infra/config"
)

// Store is a session store that owns resources.
type Store interface {
	domain.SessionStore
	io.Closer
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.SessionStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create session store dir: %w", err)
			}
		}
		return NewSQLiteStore(ctx, cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", cfg.Backend)
	}
}
