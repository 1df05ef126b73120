// Package store selects the registry backend named by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/punchamoorthee/commitfund/internal/config"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/memory"
	"github.com/punchamoorthee/commitfund/internal/store/postgres"
	"github.com/punchamoorthee/commitfund/internal/store/sqlite"
)

// Open returns the configured backend and a function releasing it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error("close sqlite store", "error", err)
			}
		}, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("postgres store opened")
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
