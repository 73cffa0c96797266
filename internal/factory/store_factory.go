package factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/mail-triage/internal/adapters/store"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// StoreFactory creates the dedup and cursor store based on configuration
type StoreFactory struct {
	holder *config.Holder
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(holder *config.Holder, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		holder: holder,
		logger: logger,
	}
}

// CreateStore creates the state store. Records are kept for the retention
// horizon, which covers the longest digest window plus a margin.
func (f *StoreFactory) CreateStore(ctx context.Context) (core.StateStore, error) {
	s := f.holder.Current()
	opts := store.Options{
		PruneInterval: s.Store.PruneInterval,
		Retention:     s.RetentionHorizon(),
	}

	f.logger.Info("Opening state store",
		zap.String("type", s.Store.Type),
		zap.Duration("retention", opts.Retention))

	switch s.Store.Type {
	case "memory":
		f.logger.Warn("Memory store selected, dedup state is lost on restart")
		return store.NewMemoryStore(f.logger, opts), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(s.Store.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return store.NewSQLiteStore(ctx, s.Store.SQLitePath, f.logger, opts)
	case "mysql":
		return store.NewMySQLStore(ctx, s.Store.MySQLDSN, f.logger, opts)
	case "postgres":
		return store.NewPostgresStore(ctx, s.Store.PostgresDSN, f.logger, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported store type: %s", core.ErrConfigInvalid, s.Store.Type)
	}
}
