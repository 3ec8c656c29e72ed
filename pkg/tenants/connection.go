package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// Open connects to the configured database, tunes the pool, pings it and
// applies migrations when AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *observability.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}

	maxConns := cfg.MaxOpenConns
	if cfg.Driver == "sqlite3" {
		// One writer; keeps an in-memory database on a single connection.
		maxConns = 1
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Driver, err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.WithField("driver", cfg.Driver).Info("Tenant schema migrated")
	}

	logger.WithFields(map[string]interface{}{
		"driver":         cfg.Driver,
		"max_open_conns": maxConns,
	}).Info("Database connection initialized")
	return db, nil
}

// NewBackend returns the Backend for the configured driver. The memory
// driver ignores db.
func NewBackend(driver string, db *sql.DB) (Backend, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(db), nil
	case "sqlite3":
		// SQLite transactions are serializable; isolation options are ignored.
		return NewPostgresStore(db, WithTxOptions(nil)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
