package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	dbconfig "inquirychat/pkg/database"
	"inquirychat/pkg/interfaces"
)

// Open creates the DatabaseManager selected by config.Driver. When migrate is
// set, pending migrations are applied before the manager is returned.
func Open(ctx context.Context, config *dbconfig.Config, migrate bool, logger zerolog.Logger) (interfaces.DatabaseManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	switch config.Driver {
	case dbconfig.DriverMemory:
		logger.Warn().Msg("using in-memory store; data is lost on shutdown")
		return NewMemoryManager(), nil

	case dbconfig.DriverSQLite:
		if dir := filepath.Dir(config.DatabasePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		manager, err := NewManager(config, logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			if _, err := MigrateSQLite(ctx, manager, logger); err != nil {
				_ = manager.Close()
				return nil, err
			}
		}
		return manager, nil

	case dbconfig.DriverPostgres:
		pool, err := NewPool(ctx, config)
		if err != nil {
			return nil, err
		}
		if migrate {
			if _, err := NewPostgresMigrator(pool, logger).Up(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return NewPostgresManager(pool, logger), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, config.Driver)
	}
}

// MigrateSQLite applies pending migrations and validates the resulting schema
func MigrateSQLite(ctx context.Context, manager *Manager, logger zerolog.Logger) ([]string, error) {
	fsys, err := dbconfig.MigrationsFS(dbconfig.DriverSQLite)
	if err != nil {
		return nil, err
	}
	applied, err := dbconfig.NewMigrationManager(manager.DB(), fsys).ApplyMigrations(ctx)
	if err != nil {
		return applied, err
	}
	for _, version := range applied {
		logger.Info().Str("version", version).Msg("migration applied")
	}
	if err := dbconfig.NewSchemaValidator(manager.DB()).Validate(ctx); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

// Migrate applies pending migrations for a sqlite or postgres database and
// returns the versions applied
func Migrate(ctx context.Context, config *dbconfig.Config, logger zerolog.Logger) ([]string, error) {
	switch config.Driver {
	case dbconfig.DriverSQLite:
		manager, err := NewManager(config, logger)
		if err != nil {
			return nil, err
		}
		defer func() { _ = manager.Close() }()
		return MigrateSQLite(ctx, manager, logger)

	case dbconfig.DriverPostgres:
		pool, err := NewPool(ctx, config)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		return NewPostgresMigrator(pool, logger).Up(ctx)

	default:
		return nil, fmt.Errorf("%w: %s has no migrations", ErrUnknownDriver, config.Driver)
	}
}

// MigrationStatus reports migration state for a sqlite or postgres database
func MigrationStatus(ctx context.Context, config *dbconfig.Config, logger zerolog.Logger) ([]dbconfig.MigrationStatus, error) {
	switch config.Driver {
	case dbconfig.DriverSQLite:
		manager, err := NewManager(config, logger)
		if err != nil {
			return nil, err
		}
		defer func() { _ = manager.Close() }()
		fsys, err := dbconfig.MigrationsFS(dbconfig.DriverSQLite)
		if err != nil {
			return nil, err
		}
		return dbconfig.NewMigrationManager(manager.DB(), fsys).Status(ctx)

	case dbconfig.DriverPostgres:
		pool, err := NewPool(ctx, config)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		return NewPostgresMigrator(pool, logger).Status(ctx)

	default:
		return nil, fmt.Errorf("%w: %s has no migrations", ErrUnknownDriver, config.Driver)
	}
}
