package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/notifyq/notifyq/internal/telemetry"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies any pending schema migrations. Safe to call on every
// boot; goose tracks applied versions in goose_db_version.
func Migrate(ctx context.Context, db *DB) error {
	logger := telemetry.LogFromContext(ctx).WithField("operation", "database_migration")

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		logger.WithError(err).Error("Schema migration failed")
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	logger.WithField("version", version).Info("Schema migrations applied")
	return nil
}
