package migration

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

// postgresWire reports whether an engine tag speaks the postgres wire
// protocol and can take golang-migrate's postgres driver.
func postgresWire(engineType string) bool {
	switch engineType {
	case "postgres", "cockroachdb", "yugabytedb":
		return true
	}
	return false
}

// runSchemaMigrations applies pending schema migrations for a connection
// from its configured migrations directory. Idempotent: only pending
// versions are applied.
func runSchemaMigrations(conn *models.DatabaseConnection, logger *zap.Logger) error {
	if !postgresWire(conn.Type) {
		logger.Debug("skipping schema migrations for non-postgres engine",
			zap.String("type", conn.Type))
		return nil
	}

	db, err := sql.Open("pgx", conn.Target)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", conn.MigrationsPath),
		"postgres", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("failed to close migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if err == migrate.ErrNoChange {
		logger.Info("schema up-to-date, no migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("applied schema migrations", zap.Uint("version", version))
	return nil
}
