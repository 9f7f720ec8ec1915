// Package migration drives the per-connection migration state machine:
// Pending -> Running -> Current on success, Running -> Failed when any
// step errors. On Current the query template catalog is populated from
// the connection's bootstrap query set. A Failed connection keeps
// answering status queries; it is never removed from the registry.
package migration

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/catalog"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/registry"
)

// Engine applies migrations and populates the catalog.
type Engine struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewEngine returns a migration engine writing into the given catalog.
func NewEngine(cat *catalog.Catalog, logger *zap.Logger) *Engine {
	return &Engine{
		catalog: cat,
		logger:  logger.Named("migration"),
	}
}

// Apply runs the state machine for one connection. Re-applying against an
// already-Current connection is a no-op. Bootstrap entries already in the
// catalog are skipped, so a retry after a partial failure cannot create
// duplicates.
func (e *Engine) Apply(ctx context.Context, conn *models.DatabaseConnection) error {
	if conn.Status() == models.MigrationCurrent {
		e.logger.Debug("connection already current, skipping",
			zap.String("database", conn.Name))
		return nil
	}

	logger := e.logger.With(zap.String("database", conn.Name), zap.String("type", conn.Type))
	conn.SetStatus(models.MigrationRunning)
	logger.Info("migration started",
		zap.String("status", string(models.MigrationRunning)))

	if err := ctx.Err(); err != nil {
		conn.SetStatus(models.MigrationFailed)
		return err
	}

	if conn.MigrationsPath != "" {
		if err := runSchemaMigrations(conn, logger); err != nil {
			conn.SetStatus(models.MigrationFailed)
			logger.Error("migration failed",
				zap.String("status", string(models.MigrationFailed)),
				zap.Error(err))
			return err
		}
	}

	if conn.BootstrapPath != "" {
		if err := e.applyBootstrap(conn, logger); err != nil {
			conn.SetStatus(models.MigrationFailed)
			logger.Error("migration failed",
				zap.String("status", string(models.MigrationFailed)),
				zap.Error(err))
			return err
		}
	}

	conn.SetStatus(models.MigrationCurrent)
	logger.Info("migration complete",
		zap.String("status", string(models.MigrationCurrent)),
		zap.Int("catalog_entries", e.catalog.Len()))
	return nil
}

// ApplyAll runs migrations for every enabled connection concurrently.
// Per-connection failures are terminal for that connection but never
// fatal to the process; the remaining connections continue.
func (e *Engine) ApplyAll(ctx context.Context, reg *registry.Registry) {
	var wg sync.WaitGroup
	for _, conn := range reg.All() {
		if !conn.Enabled {
			continue
		}
		wg.Add(1)
		go func(conn *models.DatabaseConnection) {
			defer wg.Done()
			if err := e.Apply(ctx, conn); err != nil {
				e.logger.Warn("connection left in failed state",
					zap.String("database", conn.Name),
					zap.Error(err))
			}
		}(conn)
	}
	wg.Wait()
}

func (e *Engine) applyBootstrap(conn *models.DatabaseConnection, logger *zap.Logger) error {
	entries, err := LoadBootstrap(conn.BootstrapPath)
	if err != nil {
		return err
	}

	registered := 0
	for _, entry := range entries {
		if err := e.catalog.Register(entry); err != nil {
			if errors.Is(err, apperrors.ErrDuplicateQueryRef) {
				logger.Debug("bootstrap query already registered",
					zap.Int("query_ref", entry.QueryRef))
				continue
			}
			return err
		}
		registered++
	}
	logger.Info("bootstrap queries applied",
		zap.Int("registered", registered),
		zap.Int("total", len(entries)))
	return nil
}
