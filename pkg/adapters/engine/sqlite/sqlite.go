// Package sqlite implements the engine driver for SQLite databases using
// the cgo-free modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/conduitworks/conduit-engine/pkg/adapters/engine"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
)

func init() {
	engine.Register("sqlite", func(target string, logger *zap.Logger) engine.Driver {
		return &Driver{target: target, logger: logger.Named("sqlite")}
	})
}

// Driver executes queries against a SQLite database file (or :memory:).
type Driver struct {
	target string
	logger *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// Connect opens the database and verifies it.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", d.target)
	if err != nil {
		return engine.TranslateError("sqlite", err)
	}
	// SQLite serializes writers; a single connection avoids database-locked
	// errors under concurrent lane workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return engine.TranslateError("sqlite", err)
	}

	d.db = db
	d.logger.Info("engine connected", zap.String("target", d.target))
	return nil
}

// Ping verifies the handle is healthy.
func (d *Driver) Ping(ctx context.Context) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return engine.TranslateError("sqlite", err)
	}
	return nil
}

// Execute binds the template and runs it, collecting all rows.
func (d *Driver) Execute(ctx context.Context, sqlTemplate string, args []params.NamedValue) (*models.EngineResult, error) {
	db, err := d.getDB()
	if err != nil {
		return nil, err
	}

	bound, boundArgs, err := engine.BindNamed(sqlTemplate, args, engine.QuestionPlaceholder)
	if err != nil {
		return nil, engine.TranslateError("sqlite", err)
	}

	rows, err := db.QueryContext(ctx, bound, boundArgs...)
	if err != nil {
		return nil, engine.TranslateError("sqlite", err)
	}
	defer rows.Close()

	result, err := engine.CollectSQLRows(rows)
	if err != nil {
		return nil, engine.TranslateError("sqlite", err)
	}
	return result, nil
}

// Close releases the handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		err := d.db.Close()
		d.db = nil
		return err
	}
	return nil
}

func (d *Driver) getDB() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, engine.TranslateError("sqlite", fmt.Errorf("not connected"))
	}
	return d.db, nil
}
