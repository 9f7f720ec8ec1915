// Package mysql implements the engine driver for MySQL-wire databases.
// MariaDB shares the protocol and resolves here through its own tag.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/adapters/engine"
	"github.com/conduitworks/conduit-engine/pkg/logging"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
)

func init() {
	factory := func(tag string) engine.Factory {
		return func(target string, logger *zap.Logger) engine.Driver {
			return &Driver{tag: tag, target: target, logger: logger.Named(tag)}
		}
	}
	engine.Register("mysql", factory("mysql"))
	engine.Register("mariadb", factory("mariadb"))
}

// Driver executes queries over a database/sql pool using the go-sql-driver
// mysql driver.
type Driver struct {
	tag    string
	target string
	logger *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// Connect opens the pool and verifies connectivity.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}

	db, err := sql.Open("mysql", d.target)
	if err != nil {
		return engine.TranslateError(d.tag, err)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return engine.TranslateError(d.tag, err)
	}

	d.db = db
	d.logger.Info("engine connected", zap.String("target", logging.SanitizeTarget(d.target)))
	return nil
}

// Ping verifies the pool is healthy.
func (d *Driver) Ping(ctx context.Context) error {
	db, err := d.getDB()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return engine.TranslateError(d.tag, err)
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
		return nil, engine.TranslateError(d.tag, err)
	}

	rows, err := db.QueryContext(ctx, bound, boundArgs...)
	if err != nil {
		return nil, engine.TranslateError(d.tag, err)
	}
	defer rows.Close()

	result, err := engine.CollectSQLRows(rows)
	if err != nil {
		return nil, engine.TranslateError(d.tag, err)
	}
	return result, nil
}

// Close releases the pool.
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
		return nil, engine.TranslateError(d.tag, fmt.Errorf("not connected"))
	}
	return d.db, nil
}
