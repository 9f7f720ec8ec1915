// Package postgres implements the engine driver for postgres-wire
// databases. CockroachDB and YugabyteDB speak the same protocol, and DB2
// is reached through its postgres-compatible listener; all three resolve
// to this driver through their own registry tags.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
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
	engine.Register("postgres", factory("postgres"))
	engine.Register("cockroachdb", factory("cockroachdb"))
	engine.Register("yugabytedb", factory("yugabytedb"))
	engine.Register("db2", factory("db2"))
}

// Driver executes queries over a pgx connection pool.
type Driver struct {
	tag    string
	target string
	logger *zap.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// Connect parses the target DSN and opens the pool. Safe to call more
// than once; an existing pool is kept.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(d.target)
	if err != nil {
		return engine.TranslateError(d.tag, fmt.Errorf("parse target %s: %w", logging.SanitizeTarget(d.target), err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return engine.TranslateError(d.tag, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return engine.TranslateError(d.tag, err)
	}

	d.pool = pool
	d.logger.Info("engine connected", zap.String("target", logging.SanitizeTarget(d.target)))
	return nil
}

// Ping verifies the pool is healthy.
func (d *Driver) Ping(ctx context.Context) error {
	pool, err := d.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return engine.TranslateError(d.tag, err)
	}
	return nil
}

// Execute binds the template and runs it, collecting all rows.
func (d *Driver) Execute(ctx context.Context, sqlTemplate string, args []params.NamedValue) (*models.EngineResult, error) {
	pool, err := d.getPool()
	if err != nil {
		return nil, err
	}

	bound, boundArgs, err := engine.BindNamed(sqlTemplate, args, engine.DollarPlaceholder)
	if err != nil {
		return nil, engine.TranslateError(d.tag, err)
	}

	rows, err := pool.Query(ctx, bound, boundArgs...)
	if err != nil {
		return nil, engine.TranslateError(d.tag, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &models.EngineResult{
		Columns: make([]string, len(fields)),
		Rows:    make([]map[string]any, 0),
	}
	for i, fd := range fields {
		result.Columns[i] = string(fd.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, engine.TranslateError(d.tag, err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[result.Columns[i]] = v
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.TranslateError(d.tag, err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// Close releases the pool.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

func (d *Driver) getPool() (*pgxpool.Pool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pool == nil {
		return nil, engine.TranslateError(d.tag, fmt.Errorf("not connected"))
	}
	return d.pool, nil
}
