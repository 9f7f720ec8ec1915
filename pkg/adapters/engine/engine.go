// Package engine defines the database engine driver contract and the
// type-tag registry that selects a concrete driver for each configured
// connection. Seven engine tags resolve here: postgres, cockroachdb,
// yugabytedb and db2 share the postgres-wire driver (DB2 through its
// postgres-compatible listener); mysql and mariadb share the mysql
// driver; sqlite has its own registration.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
)

// Driver is the per-connection engine capability: connect, execute,
// translate errors. One Driver instance serves all five priority lanes of
// its connection, so implementations must be safe for concurrent use.
type Driver interface {
	// Connect establishes the underlying pool or handle.
	Connect(ctx context.Context) error

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Execute binds the template's named parameters and runs it. Engine
	// faults come back wrapped in apperrors.ErrEngineFailure with the
	// driver message sanitized for the wire.
	Execute(ctx context.Context, sqlTemplate string, args []params.NamedValue) (*models.EngineResult, error)

	// Close releases the pool.
	Close() error
}

// Factory builds a driver for one connection target.
type Factory func(target string, logger *zap.Logger) Driver

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register is called from each adapter package's init(). Later
// registrations for the same tag win, which lets tests install fakes.
func Register(typeTag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[typeTag] = factory
}

// New resolves a connection's engine tag to a concrete driver. The tag is
// resolved at registry-load time, never per request.
func New(typeTag, target string, logger *zap.Logger) (Driver, error) {
	registryMu.RLock()
	factory, ok := factories[typeTag]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported engine type: %s", typeTag)
	}
	return factory(target, logger), nil
}

// Registered reports whether an engine tag has a driver.
func Registered(typeTag string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[typeTag]
	return ok
}
