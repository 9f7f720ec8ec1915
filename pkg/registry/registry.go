// Package registry holds the connection registry: one DatabaseConnection
// per configured database. Read-mostly after startup; only the migration
// engine mutates connection state (the status field, owned by the
// connection itself).
package registry

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Registry maps connection names to their DatabaseConnection. Populated
// once at construction and never resized afterward, so lookups need no
// locking.
type Registry struct {
	connections map[string]*models.DatabaseConnection
	names       []string // stable iteration order for status reporting
	logger      *zap.Logger
}

// New builds a registry from the configured connections. Duplicate names
// are a configuration error.
func New(connections []*models.DatabaseConnection, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		connections: make(map[string]*models.DatabaseConnection, len(connections)),
		logger:      logger.Named("registry"),
	}
	for _, conn := range connections {
		if conn.Name == "" {
			return nil, fmt.Errorf("connection with empty name")
		}
		if _, exists := r.connections[conn.Name]; exists {
			return nil, fmt.Errorf("duplicate connection name %q", conn.Name)
		}
		r.connections[conn.Name] = conn
		r.names = append(r.names, conn.Name)
		r.logger.Info("registered database connection",
			zap.String("name", conn.Name),
			zap.String("type", conn.Type),
			zap.Bool("enabled", conn.Enabled))
	}
	sort.Strings(r.names)
	return r, nil
}

// Find returns the connection for query execution. Unknown names return
// ErrUnknownDatabase and disabled connections ErrDatabaseDisabled; both
// are client-input errors at the gateway, never server faults.
func (r *Registry) Find(name string) (*models.DatabaseConnection, error) {
	conn, ok := r.connections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownDatabase, name)
	}
	if !conn.Enabled {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDatabaseDisabled, name)
	}
	return conn, nil
}

// Get returns the connection regardless of enabled state. Used by status
// reporting, which must include disabled and failed connections.
func (r *Registry) Get(name string) (*models.DatabaseConnection, bool) {
	conn, ok := r.connections[name]
	return conn, ok
}

// All returns every connection in name order.
func (r *Registry) All() []*models.DatabaseConnection {
	out := make([]*models.DatabaseConnection, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.connections[name])
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.connections)
}
