// Package catalog implements the query template catalog: the mapping from
// integer query references to SQL templates and their typed parameter
// schemas. The catalog is populated by the migration engine during
// startup and is read concurrently by all dispatch workers afterward.
package catalog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Catalog is the process-wide template store, shared across connections.
// Registration is serialized behind a mutex; lookups after population are
// lock-free reads of an effectively immutable map, but the mutex is cheap
// enough to hold for the map read as well, and keeps the race detector
// happy while migrations are still running.
type Catalog struct {
	mu      sync.RWMutex
	entries map[int]*models.QueryTemplateEntry
	logger  *zap.Logger
}

// New returns an empty catalog.
func New(logger *zap.Logger) *Catalog {
	return &Catalog{
		entries: make(map[int]*models.QueryTemplateEntry),
		logger:  logger.Named("catalog"),
	}
}

// Register adds a template. References are unique; re-registering an
// existing reference returns ErrDuplicateQueryRef so that re-applied
// bootstrap sets cannot silently replace templates.
func (c *Catalog) Register(entry *models.QueryTemplateEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.QueryRef]; exists {
		return fmt.Errorf("%w: %d", apperrors.ErrDuplicateQueryRef, entry.QueryRef)
	}
	c.entries[entry.QueryRef] = entry
	c.logger.Debug("registered query template",
		zap.Int("query_ref", entry.QueryRef),
		zap.String("queue_hint", entry.QueueHint.String()),
		zap.Bool("requires_auth", entry.RequiresAuth),
		zap.Bool("cacheable", entry.Cacheable))
	return nil
}

// Lookup resolves a query reference. An unknown reference is the cheapest
// expected failure class and maps to a 200-with-failure at the gateway.
func (c *Catalog) Lookup(queryRef int) (*models.QueryTemplateEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[queryRef]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnknownQueryRef, queryRef)
	}
	return entry, nil
}

// Contains reports whether a reference is registered.
func (c *Catalog) Contains(queryRef int) bool {
	c.mu.RLock()
	_, ok := c.entries[queryRef]
	c.mu.RUnlock()
	return ok
}

// Len returns the number of registered templates.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
