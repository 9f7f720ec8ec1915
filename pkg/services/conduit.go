package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/catalog"
	"github.com/conduitworks/conduit-engine/pkg/dqm"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/registry"
)

// ConduitService orchestrates query execution: resolve the connection,
// look up the template, enforce auth, classify, submit to the queue
// manager, and await the outcome. Soft failures (unknown reference, type
// mismatch) come back as a structured result alongside the error; hard
// failures (unknown database, backpressure, engine faults) come back as
// errors for the gateway to map to status codes.
type ConduitService interface {
	ExecuteQuery(ctx context.Context, req *models.QueryRequest, authed bool) (*models.QueryResult, error)
	ExecuteBatch(ctx context.Context, req *models.QueryBatchRequest, authed bool) (*models.BatchResult, error)
	Status(authed bool) map[string]*models.ConnectionStatus
}

type conduitService struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	managers map[string]*dqm.Manager
	classify dqm.Classifier
	logger   *zap.Logger
}

// NewConduitService creates the service. managers is keyed by connection
// name; a nil classifier falls back to dqm.DefaultClassifier.
func NewConduitService(
	reg *registry.Registry,
	cat *catalog.Catalog,
	managers map[string]*dqm.Manager,
	classify dqm.Classifier,
	logger *zap.Logger,
) ConduitService {
	if classify == nil {
		classify = dqm.DefaultClassifier
	}
	return &conduitService{
		registry: reg,
		catalog:  cat,
		managers: managers,
		classify: classify,
		logger:   logger.Named("conduit"),
	}
}

// ExecuteQuery runs one query end to end. The returned result is non-nil
// whenever the failure belongs in the response body (unknown reference,
// type mismatch, engine failure); the error carries the failure class.
func (s *conduitService) ExecuteQuery(ctx context.Context, req *models.QueryRequest, authed bool) (*models.QueryResult, error) {
	conn, mgr, err := s.resolve(req.Database)
	if err != nil {
		return nil, err
	}

	pending, result, err := s.submit(ctx, conn, mgr, req.QueryRef, req.Params, authed)
	if err != nil {
		return result, err
	}
	return pending.Wait(ctx)
}

// ExecuteBatch runs every member of a batch against one connection. Items
// are submitted up front and awaited afterward so independent lanes
// overlap. Each item fails or succeeds on its own; Success aggregates
// with AND. The returned error, if any, is the worst failure class across
// the batch so the gateway can pick a single status code.
func (s *conduitService) ExecuteBatch(ctx context.Context, req *models.QueryBatchRequest, authed bool) (*models.BatchResult, error) {
	if len(req.Queries) == 0 {
		return &models.BatchResult{Success: false, Results: []*models.QueryResult{}},
			apperrors.ErrEmptyBatch
	}

	conn, mgr, err := s.resolve(req.Database)
	if err != nil {
		return nil, err
	}

	type slot struct {
		pending *dqm.Pending
		result  *models.QueryResult
		err     error
	}
	slots := make([]slot, len(req.Queries))

	for i, item := range req.Queries {
		pending, result, err := s.submit(ctx, conn, mgr, item.QueryRef, item.Params, authed)
		if err != nil {
			if result == nil {
				result = &models.QueryResult{
					Success:  false,
					QueryRef: item.QueryRef,
					Error:    err.Error(),
				}
			}
			slots[i] = slot{result: result, err: err}
			continue
		}
		slots[i] = slot{pending: pending}
	}

	batch := &models.BatchResult{
		Success: true,
		Results: make([]*models.QueryResult, len(slots)),
	}
	var worst error
	for i := range slots {
		if slots[i].pending != nil {
			slots[i].result, slots[i].err = slots[i].pending.Wait(ctx)
		}
		batch.Results[i] = slots[i].result
		if slots[i].err != nil {
			batch.Success = false
			if severity(slots[i].err) > severity(worst) {
				worst = slots[i].err
			}
		}
	}
	return batch, worst
}

// Status snapshots every registered connection, including disabled and
// failed ones. Queue statistics and cache occupancy are reserved for
// authenticated callers.
func (s *conduitService) Status(authed bool) map[string]*models.ConnectionStatus {
	out := make(map[string]*models.ConnectionStatus, s.registry.Len())
	for _, conn := range s.registry.All() {
		cs := &models.ConnectionStatus{
			Ready:           conn.Ready(),
			MigrationStatus: conn.Status(),
		}
		if authed {
			if mgr, ok := s.managers[conn.Name]; ok {
				entries := mgr.CacheLen()
				cs.QueryCacheEntries = &entries
				cs.DQMStatistics = mgr.Stats()
			}
		}
		out[conn.Name] = cs
	}
	return out
}

func (s *conduitService) resolve(database string) (*models.DatabaseConnection, *dqm.Manager, error) {
	conn, err := s.registry.Find(database)
	if err != nil {
		return nil, nil, err
	}
	if !conn.Ready() {
		return nil, nil, fmt.Errorf("%w: %s is %s", apperrors.ErrDatabaseNotReady, conn.Name, conn.Status())
	}
	mgr, ok := s.managers[conn.Name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no queue manager for %s", apperrors.ErrDatabaseNotReady, conn.Name)
	}
	return conn, mgr, nil
}

// submit covers the shared single-query path up to queue handoff. A
// non-nil result with an error means the failure is reportable in-band.
func (s *conduitService) submit(ctx context.Context, conn *models.DatabaseConnection, mgr *dqm.Manager, queryRef int, p models.ParamMap, authed bool) (*dqm.Pending, *models.QueryResult, error) {
	entry, err := s.catalog.Lookup(queryRef)
	if err != nil {
		return nil, &models.QueryResult{
			Success:  false,
			QueryRef: queryRef,
			Error:    err.Error(),
		}, err
	}
	if entry.RequiresAuth && !authed {
		return nil, nil, fmt.Errorf("%w: query_ref %d requires authentication", apperrors.ErrUnauthorized, queryRef)
	}

	pending, err := mgr.Submit(ctx, s.classify(entry), &models.QueryRequest{
		QueryRef: queryRef,
		Database: conn.Name,
		Params:   p,
	}, entry)
	if err != nil {
		return nil, nil, err
	}
	return pending, nil, nil
}

// severity orders failure classes so a batch can surface its worst one.
// In-band failures rank lowest; authentication outranks everything since
// it must win the status-code choice.
func severity(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, apperrors.ErrUnknownQueryRef),
		errors.Is(err, apperrors.ErrTypeMismatch),
		errors.Is(err, apperrors.ErrUnsafeParameter):
		return 1
	case errors.Is(err, apperrors.ErrEngineFailure):
		return 2
	case errors.Is(err, apperrors.ErrQueueFull),
		errors.Is(err, apperrors.ErrDatabaseNotReady):
		return 3
	case errors.Is(err, apperrors.ErrUnauthorized):
		return 4
	}
	return 2
}
