// Package dqm implements the database queue manager: five bounded
// priority lanes per connection (lead, fast, medium, slow, cache), each
// with its own worker pool and atomic statistics. Submission is the only
// blocking point visible to callers and supports a bounded wait; a full
// lane rejects with backpressure instead of growing.
package dqm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/adapters/engine"
	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/audit"
	"github.com/conduitworks/conduit-engine/pkg/cache"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
	sqlutil "github.com/conduitworks/conduit-engine/pkg/sql"
)

const (
	// DefaultBacklog bounds each lane's queue when configuration does not.
	DefaultBacklog = 64
	// DefaultSubmitTimeout bounds how long a caller waits on a full lane.
	DefaultSubmitTimeout = 2 * time.Second
	// DefaultQueryTimeout bounds one engine round trip.
	DefaultQueryTimeout = 30 * time.Second
)

// DefaultWorkers sizes each lane's pool when configuration does not.
// Cache workers are lighter since they should resolve from the result
// cache before touching the engine.
var DefaultWorkers = map[models.Tier]int{
	models.TierLead:   1,
	models.TierFast:   4,
	models.TierMedium: 2,
	models.TierSlow:   1,
	models.TierCache:  2,
}

// Config sizes one connection's lanes.
type Config struct {
	Workers       map[models.Tier]int
	Backlog       int
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration

	// Auditor receives security events (injection attempts, validation
	// failures). Optional.
	Auditor *audit.SecurityAuditor
}

type outcome struct {
	result *models.QueryResult
	err    error
}

type task struct {
	queryID string
	tier    models.Tier
	req     *models.QueryRequest
	entry   *models.QueryTemplateEntry
	out     chan outcome
}

type lane struct {
	tier     models.Tier
	tasks    chan *task
	pool     *ants.Pool
	poolSize int
	stats    laneStats
}

// Manager runs the five priority lanes for one database connection.
type Manager struct {
	conn    *models.DatabaseConnection
	driver  engine.Driver
	results *cache.ResultCache
	lanes   [models.TierCount]*lane

	totalSubmitted atomic.Uint64
	totalCompleted atomic.Uint64
	totalFailed    atomic.Uint64
	totalTimeouts  atomic.Uint64

	submitTimeout time.Duration
	queryTimeout  time.Duration
	queryID       atomic.Uint64
	auditor       *audit.SecurityAuditor
	logger        *zap.Logger
}

// NewManager builds the manager; Start launches the worker pools.
func NewManager(conn *models.DatabaseConnection, driver engine.Driver, results *cache.ResultCache, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	m := &Manager{
		conn:          conn,
		driver:        driver,
		results:       results,
		submitTimeout: cfg.SubmitTimeout,
		queryTimeout:  cfg.QueryTimeout,
		auditor:       cfg.Auditor,
		logger:        logger.Named("dqm").With(zap.String("database", conn.Name)),
	}
	for _, tier := range models.Tiers {
		workers := cfg.Workers[tier]
		if workers <= 0 {
			workers = DefaultWorkers[tier]
		}
		m.lanes[tier] = &lane{
			tier:  tier,
			tasks: make(chan *task, cfg.Backlog),
		}
		m.lanes[tier].poolSize = workers
	}
	return m
}

// Start spins up one worker pool per lane.
func (m *Manager) Start() error {
	for _, ln := range m.lanes {
		ln := ln
		pool, err := ants.NewPool(ln.poolSize, ants.WithPanicHandler(func(v any) {
			m.logger.Error("lane worker panic",
				zap.String("queue_type", ln.tier.String()),
				zap.Any("panic", v))
		}))
		if err != nil {
			return fmt.Errorf("create %s lane pool: %w", ln.tier, err)
		}
		ln.pool = pool
		for i := 0; i < ln.poolSize; i++ {
			if err := pool.Submit(func() { m.workerLoop(ln) }); err != nil {
				return fmt.Errorf("start %s lane worker: %w", ln.tier, err)
			}
		}
	}
	m.logger.Info("queue manager started")
	return nil
}

// Stop drains the lanes and releases the pools. In-flight tasks run to
// completion.
func (m *Manager) Stop() {
	for _, ln := range m.lanes {
		close(ln.tasks)
	}
	for _, ln := range m.lanes {
		if ln.pool != nil {
			_ = ln.pool.ReleaseTimeout(5 * time.Second)
		}
	}
	_ = m.driver.Close()
	m.logger.Info("queue manager stopped")
}

// Pending is the future returned by Submit.
type Pending struct {
	queryID string
	out     chan outcome
}

// QueryID identifies the submitted execution.
func (p *Pending) QueryID() string { return p.queryID }

// Wait blocks until the worker finishes or the context expires. The
// returned error carries the failure class (type mismatch, engine
// failure); the result is always populated with the structured outcome
// when err is one of those classes.
func (p *Pending) Wait(ctx context.Context) (*models.QueryResult, error) {
	select {
	case o := <-p.out:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit places a request on a lane. The tier's submitted counter is
// incremented before the task is handed to a worker; a full lane rejects
// with ErrQueueFull after a bounded wait, recorded as a failure so the
// counters stay consistent.
func (m *Manager) Submit(ctx context.Context, tier models.Tier, req *models.QueryRequest, entry *models.QueryTemplateEntry) (*Pending, error) {
	if tier < 0 || int(tier) >= models.TierCount {
		return nil, fmt.Errorf("invalid tier %d", tier)
	}
	ln := m.lanes[tier]

	t := &task{
		queryID: m.nextQueryID(),
		tier:    tier,
		req:     req,
		entry:   entry,
		out:     make(chan outcome, 1),
	}

	ln.stats.recordSubmission()
	m.totalSubmitted.Add(1)

	timer := time.NewTimer(m.submitTimeout)
	defer timer.Stop()

	select {
	case ln.tasks <- t:
		return &Pending{queryID: t.queryID, out: t.out}, nil
	case <-timer.C:
		ln.stats.recordFailure()
		m.totalFailed.Add(1)
		m.totalTimeouts.Add(1)
		m.logger.Warn("lane backlog full, rejecting submission",
			zap.String("queue_type", tier.String()),
			zap.Int("query_ref", req.QueryRef))
		return nil, fmt.Errorf("%w: %s lane", apperrors.ErrQueueFull, tier)
	case <-ctx.Done():
		ln.stats.recordFailure()
		m.totalFailed.Add(1)
		return nil, ctx.Err()
	}
}

func (m *Manager) workerLoop(ln *lane) {
	for t := range ln.tasks {
		m.process(ln, t)
	}
}

// process is the worker body: merge parameters, validate against the
// template schema, consult the result cache for cacheable templates, and
// finally invoke the engine driver. Statistics updates are single atomic
// increments; no lock is held around the engine call.
func (m *Manager) process(ln *lane, t *task) {
	start := time.Now()

	merged := params.Merge(m.conn.DefaultParams, t.req.Params)

	if err := params.Validate(merged, t.entry.RequiredParams); err != nil {
		if m.auditor != nil {
			m.auditor.LogParameterValidation(m.conn.Name, t.req.QueryRef, t.queryID, err.Error())
		}
		m.fail(ln, t, err)
		return
	}

	args := params.Flatten(merged)
	if hits := sqlutil.CheckArguments(args); len(hits) > 0 {
		if m.auditor != nil {
			value, _ := hits[0].ParamValue.(string)
			m.auditor.LogInjectionAttempt(m.conn.Name, t.req.QueryRef, t.queryID, audit.SQLInjectionDetails{
				ParamName:   hits[0].ParamName,
				ParamValue:  value,
				Fingerprint: hits[0].Fingerprint,
			})
		}
		m.fail(ln, t, fmt.Errorf("%w: %s", apperrors.ErrUnsafeParameter, hits[0].ParamName))
		return
	}

	var cacheKey string
	if t.entry.Cacheable && m.results != nil {
		cacheKey = cache.Key(t.req.QueryRef, m.conn.Name, params.Canonical(merged))
		if cached, ok := m.results.Get(cacheKey); ok {
			m.complete(ln, t, cached.Data, time.Since(start))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.queryTimeout)
	data, err := m.driver.Execute(ctx, t.entry.SQL, args)
	cancel()
	if err != nil {
		m.fail(ln, t, err)
		return
	}

	elapsed := time.Since(start)
	if cacheKey != "" {
		m.results.Put(cacheKey, &models.QueryResult{
			Success:  true,
			QueryRef: t.req.QueryRef,
			Data:     data,
		})
	}
	m.complete(ln, t, data, elapsed)
}

func (m *Manager) complete(ln *lane, t *task, data *models.EngineResult, elapsed time.Duration) {
	ln.stats.recordCompletion(elapsed)
	m.totalCompleted.Add(1)
	t.out <- outcome{result: &models.QueryResult{
		Success:  true,
		QueryRef: t.req.QueryRef,
		QueryID:  t.queryID,
		Data:     data,
	}}
}

func (m *Manager) fail(ln *lane, t *task, err error) {
	ln.stats.recordFailure()
	m.totalFailed.Add(1)
	m.logger.Debug("query failed",
		zap.String("queue_type", t.tier.String()),
		zap.Int("query_ref", t.req.QueryRef),
		zap.Error(err))
	t.out <- outcome{
		result: &models.QueryResult{
			Success:  false,
			QueryRef: t.req.QueryRef,
			QueryID:  t.queryID,
			Error:    err.Error(),
		},
		err: err,
	}
}

// Stats snapshots all lane counters. PerQueueStats is in wire order:
// index 0 = slow, 1 = medium, 2 = fast, 3 = cache, 4 = lead.
func (m *Manager) Stats() *models.DQMStats {
	stats := &models.DQMStats{
		TotalQueriesCompleted: m.totalCompleted.Load(),
		TotalQueriesFailed:    m.totalFailed.Load(),
		TotalTimeouts:         m.totalTimeouts.Load(),
		TotalQueriesSubmitted: m.totalSubmitted.Load(),
		PerQueueStats:         make([]models.QueueStats, 0, models.TierCount),
	}
	for _, tier := range models.Tiers {
		stats.PerQueueStats = append(stats.PerQueueStats, m.lanes[tier].stats.snapshot(tier))
	}
	return stats
}

// CacheLen returns the connection's result cache entry count.
func (m *Manager) CacheLen() int {
	if m.results == nil {
		return 0
	}
	return m.results.Len()
}

func (m *Manager) nextQueryID() string {
	return fmt.Sprintf("conduit_%d_%d", m.queryID.Add(1), time.Now().Unix())
}
