package dqm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/cache"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
)

// stubDriver implements engine.Driver with a programmable Execute.
type stubDriver struct {
	executeFn func(ctx context.Context, sql string, args []params.NamedValue) (*models.EngineResult, error)
	calls     atomic.Int64
}

func (s *stubDriver) Connect(context.Context) error { return nil }
func (s *stubDriver) Ping(context.Context) error    { return nil }
func (s *stubDriver) Close() error                  { return nil }

func (s *stubDriver) Execute(ctx context.Context, sql string, args []params.NamedValue) (*models.EngineResult, error) {
	s.calls.Add(1)
	if s.executeFn != nil {
		return s.executeFn(ctx, sql, args)
	}
	return &models.EngineResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}, RowCount: 1}, nil
}

func newTestManager(t *testing.T, driver *stubDriver, cfg Config) *Manager {
	t.Helper()
	conn := models.NewDatabaseConnection("main", "sqlite", ":memory:", true, models.ParamMap{
		models.ParamInteger: {"limit": 100},
	})
	conn.SetStatus(models.MigrationCurrent)

	m := NewManager(conn, driver, cache.New(16, time.Minute), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func simpleEntry(ref int) *models.QueryTemplateEntry {
	return &models.QueryTemplateEntry{QueryRef: ref, SQL: "SELECT 1", QueueHint: models.TierFast}
}

func TestSubmit_Success(t *testing.T) {
	driver := &stubDriver{}
	m := newTestManager(t, driver, Config{})

	pending, err := m.Submit(context.Background(), models.TierFast,
		&models.QueryRequest{QueryRef: 53, Database: "main"}, simpleEntry(53))
	require.NoError(t, err)
	assert.NotEmpty(t, pending.QueryID())

	res, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 53, res.QueryRef)
	require.NotNil(t, res.Data)
	assert.Equal(t, 1, res.Data.RowCount)

	stats := m.Stats()
	fast := stats.PerQueueStats[2]
	assert.Equal(t, "fast", fast.QueueType)
	assert.Equal(t, uint64(1), fast.Submitted)
	assert.Equal(t, uint64(1), fast.Completed)
	assert.Equal(t, uint64(0), fast.Failed)
}

func TestSubmit_TypeMismatch(t *testing.T) {
	driver := &stubDriver{}
	m := newTestManager(t, driver, Config{})

	entry := &models.QueryTemplateEntry{
		QueryRef:  7,
		SQL:       "SELECT * FROM t WHERE id = :user_id",
		QueueHint: models.TierMedium,
		RequiredParams: map[models.ParamGroup][]string{
			models.ParamInteger: {"user_id"},
		},
	}
	req := &models.QueryRequest{
		QueryRef: 7,
		Database: "main",
		Params:   models.ParamMap{models.ParamInteger: {"user_id": "not-a-number"}},
	}

	pending, err := m.Submit(context.Background(), models.TierMedium, req, entry)
	require.NoError(t, err)

	res, err := pending.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTypeMismatch)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	assert.Equal(t, int64(0), driver.calls.Load(), "type mismatch never reaches the engine")

	medium := m.Stats().PerQueueStats[1]
	assert.Equal(t, uint64(1), medium.Failed)
}

func TestSubmit_InjectionAttemptRejected(t *testing.T) {
	driver := &stubDriver{}
	m := newTestManager(t, driver, Config{})

	entry := &models.QueryTemplateEntry{
		QueryRef:  8,
		SQL:       "SELECT * FROM t WHERE name = :name",
		QueueHint: models.TierMedium,
		RequiredParams: map[models.ParamGroup][]string{
			models.ParamString: {"name"},
		},
	}
	req := &models.QueryRequest{
		QueryRef: 8,
		Database: "main",
		Params:   models.ParamMap{models.ParamString: {"name": "'; DROP TABLE t--"}},
	}

	pending, err := m.Submit(context.Background(), models.TierMedium, req, entry)
	require.NoError(t, err)

	res, err := pending.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnsafeParameter)
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), driver.calls.Load(), "injection attempts never reach the engine")
}

func TestSubmit_EngineFailure(t *testing.T) {
	driver := &stubDriver{
		executeFn: func(context.Context, string, []params.NamedValue) (*models.EngineResult, error) {
			return nil, fmt.Errorf("%w: division by zero", apperrors.ErrEngineFailure)
		},
	}
	m := newTestManager(t, driver, Config{})

	pending, err := m.Submit(context.Background(), models.TierSlow,
		&models.QueryRequest{QueryRef: 9, Database: "main"}, simpleEntry(9))
	require.NoError(t, err)

	res, err := pending.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrEngineFailure)
	assert.False(t, res.Success)
}

func TestSubmit_QueueFull(t *testing.T) {
	release := make(chan struct{})
	driver := &stubDriver{
		executeFn: func(context.Context, string, []params.NamedValue) (*models.EngineResult, error) {
			<-release
			return &models.EngineResult{}, nil
		},
	}
	defer close(release)

	m := newTestManager(t, driver, Config{
		Workers:       map[models.Tier]int{models.TierLead: 1},
		Backlog:       1,
		SubmitTimeout: 50 * time.Millisecond,
	})

	// First fills the worker, second fills the backlog, third must reject.
	req := &models.QueryRequest{QueryRef: 1, Database: "main"}
	_, err := m.Submit(context.Background(), models.TierLead, req, simpleEntry(1))
	require.NoError(t, err)

	// Give the worker time to pick up the first task.
	time.Sleep(20 * time.Millisecond)

	_, err = m.Submit(context.Background(), models.TierLead, req, simpleEntry(1))
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), models.TierLead, req, simpleEntry(1))
	assert.ErrorIs(t, err, apperrors.ErrQueueFull)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalTimeouts)
}

func TestSubmit_CacheLaneHitSkipsEngine(t *testing.T) {
	driver := &stubDriver{}
	m := newTestManager(t, driver, Config{})

	entry := &models.QueryTemplateEntry{
		QueryRef:  11,
		SQL:       "SELECT now()",
		Cacheable: true,
		QueueHint: models.TierCache,
	}
	req := &models.QueryRequest{QueryRef: 11, Database: "main"}

	for i := 0; i < 2; i++ {
		pending, err := m.Submit(context.Background(), models.TierCache, req, entry)
		require.NoError(t, err)
		res, err := pending.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Success)
	}

	assert.Equal(t, int64(1), driver.calls.Load(), "second execution served from cache")

	cacheStats := m.Stats().PerQueueStats[3]
	assert.Equal(t, "cache", cacheStats.QueueType)
	assert.Equal(t, uint64(2), cacheStats.Submitted)
	assert.Equal(t, uint64(2), cacheStats.Completed)
}

func TestStats_WireOrder(t *testing.T) {
	m := newTestManager(t, &stubDriver{}, Config{})

	stats := m.Stats()
	require.Len(t, stats.PerQueueStats, 5)
	assert.Equal(t, "slow", stats.PerQueueStats[0].QueueType)
	assert.Equal(t, "medium", stats.PerQueueStats[1].QueueType)
	assert.Equal(t, "fast", stats.PerQueueStats[2].QueueType)
	assert.Equal(t, "cache", stats.PerQueueStats[3].QueueType)
	assert.Equal(t, "lead", stats.PerQueueStats[4].QueueType)
}

func TestStats_InvariantUnderConcurrentLoad(t *testing.T) {
	driver := &stubDriver{}
	m := newTestManager(t, driver, Config{Backlog: 256})

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tier := models.Tiers[i%len(models.Tiers)]
			pending, err := m.Submit(context.Background(), tier,
				&models.QueryRequest{QueryRef: i, Database: "main"}, simpleEntry(i))
			if err != nil {
				return
			}
			_, _ = pending.Wait(context.Background())
		}(i)

		// Interleave observations with load; the invariant must hold at
		// every point, not just after drain.
		if i%20 == 0 {
			stats := m.Stats()
			for _, qs := range stats.PerQueueStats {
				assert.GreaterOrEqual(t, qs.Submitted, qs.Completed+qs.Failed,
					"lane %s invariant violated mid-load", qs.QueueType)
			}
		}
	}
	wg.Wait()

	stats := m.Stats()
	var submitted, completed, failed uint64
	for _, qs := range stats.PerQueueStats {
		assert.GreaterOrEqual(t, qs.Submitted, qs.Completed+qs.Failed)
		submitted += qs.Submitted
		completed += qs.Completed
		failed += qs.Failed
	}
	assert.Equal(t, uint64(n), submitted)
	assert.Equal(t, submitted, completed+failed, "all work drained")
}

func TestWait_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	driver := &stubDriver{
		executeFn: func(context.Context, string, []params.NamedValue) (*models.EngineResult, error) {
			<-release
			return &models.EngineResult{}, nil
		},
	}
	defer close(release)

	m := newTestManager(t, driver, Config{})

	pending, err := m.Submit(context.Background(), models.TierFast,
		&models.QueryRequest{QueryRef: 1, Database: "main"}, simpleEntry(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, models.TierCache, DefaultClassifier(&models.QueryTemplateEntry{Cacheable: true, QueueHint: models.TierFast}))
	assert.Equal(t, models.TierSlow, DefaultClassifier(&models.QueryTemplateEntry{QueueHint: models.TierSlow}))
}
