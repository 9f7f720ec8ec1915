// Package models holds the shared data model for the conduit engine:
// database connections, query templates, requests, results, and queue
// statistics. Types here carry no behavior beyond accessors; the owning
// packages (registry, catalog, dqm) enforce the lifecycle rules.
package models

import (
	"sync"
)

// ParamGroup names a typed parameter group. The group tag doubles as the
// expected scalar type of every key inside it.
type ParamGroup string

const (
	ParamInteger ParamGroup = "INTEGER"
	ParamString  ParamGroup = "STRING"
	ParamBoolean ParamGroup = "BOOLEAN"
	ParamFloat   ParamGroup = "FLOAT"
)

// ParamGroups lists the recognized groups in canonical order.
var ParamGroups = []ParamGroup{ParamInteger, ParamString, ParamBoolean, ParamFloat}

// ParamMap is the grouped parameter shape used by connection defaults and
// request parameters alike: group -> key -> value.
type ParamMap map[ParamGroup]map[string]any

// Clone returns a deep copy. A nil map clones to an empty, non-nil map so
// callers can mutate the result freely.
func (p ParamMap) Clone() ParamMap {
	out := make(ParamMap, len(p))
	for group, kv := range p {
		dst := make(map[string]any, len(kv))
		for k, v := range kv {
			dst[k] = v
		}
		out[group] = dst
	}
	return out
}

// MigrationStatus is the per-connection migration state machine value.
type MigrationStatus string

const (
	MigrationPending MigrationStatus = "pending"
	MigrationRunning MigrationStatus = "running"
	MigrationCurrent MigrationStatus = "current"
	MigrationFailed  MigrationStatus = "failed"
)

// DatabaseConnection describes one configured database. Created at startup
// from configuration and never destroyed during the process lifetime. The
// migration status field is the only mutable part; it is written solely by
// the migration engine.
type DatabaseConnection struct {
	Name           string
	Type           string // engine tag: postgres|mysql|sqlite|db2|mariadb|cockroachdb|yugabytedb
	Target         string // DSN / database identifier
	Enabled        bool
	DefaultParams  ParamMap
	MigrationsPath string // schema migrations directory, optional
	BootstrapPath  string // bootstrap query set (YAML), optional

	mu     sync.RWMutex
	status MigrationStatus
}

// NewDatabaseConnection returns a connection in the Pending state.
func NewDatabaseConnection(name, engineType, target string, enabled bool, defaults ParamMap) *DatabaseConnection {
	return &DatabaseConnection{
		Name:          name,
		Type:          engineType,
		Target:        target,
		Enabled:       enabled,
		DefaultParams: defaults,
		status:        MigrationPending,
	}
}

// Status returns the current migration status.
func (c *DatabaseConnection) Status() MigrationStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a migration state transition. Only the migration
// engine calls this.
func (c *DatabaseConnection) SetStatus(s MigrationStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Ready reports whether the connection accepts query execution.
func (c *DatabaseConnection) Ready() bool {
	return c.Enabled && c.Status() == MigrationCurrent
}

// Tier identifies one of the five priority lanes. The numeric order is the
// wire order of per_queue_stats in the status payload: slow=0, medium=1,
// fast=2, cache=3, lead=4. Do not reorder.
type Tier int

const (
	TierSlow Tier = iota
	TierMedium
	TierFast
	TierCache
	TierLead

	TierCount = 5
)

// Tiers lists all lanes in wire order.
var Tiers = [TierCount]Tier{TierSlow, TierMedium, TierFast, TierCache, TierLead}

func (t Tier) String() string {
	switch t {
	case TierSlow:
		return "slow"
	case TierMedium:
		return "medium"
	case TierFast:
		return "fast"
	case TierCache:
		return "cache"
	case TierLead:
		return "lead"
	}
	return "unknown"
}

// TierFromString parses a lane name. Returns TierMedium and false for
// anything unrecognized.
func TierFromString(s string) (Tier, bool) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, true
		}
	}
	return TierMedium, false
}

// QueryTemplateEntry is one catalog entry: an integer reference bound to a
// SQL template, a typed parameter schema, and execution hints. Immutable
// after the migration engine registers it.
type QueryTemplateEntry struct {
	QueryRef       int
	SQL            string
	RequiredParams map[ParamGroup][]string
	RequiresAuth   bool
	Cacheable      bool
	QueueHint      Tier
}

// QueryRequest is one incoming query execution request. Ephemeral.
type QueryRequest struct {
	QueryRef int      `json:"query_ref"`
	Database string   `json:"database"`
	Params   ParamMap `json:"params,omitempty"`
}

// BatchQueryItem is one member of a batch request. Duplicates are allowed
// and executed independently.
type BatchQueryItem struct {
	QueryRef int      `json:"query_ref"`
	Params   ParamMap `json:"params,omitempty"`
}

// QueryBatchRequest is the batch request body.
type QueryBatchRequest struct {
	Database string           `json:"database"`
	Queries  []BatchQueryItem `json:"queries"`
}

// EngineResult holds rows returned by an engine driver.
type EngineResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// QueryResult is the structured outcome of one query execution.
type QueryResult struct {
	Success  bool          `json:"success"`
	QueryRef int           `json:"query_ref"`
	QueryID  string        `json:"query_id,omitempty"`
	Data     *EngineResult `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// BatchResult aggregates per-item results. Success is true only if every
// member succeeded.
type BatchResult struct {
	Success bool           `json:"success"`
	Results []*QueryResult `json:"results"`
}

// QueueStats is a point-in-time snapshot of one lane's counters. The
// invariant Submitted >= Completed+Failed holds at every observation.
type QueueStats struct {
	QueueType          string `json:"queue_type"`
	Submitted          uint64 `json:"submitted"`
	Completed          uint64 `json:"completed"`
	Failed             uint64 `json:"failed"`
	AvgExecutionTimeUS uint64 `json:"avg_execution_time_us"`
	LastUsed           int64  `json:"last_used"`
}

// DQMStats is the per-connection statistics block in the status payload.
// PerQueueStats is in wire order: [slow, medium, fast, cache, lead].
type DQMStats struct {
	TotalQueriesSubmitted uint64       `json:"total_queries_submitted"`
	TotalQueriesCompleted uint64       `json:"total_queries_completed"`
	TotalQueriesFailed    uint64       `json:"total_queries_failed"`
	TotalTimeouts         uint64       `json:"total_timeouts"`
	PerQueueStats         []QueueStats `json:"per_queue_stats"`
}

// ConnectionStatus is the per-database block in the status payload.
// DQM and cache fields are only populated for authenticated callers.
type ConnectionStatus struct {
	Ready             bool            `json:"ready"`
	MigrationStatus   MigrationStatus `json:"migration_status"`
	QueryCacheEntries *int            `json:"query_cache_entries,omitempty"`
	DQMStatistics     *DQMStats       `json:"dqm_statistics,omitempty"`
}
