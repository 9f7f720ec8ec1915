// Package apperrors defines the error taxonomy shared by the conduit
// gateway and the database queue managers. Handlers map these sentinels
// onto HTTP status codes; everything else wraps them with %w.
package apperrors

import "errors"

var (
	// ErrNotFound is the generic lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrUnknownDatabase means the request named a database that is not
	// in the connection registry. Client-input error.
	ErrUnknownDatabase = errors.New("unknown database")

	// ErrDatabaseDisabled means the connection exists but is disabled in
	// configuration. Client-input error, same as unknown.
	ErrDatabaseDisabled = errors.New("database disabled")

	// ErrDatabaseNotReady means the connection has not reached the
	// Current migration state (still pending, running, or failed).
	// Retryable from the caller's point of view.
	ErrDatabaseNotReady = errors.New("database not ready")

	// ErrUnknownQueryRef means the query reference is not in the
	// template catalog. The cheapest, most expected failure class.
	ErrUnknownQueryRef = errors.New("unknown query reference")

	// ErrTypeMismatch means a merged parameter failed validation against
	// the template's typed schema.
	ErrTypeMismatch = errors.New("parameter type mismatch")

	// ErrUnsafeParameter means a string parameter value matched a SQL
	// injection pattern. Reported in-band like a type mismatch.
	ErrUnsafeParameter = errors.New("unsafe parameter value")

	// ErrQueueFull is backpressure from a priority lane whose backlog is
	// at capacity. Retryable, never a client error.
	ErrQueueFull = errors.New("queue full")

	// ErrEngineFailure wraps runtime faults from the database engine
	// (constraint violations, divide-by-zero, driver errors).
	ErrEngineFailure = errors.New("engine failure")

	// ErrUnauthorized means the request lacked a valid identity for a
	// template that requires one.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptyBatch means a batch request carried no queries.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrDuplicateQueryRef means a bootstrap set tried to register a
	// query reference that is already in the catalog.
	ErrDuplicateQueryRef = errors.New("duplicate query reference")
)
