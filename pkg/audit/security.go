// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy
// parsing and integration with security information and event management
// systems.
package audit

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection detects SQL injection patterns.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventParameterValidation is logged when parameter validation fails.
	EventParameterValidation SecurityEventType = "parameter_validation_failure"
	// EventAuthRejection is logged when a request is rejected for missing
	// or invalid credentials.
	EventAuthRejection SecurityEventType = "auth_rejection"
)

// SecurityEvent represents an auditable security event with all relevant
// context for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	Database  string            `json:"database,omitempty"`
	QueryRef  int               `json:"query_ref,omitempty"`
	QueryID   string            `json:"query_id,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of a detected SQL injection attempt.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated
// "security_audit" logger namespace for easy filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a detected SQL injection attempt.
// Logged at ERROR level with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(database string, queryRef int, queryID string, details SQLInjectionDetails) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventSQLInjectionAttempt,
		Database:  database,
		QueryRef:  queryRef,
		QueryID:   queryID,
		Details:   details,
		Severity:  "critical",
	}

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("database", database),
		zap.Int("query_ref", queryRef),
		zap.String("query_id", queryID),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogParameterValidation records a parameter validation failure.
// Logged at WARN level as these are typically user errors, not attacks.
func (a *SecurityAuditor) LogParameterValidation(database string, queryRef int, queryID, errorMessage string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventParameterValidation,
		Database:  database,
		QueryRef:  queryRef,
		QueryID:   queryID,
		Details: map[string]string{
			"error": errorMessage,
		},
		Severity: "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Parameter validation failed",
		zap.String("event_json", string(eventJSON)),
		zap.String("database", database),
		zap.Int("query_ref", queryRef),
		zap.String("query_id", queryID),
		zap.String("error", errorMessage),
		zap.String("severity", "warning"),
	)
}

// LogAuthRejection records a rejected request: missing token, invalid
// signature, or an auth-required template hit anonymously.
func (a *SecurityAuditor) LogAuthRejection(path, reason string) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAuthRejection,
		Details: map[string]string{
			"path":   path,
			"reason": reason,
		},
		Severity: "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Request rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("path", path),
		zap.String("reason", reason),
		zap.String("severity", "warning"),
	)
}
