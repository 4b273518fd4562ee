package models

// ErrorCategory is the closed classification taxonomy for runtime failures.
type ErrorCategory string

const (
	CategoryClientError     ErrorCategory = "client_error"
	CategoryConnectionError ErrorCategory = "connection_error"
	CategoryTimeout         ErrorCategory = "timeout"
	CategoryProviderError   ErrorCategory = "provider_error"
	CategoryServerError     ErrorCategory = "server_error"
)

// RecoveryAction tells the caller how a classified failure should be handled.
type RecoveryAction string

const (
	RecoveryReconnect RecoveryAction = "reconnect"
	RecoveryRetry     RecoveryAction = "retry"
	RecoveryFallback  RecoveryAction = "fallback"
	RecoveryAbort     RecoveryAction = "abort"
)

// Severity is used only for alerting, never for control flow.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifiedError is derived per occurrence and never stored. UserMessage is
// the only text ever shown to callers; raw error text stays in structured
// logs.
type ClassifiedError struct {
	Category       ErrorCategory  `json:"category"`
	UserMessage    string         `json:"user_message"`
	RecoveryAction RecoveryAction `json:"recovery_action"`
	Severity       Severity       `json:"severity"`
	Retryable      bool           `json:"retryable"`
}
