package models

import "time"

// ConnectionState describes the lifecycle phase of a provider connection.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionActive     ConnectionState = "active"
	ConnectionClosing    ConnectionState = "closing"
	ConnectionClosed     ConnectionState = "closed"
)

// ConnectionInfo is the externally visible view of one provider connection.
type ConnectionInfo struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	ProviderName    string          `json:"provider_name"`
	Capability      string          `json:"capability"`
	State           ConnectionState `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	Healthy         bool            `json:"healthy"`
	LastHealthCheck time.Time       `json:"last_health_check"`
}

// ConnectionHealthStats aggregates the live connection set. Recomputed on
// demand, never persisted.
type ConnectionHealthStats struct {
	Total       int     `json:"total"`
	Healthy     int     `json:"healthy"`
	Unhealthy   int     `json:"unhealthy"`
	HealthRatio float64 `json:"health_ratio"`
}

// CleanupReport summarises one cleanup sweep, forced or timer driven.
type CleanupReport struct {
	StaleConnectionsCleaned     int    `json:"stale_connections_cleaned"`
	UnhealthyConnectionsCleaned int    `json:"unhealthy_connections_cleaned"`
	TotalCleaned                int    `json:"total_cleaned"`
	RemainingConnections        int    `json:"remaining_connections"`
	CleanupType                 string `json:"cleanup_type"`
}

// RateLimitDecision is the answer from the external rate-limit oracle.
type RateLimitDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Current   int       `json:"current"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}
