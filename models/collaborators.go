package models

import "context"

// TransformRequest is the payload handed to the external transformer.
type TransformRequest struct {
	Provider string                   `json:"provider"`
	APIType  string                   `json:"api_type"`
	RuleType string                   `json:"rule_type"`
	RawData  []map[string]interface{} `json:"raw_data"`
}

// Transformer applies field-mapping rules to raw provider payloads. Rule
// persistence and the rule language live outside this system.
type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) (*TransformResult, error)
}

// SymbolResolver reconciles symbol identifiers across providers. The
// returned set is what downstream cache and broadcast stages receive.
type SymbolResolver interface {
	EnsureSymbolConsistency(ctx context.Context, symbols []string, provider string) ([]string, error)
}

// RateLimitOracle answers quota questions for a client and kind. Callers
// decide how to treat oracle failures; the connection manager fails open.
type RateLimitOracle interface {
	CheckRateLimit(ctx context.Context, clientID, kind string) (*RateLimitDecision, error)
}

// RecoveryWorker receives fire-and-forget replay jobs when a provider
// connection is lost. Its replay algorithm is out of scope here.
type RecoveryWorker interface {
	SubmitRecovery(clientID, provider, capability string)
}
