package models

import (
	"time"
)

// QuoteRecord represents one raw quote message pushed by a provider stream.
// It is transient: produced at the ingestion boundary, consumed once by the
// pipeline and not retained afterwards.
type QuoteRecord struct {
	RawData      map[string]interface{} `json:"raw_data"`
	ProviderName string                 `json:"provider_name"`
	Capability   string                 `json:"capability"`
	Timestamp    time.Time              `json:"timestamp"`
	Symbols      []string               `json:"symbols"`
}

// TransformResult is returned by the external transformer for one pipeline
// invocation. TransformedData holds one record or a slice of records.
type TransformResult struct {
	TransformedData   interface{} `json:"transformed_data"`
	RuleID            string      `json:"rule_id"`
	RuleType          string      `json:"rule_type"`
	RecordsProcessed  int         `json:"records_processed"`
	FieldsTransformed int         `json:"fields_transformed"`
	ProcessingTimeMs  int64       `json:"processing_time_ms"`
}

// PipelineMetrics captures timing for a single pipeline run. One instance
// per run, emitted to the metrics sink and discarded.
type PipelineMetrics struct {
	Provider     string        `json:"provider"`
	Capability   string        `json:"capability"`
	QuotesCount  int           `json:"quotes_count"`
	SymbolsCount int           `json:"symbols_count"`
	Total        time.Duration `json:"total"`
	Transform    time.Duration `json:"transform"`
	Cache        time.Duration `json:"cache"`
	Broadcast    time.Duration `json:"broadcast"`
}
