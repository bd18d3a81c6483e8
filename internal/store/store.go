// Package store defines the persistence interface for the gateway's
// configuration and audit data: provider/key definitions, logical model
// routing tables, routing policy defaults, the encrypted vault blob, and
// audit/request logs. SQLiteStore (sqlite.go, this package) provides the
// sqlite-backed implementation.
package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for the gateway.
type Store interface {
	// Logical models
	ListLogicalModels(ctx context.Context) ([]LogicalModelRecord, error)
	GetLogicalModel(ctx context.Context, id string) (*LogicalModelRecord, error)
	UpsertLogicalModel(ctx context.Context, m LogicalModelRecord) error
	DeleteLogicalModel(ctx context.Context, id string) error

	// Providers
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
	GetProvider(ctx context.Context, id string) (*ProviderRecord, error)
	UpsertProvider(ctx context.Context, p ProviderRecord) error
	DeleteProvider(ctx context.Context, id string) error

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Routing config persistence
	SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error
	LoadRoutingConfig(ctx context.Context) (RoutingConfig, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Long-term metrics rollups, decoupled from routestats' in-process
	// rolling window so historical trends survive a restart.
	RecordMetricsRollup(ctx context.Context, r MetricsRollup) error
	QueryMetricsHistory(ctx context.Context, logicalModel, providerID string, since time.Time) ([]MetricsRollup, error)

	// Log retention
	PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// UpstreamRecord is one physical upstream backing a logical model.
type UpstreamRecord struct {
	ProviderID string  `json:"provider_id"`
	ModelID    string  `json:"model_id"`
	Endpoint   string  `json:"endpoint"`
	BaseWeight float64 `json:"base_weight"`
	APIStyle   string  `json:"api_style"` // openai, anthropic, vllm
}

// LogicalModelRecord is the persisted form of a logical model and its
// candidate upstreams.
type LogicalModelRecord struct {
	LogicalID      string           `json:"logical_id"`
	DisplayName    string           `json:"display_name"`
	Capabilities   []string         `json:"capabilities"`
	Upstreams      []UpstreamRecord `json:"upstreams"`
	Strategy       string           `json:"strategy"` // balanced, latency_first, weighted, sticky_first
	Enabled        bool             `json:"enabled"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ProviderKeyRecord describes one configured API key's routing parameters.
// The key material itself lives in the vault under
// provider:{provider_id}:key:{label}, never in this record.
type ProviderKeyRecord struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
	MaxQPS int     `json:"max_qps,omitempty"`
}

// ProviderRecord is the persisted form of a provider configuration.
type ProviderRecord struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Type          string              `json:"type"` // openai, anthropic, vllm
	BaseURL       string              `json:"base_url"`
	Enabled       bool                `json:"enabled"`
	CredStore     string              `json:"cred_store"` // env, vault, none
	Keys          []ProviderKeyRecord `json:"keys"`
	CustomHeaders map[string]string   `json:"custom_headers,omitempty"`
}

// RoutingConfig holds persisted routing policy defaults.
type RoutingConfig struct {
	DefaultStrategy                string `json:"default_strategy"`
	ProviderFailureThreshold       int    `json:"provider_failure_threshold"`
	ProviderFailureCooldownSeconds int    `json:"provider_failure_cooldown_seconds"`
	EnableProviderHealthCheck      bool   `json:"enable_provider_health_check"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`                // e.g. "logical_model.upsert", "provider.delete", "vault.unlock"
	Resource  string    `json:"resource"`               // e.g. "chat-default", "openai-prod"
	Detail    string    `json:"detail,omitempty"`       // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for audit/dashboard.
type RequestLog struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	LogicalModel string    `json:"logical_model"`
	ProviderID   string    `json:"provider_id"`
	ModelID      string    `json:"model_id"`
	LatencyMs    int64     `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	Retryable    bool      `json:"retryable"`
	SkippedCount int       `json:"skipped_count"`
	TriedCount   int       `json:"tried_count"`
	RequestID    string    `json:"request_id,omitempty"`
}

// MetricsRollup is a periodic snapshot of routestats.RoutingMetrics,
// persisted so trend queries survive process restarts.
type MetricsRollup struct {
	Timestamp       time.Time `json:"timestamp"`
	LogicalModel    string    `json:"logical_model"`
	ProviderID      string    `json:"provider_id"`
	LatencyP50Ms    float64   `json:"latency_p50_ms"`
	LatencyP95Ms    float64   `json:"latency_p95_ms"`
	LatencyP99Ms    float64   `json:"latency_p99_ms"`
	ErrorRate       float64   `json:"error_rate"`
	TotalRequests1m int       `json:"total_requests_1m"`
}
