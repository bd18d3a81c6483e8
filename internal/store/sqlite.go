package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS logical_models (
			logical_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			upstreams TEXT NOT NULL DEFAULT '[]',
			strategy TEXT NOT NULL DEFAULT 'balanced',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			base_url TEXT NOT NULL DEFAULT '',
			cred_store TEXT NOT NULL DEFAULT 'env',
			keys TEXT NOT NULL DEFAULT '[]',
			custom_headers TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			logical_model TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			retryable BOOLEAN NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			tried_count INTEGER NOT NULL DEFAULT 0,
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_logical_model ON request_logs(logical_model)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS routing_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			default_strategy TEXT NOT NULL DEFAULT 'balanced',
			provider_failure_threshold INTEGER NOT NULL DEFAULT 3,
			provider_failure_cooldown_seconds INTEGER NOT NULL DEFAULT 60,
			enable_provider_health_check BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS metrics_rollups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			logical_model TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			latency_p50_ms REAL NOT NULL DEFAULT 0,
			latency_p95_ms REAL NOT NULL DEFAULT 0,
			latency_p99_ms REAL NOT NULL DEFAULT 0,
			error_rate REAL NOT NULL DEFAULT 0,
			total_requests_1m INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_rollups_lookup ON metrics_rollups(logical_model, provider_id, timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Logical models

func (s *SQLiteStore) ListLogicalModels(ctx context.Context) ([]LogicalModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT logical_id, display_name, capabilities, upstreams, strategy, enabled, updated_at FROM logical_models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LogicalModelRecord
	for rows.Next() {
		m, err := scanLogicalModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLogicalModel(ctx context.Context, id string) (*LogicalModelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT logical_id, display_name, capabilities, upstreams, strategy, enabled, updated_at
		 FROM logical_models WHERE logical_id = ?`, id)
	m, err := scanLogicalModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogicalModel(row rowScanner) (LogicalModelRecord, error) {
	var m LogicalModelRecord
	var capsJSON, upstreamsJSON string
	var updatedAt time.Time
	if err := row.Scan(&m.LogicalID, &m.DisplayName, &capsJSON, &upstreamsJSON, &m.Strategy, &m.Enabled, &updatedAt); err != nil {
		return m, err
	}
	m.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(capsJSON), &m.Capabilities); err != nil {
		return m, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(upstreamsJSON), &m.Upstreams); err != nil {
		return m, fmt.Errorf("unmarshal upstreams: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpsertLogicalModel(ctx context.Context, m LogicalModelRecord) error {
	capsJSON, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	upstreamsJSON, err := json.Marshal(m.Upstreams)
	if err != nil {
		return fmt.Errorf("marshal upstreams: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logical_models (logical_id, display_name, capabilities, upstreams, strategy, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(logical_id) DO UPDATE SET
		   display_name=excluded.display_name,
		   capabilities=excluded.capabilities,
		   upstreams=excluded.upstreams,
		   strategy=excluded.strategy,
		   enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		m.LogicalID, m.DisplayName, string(capsJSON), string(upstreamsJSON), m.Strategy, m.Enabled, m.UpdatedAt)
	return err
}

func (s *SQLiteStore) DeleteLogicalModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM logical_models WHERE logical_id = ?`, id)
	return err
}

// Providers

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, enabled, base_url, cred_store, keys, custom_headers FROM providers`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderRecord
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, enabled, base_url, cred_store, keys, custom_headers FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProvider(row rowScanner) (ProviderRecord, error) {
	var p ProviderRecord
	var keysJSON, headersJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Enabled, &p.BaseURL, &p.CredStore, &keysJSON, &headersJSON); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(keysJSON), &p.Keys); err != nil {
		return p, fmt.Errorf("unmarshal keys: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &p.CustomHeaders); err != nil {
		return p, fmt.Errorf("unmarshal custom_headers: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p ProviderRecord) error {
	keysJSON, err := json.Marshal(p.Keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	headers := p.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal custom_headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, enabled, base_url, cred_store, keys, custom_headers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   type=excluded.type,
		   enabled=excluded.enabled,
		   base_url=excluded.base_url,
		   cred_store=excluded.cred_store,
		   keys=excluded.keys,
		   custom_headers=excluded.custom_headers`,
		p.ID, p.Name, p.Type, p.Enabled, p.BaseURL, p.CredStore, string(keysJSON), string(headersJSON))
	return err
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// Request Logs

func (s *SQLiteStore) LogRequest(ctx context.Context, entry RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, logical_model, provider_id, model_id, latency_ms, status_code, retryable, skipped_count, tried_count, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.LogicalModel, entry.ProviderID, entry.ModelID,
		entry.LatencyMs, entry.StatusCode, entry.Retryable, entry.SkippedCount, entry.TriedCount, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, logical_model, provider_id, model_id, latency_ms, status_code, retryable, skipped_count, tried_count, request_id
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.LogicalModel, &l.ProviderID, &l.ModelID,
			&l.LatencyMs, &l.StatusCode, &l.Retryable, &l.SkippedCount, &l.TriedCount, &l.RequestID); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Routing Config

func (s *SQLiteStore) SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_config (id, default_strategy, provider_failure_threshold, provider_failure_cooldown_seconds, enable_provider_health_check)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   default_strategy=excluded.default_strategy,
		   provider_failure_threshold=excluded.provider_failure_threshold,
		   provider_failure_cooldown_seconds=excluded.provider_failure_cooldown_seconds,
		   enable_provider_health_check=excluded.enable_provider_health_check`,
		cfg.DefaultStrategy, cfg.ProviderFailureThreshold, cfg.ProviderFailureCooldownSeconds, cfg.EnableProviderHealthCheck)
	return err
}

func (s *SQLiteStore) LoadRoutingConfig(ctx context.Context) (RoutingConfig, error) {
	var cfg RoutingConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT default_strategy, provider_failure_threshold, provider_failure_cooldown_seconds, enable_provider_health_check
		 FROM routing_config WHERE id = 1`).
		Scan(&cfg.DefaultStrategy, &cfg.ProviderFailureThreshold, &cfg.ProviderFailureCooldownSeconds, &cfg.EnableProviderHealthCheck)
	if err != nil {
		// No row yet: return zero value rather than an error.
		return RoutingConfig{}, nil
	}
	return cfg, nil
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Metrics rollups

func (s *SQLiteStore) RecordMetricsRollup(ctx context.Context, r MetricsRollup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics_rollups (timestamp, logical_model, provider_id, latency_p50_ms, latency_p95_ms, latency_p99_ms, error_rate, total_requests_1m)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.LogicalModel, r.ProviderID, r.LatencyP50Ms, r.LatencyP95Ms, r.LatencyP99Ms, r.ErrorRate, r.TotalRequests1m)
	return err
}

func (s *SQLiteStore) QueryMetricsHistory(ctx context.Context, logicalModel, providerID string, since time.Time) ([]MetricsRollup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, logical_model, provider_id, latency_p50_ms, latency_p95_ms, latency_p99_ms, error_rate, total_requests_1m
		 FROM metrics_rollups WHERE logical_model = ? AND provider_id = ? AND timestamp >= ?
		 ORDER BY timestamp ASC`, logicalModel, providerID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MetricsRollup
	for rows.Next() {
		var r MetricsRollup
		if err := rows.Scan(&r.Timestamp, &r.LogicalModel, &r.ProviderID, &r.LatencyP50Ms, &r.LatencyP95Ms, &r.LatencyP99Ms, &r.ErrorRate, &r.TotalRequests1m); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Log retention

func (s *SQLiteStore) PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metrics_rollups WHERE timestamp < ?`, cutoff); err != nil {
		return n, err
	}
	return n, nil
}
