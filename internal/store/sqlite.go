package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
// Tracker snapshots live as JSON values in appConfig(key,value), mirroring
// the file driver's logical keys; append-only logs get their own tables.
type SQLiteStore struct {
	db *sql.DB
}

// Snapshot keys in appConfig.
const (
	keyCalibration = "calibration"
	keyVariance    = "varianceStats"
	keyTrust       = "trust"
	keyModelStats  = "modelStats"
)

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite supports a single writer; keep the pool small.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS appConfig (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			tenant TEXT NOT NULL DEFAULT '',
			chosen_model_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_ts ON run_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_tenant ON run_logs(tenant)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			predicted_cost_usd REAL NOT NULL DEFAULT 0,
			actual_cost_usd REAL NOT NULL DEFAULT 0,
			predicted_quality REAL NOT NULL DEFAULT 0,
			actual_quality REAL NOT NULL DEFAULT 0,
			defect_count INTEGER,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_model ON observations(model_id)`,
		`CREATE TABLE IF NOT EXISTS governance_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS project_runs (
			run_session_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			tenant TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '["run","project"]',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			monthly_budget_usd REAL NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_keys_prefix ON tenant_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Run log.

func (s *SQLiteStore) AppendRunLog(ctx context.Context, rec RunLogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (task_id, tenant, chosen_model_id, status, cost_usd, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Tenant, rec.ChosenModelID, rec.Status, rec.CostUSD,
		rec.Timestamp.Format(time.RFC3339Nano), string(rec.Payload))
	return err
}

func (s *SQLiteStore) ListRunLogs(ctx context.Context, limit, offset int) ([]RunLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, tenant, chosen_model_id, status, cost_usd, timestamp, payload
		 FROM run_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunLogRecord
	for rows.Next() {
		var rec RunLogRecord
		var ts, payload string
		if err := rows.Scan(&rec.TaskID, &rec.Tenant, &rec.ChosenModelID, &rec.Status, &rec.CostUSD, &ts, &payload); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// appConfig snapshot helpers.

func (s *SQLiteStore) setConfig(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appConfig (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(b))
	return err
}

func getConfig[T any](ctx context.Context, s *SQLiteStore, key string) ([]T, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM appConfig WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) SaveCalibration(ctx context.Context, recs []calibration.Record) error {
	return s.setConfig(ctx, keyCalibration, recs)
}

func (s *SQLiteStore) LoadCalibration(ctx context.Context) ([]calibration.Record, error) {
	return getConfig[calibration.Record](ctx, s, keyCalibration)
}

func (s *SQLiteStore) SaveVariance(ctx context.Context, buckets []variance.Bucket) error {
	return s.setConfig(ctx, keyVariance, buckets)
}

func (s *SQLiteStore) LoadVariance(ctx context.Context) ([]variance.Bucket, error) {
	return getConfig[variance.Bucket](ctx, s, keyVariance)
}

func (s *SQLiteStore) SaveTrust(ctx context.Context, entries []trust.Entry) error {
	return s.setConfig(ctx, keyTrust, entries)
}

func (s *SQLiteStore) LoadTrust(ctx context.Context) ([]trust.Entry, error) {
	return getConfig[trust.Entry](ctx, s, keyTrust)
}

func (s *SQLiteStore) SaveModelStats(ctx context.Context, ms []stats.ModelStats) error {
	return s.setConfig(ctx, keyModelStats, ms)
}

func (s *SQLiteStore) LoadModelStats(ctx context.Context) ([]stats.ModelStats, error) {
	return getConfig[stats.ModelStats](ctx, s, keyModelStats)
}

// Observations.

func (s *SQLiteStore) AppendObservation(ctx context.Context, rec ObservationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var defects any
	if rec.DefectCount != nil {
		defects = *rec.DefectCount
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (model_id, task_type, difficulty, predicted_cost_usd,
		 actual_cost_usd, predicted_quality, actual_quality, defect_count, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ModelID, rec.TaskType, rec.Difficulty, rec.PredictedCostUSD,
		rec.ActualCostUSD, rec.PredictedQuality, rec.ActualQuality, defects,
		rec.Timestamp.Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListObservations(ctx context.Context, modelID string, limit int) ([]ObservationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT model_id, task_type, difficulty, predicted_cost_usd, actual_cost_usd,
		 predicted_quality, actual_quality, defect_count, timestamp FROM observations`
	args := []any{}
	if modelID != "" {
		query += ` WHERE model_id = ?`
		args = append(args, modelID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObservationRecord
	for rows.Next() {
		var rec ObservationRecord
		var ts string
		var defects sql.NullInt64
		if err := rows.Scan(&rec.ModelID, &rec.TaskType, &rec.Difficulty, &rec.PredictedCostUSD,
			&rec.ActualCostUSD, &rec.PredictedQuality, &rec.ActualQuality, &defects, &ts); err != nil {
			return nil, err
		}
		if defects.Valid {
			n := int(defects.Int64)
			rec.DefectCount = &n
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Governance log.

func (s *SQLiteStore) AppendGovernance(ctx context.Context, rec GovernanceRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO governance_log (timestamp, action, detail) VALUES (?, ?, ?)`,
		rec.Timestamp.Format(time.RFC3339Nano), rec.Action, rec.Detail)
	return err
}

func (s *SQLiteStore) ListGovernance(ctx context.Context, limit int) ([]GovernanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, action, detail FROM governance_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GovernanceRecord
	for rows.Next() {
		var rec GovernanceRecord
		var ts string
		if err := rows.Scan(&ts, &rec.Action, &rec.Detail); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Project runs.

func (s *SQLiteStore) SaveProjectRun(ctx context.Context, runSessionID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_runs (run_session_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_session_id) DO UPDATE SET payload = excluded.payload`,
		runSessionID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) LoadProjectRun(ctx context.Context, runSessionID string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM project_runs WHERE run_session_id = ?`, runSessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: runSessionID}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// Tenant keys.

func (s *SQLiteStore) CreateTenantKey(ctx context.Context, key TenantKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_keys (id, key_hash, key_prefix, tenant, scopes, created_at,
		 last_used_at, expires_at, monthly_budget_usd, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Tenant, key.Scopes,
		key.CreatedAt.Format(time.RFC3339Nano), timePtr(key.LastUsedAt), timePtr(key.ExpiresAt),
		key.MonthlyBudgetUSD, boolToInt(key.Enabled))
	return err
}

func (s *SQLiteStore) GetTenantKeysByPrefix(ctx context.Context, prefix string) ([]TenantKeyRecord, error) {
	return s.queryTenantKeys(ctx, `WHERE key_prefix = ?`, prefix)
}

func (s *SQLiteStore) ListTenantKeys(ctx context.Context) ([]TenantKeyRecord, error) {
	return s.queryTenantKeys(ctx, ``)
}

func (s *SQLiteStore) queryTenantKeys(ctx context.Context, where string, args ...any) ([]TenantKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, tenant, scopes, created_at, last_used_at,
		 expires_at, monthly_budget_usd, enabled FROM tenant_keys `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TenantKeyRecord
	for rows.Next() {
		var k TenantKeyRecord
		var created string
		var lastUsed, expires sql.NullString
		var enabled int
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Tenant, &k.Scopes,
			&created, &lastUsed, &expires, &k.MonthlyBudgetUSD, &enabled); err != nil {
			return nil, err
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		k.LastUsedAt = parseTimePtr(lastUsed)
		k.ExpiresAt = parseTimePtr(expires)
		k.Enabled = enabled != 0
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTenantKey(ctx context.Context, key TenantKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenant_keys SET key_hash = ?, key_prefix = ?, tenant = ?, scopes = ?,
		 last_used_at = ?, expires_at = ?, monthly_budget_usd = ?, enabled = ? WHERE id = ?`,
		key.KeyHash, key.KeyPrefix, key.Tenant, key.Scopes,
		timePtr(key.LastUsedAt), timePtr(key.ExpiresAt), key.MonthlyBudgetUSD,
		boolToInt(key.Enabled), key.ID)
	return err
}

func (s *SQLiteStore) DeleteTenantKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_keys WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) GetMonthlySpend(ctx context.Context, tenant string) (float64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM run_logs WHERE tenant = ? AND timestamp >= ?`,
		tenant, monthStart.Format(time.RFC3339Nano)).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
