// Package store is the persistence layer behind the trackers, run log, and
// governance state. Two drivers implement the same interface: a file driver
// writing the JSON/JSONL layout under ./runs and ./.data, and a SQLite
// driver keeping the same logical keys in an appConfig(key,value) table plus
// parallel tables. Selected via PERSISTENCE_DRIVER.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// RunLogRecord is one persisted RunLogEvent line (runs.jsonl).
type RunLogRecord struct {
	TaskID        string          `json:"task_id"`
	Tenant        string          `json:"tenant,omitempty"`
	ChosenModelID string          `json:"chosen_model_id"`
	Status        string          `json:"status"`
	CostUSD       float64         `json:"cost_usd"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"` // full RunLogEvent
}

// GovernanceRecord is one governance mutation line (governance.jsonl).
type GovernanceRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // e.g. "portfolio_mode", "model.upsert"
	Detail    string    `json:"detail,omitempty"`
}

// ObservationRecord is one append-only predicted-vs-actual outcome row.
type ObservationRecord struct {
	ModelID          string    `json:"model_id"`
	TaskType         string    `json:"task_type"`
	Difficulty       string    `json:"difficulty"`
	PredictedCostUSD float64   `json:"predicted_cost_usd"`
	ActualCostUSD    float64   `json:"actual_cost_usd"`
	PredictedQuality float64   `json:"predicted_quality"`
	ActualQuality    float64   `json:"actual_quality"`
	DefectCount      *int      `json:"defect_count,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// TenantKeyRecord is the persisted form of a tenant API key. The tenant tag
// is the only isolation boundary the system provides.
type TenantKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"` // bcrypt hash, never serialized
	KeyPrefix        string     `json:"key_prefix"`
	Tenant           string     `json:"tenant"`
	Scopes           string     `json:"scopes"` // JSON array stored as text
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd"` // 0 = unlimited
	Enabled          bool       `json:"enabled"`
}

// Store defines the persistence interface for routecore.
type Store interface {
	// Run log (append-only).
	AppendRunLog(ctx context.Context, rec RunLogRecord) error
	ListRunLogs(ctx context.Context, limit, offset int) ([]RunLogRecord, error)

	// Tracker snapshots, flushed on teardown and loaded lazily on startup.
	SaveCalibration(ctx context.Context, recs []calibration.Record) error
	LoadCalibration(ctx context.Context) ([]calibration.Record, error)
	SaveVariance(ctx context.Context, buckets []variance.Bucket) error
	LoadVariance(ctx context.Context) ([]variance.Bucket, error)
	SaveTrust(ctx context.Context, entries []trust.Entry) error
	LoadTrust(ctx context.Context) ([]trust.Entry, error)
	SaveModelStats(ctx context.Context, ms []stats.ModelStats) error
	LoadModelStats(ctx context.Context) ([]stats.ModelStats, error)

	// Observations (append-only, evaluator-owned).
	AppendObservation(ctx context.Context, rec ObservationRecord) error
	ListObservations(ctx context.Context, modelID string, limit int) ([]ObservationRecord, error)

	// Governance decision log (append-only).
	AppendGovernance(ctx context.Context, rec GovernanceRecord) error
	ListGovernance(ctx context.Context, limit int) ([]GovernanceRecord, error)

	// Project run payloads, keyed by run session id.
	SaveProjectRun(ctx context.Context, runSessionID string, payload json.RawMessage) error
	LoadProjectRun(ctx context.Context, runSessionID string) (json.RawMessage, error)

	// Tenant API keys.
	CreateTenantKey(ctx context.Context, key TenantKeyRecord) error
	GetTenantKeysByPrefix(ctx context.Context, prefix string) ([]TenantKeyRecord, error)
	ListTenantKeys(ctx context.Context) ([]TenantKeyRecord, error)
	UpdateTenantKey(ctx context.Context, key TenantKeyRecord) error
	DeleteTenantKey(ctx context.Context, id string) error

	// GetMonthlySpend sums run-log cost attributed to a tenant for the
	// current calendar month.
	GetMonthlySpend(ctx context.Context, tenant string) (float64, error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by LoadProjectRun for unknown run session ids.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string { return "not found: " + e.Key }
