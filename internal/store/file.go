package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/routecore/routecore/internal/calibration"
	"github.com/routecore/routecore/internal/stats"
	"github.com/routecore/routecore/internal/trust"
	"github.com/routecore/routecore/internal/variance"
)

// FileStore implements Store on the flat-file layout: JSONL append logs for
// runs/observations/governance, whole-file JSON snapshots for the trackers,
// and one JSON file per project run under the demo-runs directory.
type FileStore struct {
	runsDir string // ./runs
	dataDir string // ./.data/demo-runs

	mu sync.Mutex // serializes all file writes
}

// NewFile creates a FileStore rooted at baseDir (runs under baseDir/runs,
// project payloads under baseDir/.data/demo-runs).
func NewFile(baseDir string) *FileStore {
	return &FileStore{
		runsDir: filepath.Join(baseDir, "runs"),
		dataDir: filepath.Join(baseDir, ".data", "demo-runs"),
	}
}

func (s *FileStore) Migrate(ctx context.Context) error {
	for _, dir := range []string{s.runsDir, s.dataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// appendLine appends one JSON line to path.
func (s *FileStore) appendLine(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(b, '\n'))
	return err
}

// readLines decodes every JSON line of path into a []T.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue // tolerate a torn final line after a crash
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// writeSnapshot atomically replaces path with the JSON encoding of v.
func (s *FileStore) writeSnapshot(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSnapshot[T any](path string) ([]T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run log.

func (s *FileStore) AppendRunLog(ctx context.Context, rec RunLogRecord) error {
	return s.appendLine(filepath.Join(s.runsDir, "runs.jsonl"), rec)
}

func (s *FileStore) ListRunLogs(ctx context.Context, limit, offset int) ([]RunLogRecord, error) {
	all, err := readLines[RunLogRecord](filepath.Join(s.runsDir, "runs.jsonl"))
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Tracker snapshots.

func (s *FileStore) SaveCalibration(ctx context.Context, recs []calibration.Record) error {
	return s.writeSnapshot(filepath.Join(s.runsDir, "calibration.json"), recs)
}

func (s *FileStore) LoadCalibration(ctx context.Context) ([]calibration.Record, error) {
	return readSnapshot[calibration.Record](filepath.Join(s.runsDir, "calibration.json"))
}

func (s *FileStore) SaveVariance(ctx context.Context, buckets []variance.Bucket) error {
	return s.writeSnapshot(filepath.Join(s.runsDir, "varianceStats.json"), buckets)
}

func (s *FileStore) LoadVariance(ctx context.Context) ([]variance.Bucket, error) {
	return readSnapshot[variance.Bucket](filepath.Join(s.runsDir, "varianceStats.json"))
}

func (s *FileStore) SaveTrust(ctx context.Context, entries []trust.Entry) error {
	return s.writeSnapshot(filepath.Join(s.runsDir, "trust.json"), entries)
}

func (s *FileStore) LoadTrust(ctx context.Context) ([]trust.Entry, error) {
	return readSnapshot[trust.Entry](filepath.Join(s.runsDir, "trust.json"))
}

func (s *FileStore) SaveModelStats(ctx context.Context, ms []stats.ModelStats) error {
	return s.writeSnapshot(filepath.Join(s.runsDir, "modelStats.json"), ms)
}

func (s *FileStore) LoadModelStats(ctx context.Context) ([]stats.ModelStats, error) {
	return readSnapshot[stats.ModelStats](filepath.Join(s.runsDir, "modelStats.json"))
}

// Observations.

func (s *FileStore) AppendObservation(ctx context.Context, rec ObservationRecord) error {
	return s.appendLine(filepath.Join(s.runsDir, "observations.jsonl"), rec)
}

func (s *FileStore) ListObservations(ctx context.Context, modelID string, limit int) ([]ObservationRecord, error) {
	all, err := readLines[ObservationRecord](filepath.Join(s.runsDir, "observations.jsonl"))
	if err != nil {
		return nil, err
	}
	var out []ObservationRecord
	for i := len(all) - 1; i >= 0; i-- {
		if modelID != "" && all[i].ModelID != modelID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Governance log.

func (s *FileStore) AppendGovernance(ctx context.Context, rec GovernanceRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return s.appendLine(filepath.Join(s.runsDir, "governance.jsonl"), rec)
}

func (s *FileStore) ListGovernance(ctx context.Context, limit int) ([]GovernanceRecord, error) {
	all, err := readLines[GovernanceRecord](filepath.Join(s.runsDir, "governance.jsonl"))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Project runs.

func (s *FileStore) SaveProjectRun(ctx context.Context, runSessionID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, runSessionID+".json")
	return os.WriteFile(path, payload, 0o644)
}

func (s *FileStore) LoadProjectRun(ctx context.Context, runSessionID string) (json.RawMessage, error) {
	b, err := os.ReadFile(filepath.Join(s.dataDir, runSessionID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Key: runSessionID}
		}
		return nil, err
	}
	return b, nil
}

// Tenant keys live in one JSON snapshot; the population is small (operator
// provisioned) so whole-file rewrite per mutation is fine.

func (s *FileStore) tenantKeysPath() string {
	return filepath.Join(s.runsDir, "tenantKeys.json")
}

// tenantKeyFile is the on-disk shape: KeyHash must round-trip even though
// TenantKeyRecord hides it from API serialization.
type tenantKeyFile struct {
	TenantKeyRecord
	KeyHash string `json:"key_hash"`
}

func (s *FileStore) loadTenantKeys() ([]TenantKeyRecord, error) {
	rows, err := readSnapshot[tenantKeyFile](s.tenantKeysPath())
	if err != nil {
		return nil, err
	}
	out := make([]TenantKeyRecord, 0, len(rows))
	for _, r := range rows {
		rec := r.TenantKeyRecord
		rec.KeyHash = r.KeyHash
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) saveTenantKeys(keys []TenantKeyRecord) error {
	rows := make([]tenantKeyFile, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, tenantKeyFile{TenantKeyRecord: k, KeyHash: k.KeyHash})
	}
	return s.writeSnapshot(s.tenantKeysPath(), rows)
}

func (s *FileStore) CreateTenantKey(ctx context.Context, key TenantKeyRecord) error {
	keys, err := s.loadTenantKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == key.ID {
			return fmt.Errorf("tenant key %q already exists", key.ID)
		}
	}
	return s.saveTenantKeys(append(keys, key))
}

func (s *FileStore) GetTenantKeysByPrefix(ctx context.Context, prefix string) ([]TenantKeyRecord, error) {
	keys, err := s.loadTenantKeys()
	if err != nil {
		return nil, err
	}
	var out []TenantKeyRecord
	for _, k := range keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FileStore) ListTenantKeys(ctx context.Context) ([]TenantKeyRecord, error) {
	return s.loadTenantKeys()
}

func (s *FileStore) UpdateTenantKey(ctx context.Context, key TenantKeyRecord) error {
	keys, err := s.loadTenantKeys()
	if err != nil {
		return err
	}
	for i, k := range keys {
		if k.ID == key.ID {
			keys[i] = key
			return s.saveTenantKeys(keys)
		}
	}
	return fmt.Errorf("tenant key %q not found", key.ID)
}

func (s *FileStore) DeleteTenantKey(ctx context.Context, id string) error {
	keys, err := s.loadTenantKeys()
	if err != nil {
		return err
	}
	out := keys[:0]
	for _, k := range keys {
		if k.ID != id {
			out = append(out, k)
		}
	}
	return s.saveTenantKeys(out)
}

func (s *FileStore) GetMonthlySpend(ctx context.Context, tenant string) (float64, error) {
	all, err := readLines[RunLogRecord](filepath.Join(s.runsDir, "runs.jsonl"))
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var sum float64
	for _, r := range all {
		if r.Tenant == tenant && !r.Timestamp.Before(monthStart) {
			sum += r.CostUSD
		}
	}
	return sum, nil
}
