// Package stats maintains the per-model execution counters the Task Runner
// updates at finalize time: successes, retries, validation failures,
// execution errors, quality, and cost. Snapshots persist as modelStats and
// feed the governance observability endpoints.
package stats

import (
	"sync"
	"time"
)

// ModelStats is the running counter set for one model.
type ModelStats struct {
	ModelID            string    `json:"model_id"`
	Successes          int64     `json:"successes"`
	Retries            int64     `json:"retries"`
	ValidationFailures int64     `json:"validation_failures"`
	ExecutionErrors    int64     `json:"execution_errors"`
	EvalCount          int64     `json:"eval_count"`
	QualitySum         float64   `json:"quality_sum"`
	TotalCostUSD       float64   `json:"total_cost_usd"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

// AvgQuality returns the mean judge score over recorded evals, 0 if none.
func (m ModelStats) AvgQuality() float64 {
	if m.EvalCount == 0 {
		return 0
	}
	return m.QualitySum / float64(m.EvalCount)
}

// Outcome describes one finished attempt for counter purposes.
type Outcome struct {
	ModelID          string
	Success          bool
	WasRetry         bool
	ValidationFailed bool
	ExecutionError   bool
	Quality          *float64 // judge overall, when an eval ran
	CostUSD          float64
}

// Collector is the process-wide, thread-safe model-stats store.
type Collector struct {
	mu     sync.RWMutex
	models map[string]*ModelStats
}

func NewCollector() *Collector {
	return &Collector{models: make(map[string]*ModelStats)}
}

// Record folds one attempt outcome into the model's counters.
func (c *Collector) Record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.models[o.ModelID]
	if !ok {
		s = &ModelStats{ModelID: o.ModelID}
		c.models[o.ModelID] = s
	}
	if o.Success {
		s.Successes++
	}
	if o.WasRetry {
		s.Retries++
	}
	if o.ValidationFailed {
		s.ValidationFailures++
	}
	if o.ExecutionError {
		s.ExecutionErrors++
	}
	if o.Quality != nil {
		s.EvalCount++
		s.QualitySum += *o.Quality
	}
	s.TotalCostUSD += o.CostUSD
	s.LastUpdatedAt = time.Now().UTC()
}

// Get returns a copy of one model's stats, zero-valued if never recorded.
func (c *Collector) Get(modelID string) ModelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.models[modelID]; ok {
		return *s
	}
	return ModelStats{ModelID: modelID}
}

// Snapshot returns a copy of all model stats, for persistence and the
// governance endpoints.
func (c *Collector) Snapshot() []ModelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelStats, 0, len(c.models))
	for _, s := range c.models {
		out = append(out, *s)
	}
	return out
}

// Seed bulk-loads persisted stats on startup so counters survive restarts.
func (c *Collector) Seed(stats []ModelStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range stats {
		cp := s
		c.models[s.ModelID] = &cp
	}
}
