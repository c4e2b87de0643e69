package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunSummary is a point-in-time copy of a run's counters.
type RunSummary struct {
	RunID     uuid.UUID     `json:"run_id"`
	Store     string        `json:"store"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	TotalFetched int `json:"total_fetched"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Errors       int `json:"errors"`
	Skipped      int `json:"skipped"`
	PagesRetried int `json:"pages_retried"`
	PagesFailed  int `json:"pages_failed"`
}

// Persisted is the number of records that reached storage.
func (s RunSummary) Persisted() int {
	return s.Created + s.Updated
}

// RunStatistics holds the counters of one store run. It is shared by every
// worker of the run and guarded by a single mutex.
type RunStatistics struct {
	mu sync.Mutex
	s  RunSummary
}

// NewRunStatistics starts a run for store.
func NewRunStatistics(store string) *RunStatistics {
	return &RunStatistics{s: RunSummary{
		RunID:     uuid.New(),
		Store:     store,
		StartedAt: time.Now(),
	}}
}

func (r *RunStatistics) update(fn func(*RunSummary)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	fn(&r.s)
	r.mu.Unlock()
}

// AddFetched counts n records read from store pages.
func (r *RunStatistics) AddFetched(n int) {
	r.update(func(s *RunSummary) { s.TotalFetched += n })
}

// IncCreated counts a product inserted for the first time.
func (r *RunStatistics) IncCreated() {
	r.update(func(s *RunSummary) { s.Created++ })
}

// IncUpdated counts an existing product rewritten.
func (r *RunStatistics) IncUpdated() {
	r.update(func(s *RunSummary) { s.Updated++ })
}

// IncErrors counts a record that could not be saved.
func (r *RunStatistics) IncErrors() {
	r.update(func(s *RunSummary) { s.Errors++ })
}

// IncSkipped counts a record rejected by validation.
func (r *RunStatistics) IncSkipped() {
	r.update(func(s *RunSummary) { s.Skipped++ })
}

// IncPagesRetried counts one retry of a page request.
func (r *RunStatistics) IncPagesRetried() {
	r.update(func(s *RunSummary) { s.PagesRetried++ })
}

// IncPagesFailed counts a page given up on.
func (r *RunStatistics) IncPagesFailed() {
	r.update(func(s *RunSummary) { s.PagesFailed++ })
}

// Finish records the elapsed time since the run started.
func (r *RunStatistics) Finish() {
	r.update(func(s *RunSummary) { s.Elapsed = time.Since(s.StartedAt) })
}

// Snapshot returns a copy of the counters.
func (r *RunStatistics) Snapshot() RunSummary {
	if r == nil {
		return RunSummary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}
