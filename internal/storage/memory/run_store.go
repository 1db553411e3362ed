// Package memory keeps runs and artifacts in process memory. It is the
// default backend and the one used in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// RunStore is a mutex-guarded map of runs. When maxRuns is positive the
// oldest finished runs are evicted once the store grows past it; queued
// and running runs are never evicted.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]scrape.Run
	order   []string
	maxRuns int
}

// Option customizes a RunStore.
type Option func(*RunStore)

// WithMaxRuns caps how many runs the store retains. Non-positive means no cap.
func WithMaxRuns(n int) Option {
	return func(s *RunStore) { s.maxRuns = n }
}

// NewRunStore constructs a RunStore.
func NewRunStore(opts ...Option) *RunStore {
	s := &RunStore{runs: make(map[string]scrape.Run)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun stores a new run. IDs must be unique.
func (s *RunStore) CreateRun(_ context.Context, run scrape.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	s.order = append(s.order, run.ID)
	s.evictLocked()
	return nil
}

// UpdateRun replaces a stored run.
func (s *RunStore) UpdateRun(_ context.Context, run scrape.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("update run %s: %w", run.ID, scrape.ErrRunNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	s.evictLocked()
	return nil
}

// evictLocked drops the oldest terminal runs until the cap is met.
func (s *RunStore) evictLocked() {
	if s.maxRuns <= 0 || len(s.runs) <= s.maxRuns {
		return
	}
	excess := len(s.runs) - s.maxRuns
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.runs[id].Status.Terminal() {
			delete(s.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return scrape.Run{}, scrape.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns the most recently submitted runs first. A non-positive
// limit returns everything.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*scrape.Run, 0, len(s.runs))
	for id := range s.runs {
		run := s.runs[id]
		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Submitted.Equal(runs[j].Submitted) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].Submitted.After(runs[j].Submitted)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	out := make([]scrape.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, cloneRun(*run))
	}
	return out, nil
}

// cloneRun copies the slices and maps a caller could mutate.
func cloneRun(run scrape.Run) scrape.Run {
	run.Exhibitors = append([]scrape.Exhibitor(nil), run.Exhibitors...)
	run.Options.Countries = append([]string(nil), run.Options.Countries...)
	if run.Meta != nil {
		run.Meta = run.Meta.Clone()
	}
	if run.Started != nil {
		started := *run.Started
		run.Started = &started
	}
	if run.Finished != nil {
		finished := *run.Finished
		run.Finished = &finished
	}
	return run
}
