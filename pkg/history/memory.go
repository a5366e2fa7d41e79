package history

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultRetention is how long runs are kept when no retention is given.
const DefaultRetention = 30 * 24 * time.Hour

// MemoryStore implements Store using an in-memory map.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	retention time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		runs:      make(map[string]*Run),
		retention: retention,
		now:       time.Now,
	}
}

// Create records a newly launched run.
func (s *MemoryStore) Create(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already recorded", run.ID)
	}
	run.Reports = slices.Clone(run.Reports)
	s.runs[run.ID] = &run
	return nil
}

// Finish records the outcome of run id.
func (s *MemoryStore) Finish(_ context.Context, id string, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	finished := res.FinishedAt
	run.State = res.State
	run.Artifact = res.Artifact
	run.Error = res.Error
	run.FinishedAt = &finished
	return nil
}

// Get returns run id or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRun(run), nil
}

// List returns runs matching filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Run, error) {
	s.mu.RLock()
	result := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Owner != "" && run.Owner != filter.Owner {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		result = append(result, *copyRun(run))
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Cleanup removes runs started before the retention window.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	for id, run := range s.runs {
		if run.StartedAt.Before(cutoff) {
			delete(s.runs, id)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired runs. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func copyRun(run *Run) *Run {
	c := *run
	c.Reports = slices.Clone(run.Reports)
	if run.FinishedAt != nil {
		f := *run.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
