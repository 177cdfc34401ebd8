package track

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore tracks jobs in process memory. The default store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Record(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.PromptID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.PromptID)
	}
	s.jobs[job.PromptID] = job
	return nil
}

func (s *MemoryStore) Resolve(ctx context.Context, promptID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[promptID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, promptID)
	}
	return job, nil
}

func (s *MemoryStore) Remove(ctx context.Context, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, promptID)
	return nil
}

// Len reports the number of tracked jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
