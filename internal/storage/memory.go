package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ashita-ai/hikaku/internal/model"
)

// MemoryStore keeps history in process memory. It is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    []model.JobRecord
	byName  map[string]int
	uploads []model.DataUpload
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byName: make(map[string]int)}
}

// AppendJob records job. A duplicate job name returns ErrConflict.
func (s *MemoryStore) AppendJob(_ context.Context, job model.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[job.JobName]; ok {
		return fmt.Errorf("storage: append job %s: %w", job.JobName, ErrConflict)
	}
	s.byName[job.JobName] = len(s.jobs)
	s.jobs = append(s.jobs, job)
	return nil
}

// AppendUpload records u.
func (s *MemoryStore) AppendUpload(_ context.Context, u model.DataUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, u)
	return nil
}

// ListJobs returns a copy of every job in insertion order.
func (s *MemoryStore) ListJobs(context.Context) ([]model.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.jobs == nil {
		return []model.JobRecord{}, nil
	}
	return slices.Clone(s.jobs), nil
}

// ListUploads returns a copy of every upload in insertion order.
func (s *MemoryStore) ListUploads(context.Context) ([]model.DataUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.uploads == nil {
		return []model.DataUpload{}, nil
	}
	return slices.Clone(s.uploads), nil
}

// GetJob returns the job named name, or ErrNotFound.
func (s *MemoryStore) GetJob(_ context.Context, name string) (model.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byName[name]
	if !ok {
		return model.JobRecord{}, ErrNotFound
	}
	return s.jobs[i], nil
}

// UpdateJobStatus sets the status of a recorded job.
func (s *MemoryStore) UpdateJobStatus(_ context.Context, name string, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byName[name]
	if !ok {
		return ErrNotFound
	}
	s.jobs[i].Status = status
	return nil
}
