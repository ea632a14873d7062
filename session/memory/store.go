// Package memory provides an in-memory Store implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/session"
)

// Store is a map-backed session.Store with conditional-write semantics
// keyed on domain.SessionRecord.Revision.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.SessionRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]domain.SessionRecord)}
}

// SaveSession writes rec if rec.Revision is exactly one past the stored
// revision (or the session doesn't exist yet and rec.Revision is 0).
func (s *Store) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.TaskID]
	if ok && rec.Revision != existing.Revision+1 {
		return session.ErrRevisionConflict
	}
	if !ok && rec.Revision != 0 {
		return session.ErrRevisionConflict
	}
	if ok {
		rec.Revision = existing.Revision + 1
	}
	s.records[rec.TaskID] = rec
	return nil
}

// LoadSession returns the stored record for taskID.
func (s *Store) LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return domain.SessionRecord{}, apperr.ErrSessionNotFound
	}
	return rec, nil
}

// UpdateSessionStatus updates only the status field, bumping the revision.
func (s *Store) UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	rec.Status = status
	rec.Revision++
	s.records[taskID] = rec
	return nil
}
