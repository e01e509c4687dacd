package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"consentd/internal/consent/models"
	"consentd/pkg/platform/sentinel"
)

// InMemory is a process-local artifact store. Every read returns a clone and
// every write goes through CompareAndUpdate, so it honours the same
// optimistic-concurrency contract as the PostgreSQL store.
type InMemory struct {
	mu        sync.RWMutex
	byID      map[string]*models.Artifact
	byRequest map[string]string
	byPatient map[string][]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:      make(map[string]*models.Artifact),
		byRequest: make(map[string]string),
		byPatient: make(map[string][]string),
	}
}

// Create stores a new artifact at version 1.
func (s *InMemory) Create(_ context.Context, artifact *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRequest[artifact.ConsentRequestID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if _, ok := s.byID[artifact.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	artifact.Version = 1
	stored := artifact.Clone()
	s.byID[stored.ID] = stored
	s.byRequest[stored.ConsentRequestID] = stored.ID
	s.byPatient[stored.PatientRef] = append(s.byPatient[stored.PatientRef], stored.ID)
	return nil
}

func (s *InMemory) Get(_ context.Context, id string) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *InMemory) GetByConsentRequestID(_ context.Context, consentRequestID string) (*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[consentRequestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// CompareAndUpdate applies mutate to a copy and commits it only if the stored
// version still equals expectedVersion.
func (s *InMemory) CompareAndUpdate(_ context.Context, id string, expectedVersion int64, mutate func(*models.Artifact) error) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkUpdate(current, next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	s.byID[id] = next
	return next.Clone(), nil
}

// ListByPatient returns a patient's artifacts, optionally narrowed to one
// requester, oldest first.
func (s *InMemory) ListByPatient(_ context.Context, patientRef, requesterID string) ([]*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Artifact
	for _, id := range s.byPatient[patientRef] {
		a := s.byID[id]
		if requesterID != "" && a.RequesterID != requesterID {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

// ListDueForExpiry returns GRANTED artifacts with ExpiresAt <= now, soonest first.
func (s *InMemory) ListDueForExpiry(_ context.Context, now time.Time, limit int) ([]*models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Artifact
	for _, a := range s.byID {
		if a.Status == models.StatusGranted && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
