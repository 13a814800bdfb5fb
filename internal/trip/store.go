package trip

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the durable layer consumed by the lifecycle controller and the
// path recorder. Implementations must serialize AppendPathPoint calls on the
// same trip so that points keep their arrival order.
type Store interface {
	Create(ctx context.Context, t Trip) (string, error)
	Get(ctx context.Context, id string) (Trip, error)
	AppendPathPoint(ctx context.Context, id string, p PathPoint) error
	Finalize(ctx context.Context, id string, f Finalization) (Trip, error)
	FindActiveBySubject(ctx context.Context, subjectID string) (Trip, bool, error)
	ListCompletedBySubject(ctx context.Context, subjectID string) ([]Trip, error)
}

// MemoryStore keeps trips in process. It enforces one active trip per
// subject the same way the Postgres partial unique index does.
type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*Trip
	active map[string]string // subject -> trip id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  map[string]*Trip{},
		active: map[string]string{},
	}
}

func (s *MemoryStore) Create(_ context.Context, t Trip) (string, error) {
	if t.ID == "" || t.SubjectID == "" {
		return "", fmt.Errorf("create trip: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trips[t.ID]; exists {
		return "", fmt.Errorf("create trip %s: duplicate id: %w", t.ID, ErrInvalidInput)
	}
	if t.Active() {
		if _, ok := s.active[t.SubjectID]; ok {
			return "", ErrActiveTripExists
		}
		s.active[t.SubjectID] = t.ID
	}
	stored := clone(t)
	s.trips[t.ID] = &stored
	return t.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return Trip{}, ErrNotFound
	}
	return clone(*t), nil
}

func (s *MemoryStore) AppendPathPoint(_ context.Context, id string, p PathPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok || !t.Active() {
		return ErrNotFound
	}
	t.Path = append(t.Path, p)
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, id string, f Finalization) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok || !t.Active() {
		return Trip{}, ErrNotFound
	}
	end := f.EndTime
	t.EndTime = &end
	t.Status = StatusCompleted
	t.Path = append([]PathPoint(nil), f.Path...)
	t.Distance = f.Distance
	t.StoppedTime = f.StoppedTime
	t.Stops = append([]Stop(nil), f.Stops...)
	delete(s.active, t.SubjectID)
	return clone(*t), nil
}

func (s *MemoryStore) FindActiveBySubject(_ context.Context, subjectID string) (Trip, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[subjectID]
	if !ok {
		return Trip{}, false, nil
	}
	return clone(*s.trips[id]), true, nil
}

func (s *MemoryStore) ListCompletedBySubject(_ context.Context, subjectID string) ([]Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trips []Trip
	for _, t := range s.trips {
		if t.SubjectID == subjectID && t.Status == StatusCompleted {
			trips = append(trips, clone(*t))
		}
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].StartTime.After(trips[j].StartTime) })
	return trips, nil
}

func clone(t Trip) Trip {
	out := t
	out.Path = append([]PathPoint{}, t.Path...)
	out.Stops = append([]Stop{}, t.Stops...)
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	return out
}
