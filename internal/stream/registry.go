package stream

import (
	"fmt"
	"sync"

	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/trip"
)

// Observer is a connection receiving live locations. An empty Filter means
// every subject.
type Observer struct {
	Client *Client
	Filter string
}

func (o Observer) Wants(subjectID string) bool {
	return o.Filter == "" || o.Filter == subjectID
}

type RegistryStats struct {
	Subjects    int `json:"subjects"`
	Connections int `json:"subject_connections"`
	Observers   int `json:"observers"`
}

// Registry indexes which connection tracks which subject and which
// connections observe. Bindings live only as long as the connection.
type Registry struct {
	mu        sync.RWMutex
	subjects  map[*Client]string
	rooms     map[string]map[*Client]struct{}
	observers map[*Client]string
}

func NewRegistry() *Registry {
	return &Registry{
		subjects:  map[*Client]string{},
		rooms:     map[string]map[*Client]struct{}{},
		observers: map[*Client]string{},
	}
}

// RegisterSubject binds c to subjectID, replacing any earlier binding of c.
func (r *Registry) RegisterSubject(c *Client, subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("register subject: subject_id required: %w", trip.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(c)
	r.subjects[c] = subjectID
	if r.rooms[subjectID] == nil {
		r.rooms[subjectID] = map[*Client]struct{}{}
	}
	r.rooms[subjectID][c] = struct{}{}
	return nil
}

// RegisterObserver marks c as an observer; registering again replaces the filter.
func (r *Registry) RegisterObserver(c *Client, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[c] = filter
	metrics.Observers.Set(float64(len(r.observers)))
}

// Unregister drops every binding of c. Safe to call repeatedly.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(c)
	if _, ok := r.observers[c]; ok {
		delete(r.observers, c)
		metrics.Observers.Set(float64(len(r.observers)))
	}
}

func (r *Registry) SubjectOf(c *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subjects[c]
	return s, ok
}

// Observers returns a snapshot; later registrations do not affect it.
func (r *Registry) Observers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Observer, 0, len(r.observers))
	for c, filter := range r.observers {
		out = append(out, Observer{Client: c, Filter: filter})
	}
	return out
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Subjects:    len(r.rooms),
		Connections: len(r.subjects),
		Observers:   len(r.observers),
	}
}

func (r *Registry) leaveRoomLocked(c *Client) {
	prev, ok := r.subjects[c]
	if !ok {
		return
	}
	delete(r.subjects, c)
	if room := r.rooms[prev]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(r.rooms, prev)
		}
	}
}
