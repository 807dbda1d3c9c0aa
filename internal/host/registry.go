// Package host implements the coordinator side: the registry of live
// participants, the job state machine and the single event loop that owns
// both. Only the coordinator goroutine touches this state, so none of it is
// locked.
package host

import (
	"errors"

	"github.com/oriys/midas/internal/event"
)

var (
	// ErrNameTaken is returned when a Register reuses a live name.
	ErrNameTaken = errors.New("host: participant name already registered")
	// ErrEndpointTaken is returned when an endpoint registers twice.
	ErrEndpointTaken = errors.New("host: endpoint already registered")
)

// noProgress marks a record with no reported completion.
const noProgress = -1

// Record is the registry entry for one registered participant.
type Record struct {
	Name     string
	Endpoint event.EndpointID
	Status   event.Status

	// Progress in basis points (0..10000), noProgress when unreported.
	// Cleared on every transition to Idle.
	Progress int
}

// HasProgress reports whether a completion fraction is set.
func (r *Record) HasProgress() bool { return r.Progress != noProgress }

// Registry is the bidirectional name/endpoint map. Lookup works by either
// key; both lookups resolve to the same record or neither resolves at all.
// Iteration order is registration order, which fixes the slot order of jobs.
type Registry struct {
	byName     map[string]*Record
	byEndpoint map[event.EndpointID]*Record
	order      []*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Record),
		byEndpoint: make(map[event.EndpointID]*Record),
	}
}

// Register inserts a name/endpoint pair, enforcing uniqueness on both keys.
func (r *Registry) Register(name string, ep event.EndpointID) (*Record, error) {
	if _, taken := r.byName[name]; taken {
		return nil, ErrNameTaken
	}
	if _, taken := r.byEndpoint[ep]; taken {
		return nil, ErrEndpointTaken
	}
	rec := &Record{Name: name, Endpoint: ep, Status: event.StatusIdle, Progress: noProgress}
	r.byName[name] = rec
	r.byEndpoint[ep] = rec
	r.order = append(r.order, rec)
	return rec, nil
}

// RemoveByName removes a record by its name. Idempotent.
func (r *Registry) RemoveByName(name string) (*Record, bool) {
	rec, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	r.remove(rec)
	return rec, true
}

// RemoveByEndpoint removes a record by its endpoint. Idempotent.
func (r *Registry) RemoveByEndpoint(ep event.EndpointID) (*Record, bool) {
	rec, ok := r.byEndpoint[ep]
	if !ok {
		return nil, false
	}
	r.remove(rec)
	return rec, true
}

func (r *Registry) remove(rec *Record) {
	delete(r.byName, rec.Name)
	delete(r.byEndpoint, rec.Endpoint)
	for i, o := range r.order {
		if o == rec {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ByName resolves a record by name.
func (r *Registry) ByName(name string) (*Record, bool) {
	rec, ok := r.byName[name]
	return rec, ok
}

// ByEndpoint resolves a record by endpoint.
func (r *Registry) ByEndpoint(ep event.EndpointID) (*Record, bool) {
	rec, ok := r.byEndpoint[ep]
	return rec, ok
}

// Len returns the number of registered participants.
func (r *Registry) Len() int { return len(r.order) }

// Each calls fn for every record in registration order.
func (r *Registry) Each(fn func(*Record)) {
	for _, rec := range r.order {
		fn(rec)
	}
}

// SetStatus updates a record's status, clearing progress on Idle.
func (r *Registry) SetStatus(rec *Record, st event.Status) {
	rec.Status = st
	if st == event.StatusIdle {
		rec.Progress = noProgress
	}
}

// Member is one name/endpoint pair of a snapshot.
type Member struct {
	Name     string
	Endpoint event.EndpointID
}

// Snapshot is the immutable membership a job started with, in slot order.
type Snapshot []Member

// Snapshot captures the current membership in registration order.
func (r *Registry) Snapshot() Snapshot {
	s := make(Snapshot, 0, len(r.order))
	for _, rec := range r.order {
		s = append(s, Member{Name: rec.Name, Endpoint: rec.Endpoint})
	}
	return s
}

// Matches reports whether the registry still holds exactly the snapshot's
// name/endpoint pairs. Order changes cannot happen without a membership
// change, so pairwise comparison in slot order suffices.
func (r *Registry) Matches(s Snapshot) bool {
	if len(r.order) != len(s) {
		return false
	}
	for i, rec := range r.order {
		if rec.Name != s[i].Name || rec.Endpoint != s[i].Endpoint {
			return false
		}
	}
	return true
}

// SlotOf returns the snapshot slot owned by an endpoint.
func (s Snapshot) SlotOf(ep event.EndpointID) (int, bool) {
	for i, m := range s {
		if m.Endpoint == ep {
			return i, true
		}
	}
	return 0, false
}
