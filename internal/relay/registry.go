package relay

import (
	"errors"
	"sync"

	"busrelay/internal/model"
)

// ErrConnClosed is returned when a registry operation targets a connection
// that is no longer registered.
var ErrConnClosed = errors.New("connection closed")

// Stats is a point-in-time view of registry sizes.
type Stats struct {
	TrackedEntities int `json:"trackedEntities"`
	Subscribers     int `json:"subscribers"`
	Observers       int `json:"observers"`
	Topics          int `json:"topics"`
}

// Registry holds topic membership and the per-role connection indexes. It is
// owned by one Broker; all methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex
	// entityId -> members
	topics map[model.ID]map[*Conn]struct{}
	// conn -> entityIds, for DropConnection
	memberships map[*Conn]map[model.ID]struct{}
	// role -> subjectId -> live connection
	index map[model.Role]map[model.ID]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		topics:      map[model.ID]map[*Conn]struct{}{},
		memberships: map[*Conn]map[model.ID]struct{}{},
		index: map[model.Role]map[model.ID]*Conn{
			model.RoleTrackedEntity: {},
			model.RoleSubscriber:    {},
			model.RoleObserverAll:   {},
		},
	}
}

// Register makes c the live connection for its subject and role. A previous
// live connection for the same subject and role is removed from the registry
// and returned so the caller can close it.
func (r *Registry) Register(c *Conn) (superseded *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index[c.Role]
	if idx == nil {
		idx = map[model.ID]*Conn{}
		r.index[c.Role] = idx
	}
	if old, ok := idx[c.Subject]; ok && old != c {
		r.dropLocked(old)
		superseded = old
	}
	idx[c.Subject] = c
	return superseded
}

// Unregister removes c from its role index, after which Subscribe rejects it.
// Topic memberships stay until DropConnection. It is safe to call more than once.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.index[c.Role]; idx != nil && idx[c.Subject] == c {
		delete(idx, c.Subject)
	}
}

// DropConnection removes c from every topic it belongs to.
func (r *Registry) DropConnection(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(c)
}

func (r *Registry) dropLocked(c *Conn) {
	for entity := range r.memberships[c] {
		r.removeMemberLocked(c, entity)
	}
	delete(r.memberships, c)
}

func (r *Registry) removeMemberLocked(c *Conn, entity model.ID) {
	if m := r.topics[entity]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(r.topics, entity)
		}
	}
}

// Subscribe adds c to entity's topic. It reports whether a new membership was
// created; subscribing twice is a no-op.
func (r *Registry) Subscribe(c *Conn, entity model.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index[c.Role][c.Subject] != c || c.Closed() {
		return false, ErrConnClosed
	}
	mine := r.memberships[c]
	if mine == nil {
		mine = map[model.ID]struct{}{}
		r.memberships[c] = mine
	}
	if _, ok := mine[entity]; ok {
		return false, nil
	}
	mine[entity] = struct{}{}
	if r.topics[entity] == nil {
		r.topics[entity] = map[*Conn]struct{}{}
	}
	r.topics[entity][c] = struct{}{}
	return true, nil
}

// Unsubscribe removes c from entity's topic and reports whether it was a member.
func (r *Registry) Unsubscribe(c *Conn, entity model.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mine := r.memberships[c]
	if _, ok := mine[entity]; !ok {
		return false
	}
	delete(mine, entity)
	if len(mine) == 0 {
		delete(r.memberships, c)
	}
	r.removeMemberLocked(c, entity)
	return true
}

// MembersOf returns a snapshot of entity's topic members.
func (r *Registry) MembersOf(entity model.ID) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.topics[entity]
	out := make([]*Conn, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

// Observers returns a snapshot of the observe-everything connections.
func (r *Registry) Observers() []*Conn {
	return r.Connections(model.RoleObserverAll)
}

// Connections returns a snapshot of live connections with role.
func (r *Registry) Connections(role model.Role) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index[role]
	out := make([]*Conn, 0, len(idx))
	for _, c := range idx {
		out = append(out, c)
	}
	return out
}

// Lookup returns the live connection for subject with role.
func (r *Registry) Lookup(role model.Role, subject model.ID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.index[role][subject]
	return c, ok
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TrackedEntities: len(r.index[model.RoleTrackedEntity]),
		Subscribers:     len(r.index[model.RoleSubscriber]),
		Observers:       len(r.index[model.RoleObserverAll]),
		Topics:          len(r.topics),
	}
}
