// Package registry tracks which live connection belongs to which room
// and participant. It is a process-local, derived view: the room store
// stays the source of truth, and the registry can be rebuilt from it
// after a restart.
package registry

import (
	"context"
	"sync"

	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
)

// Binding is a connection's current membership.
type Binding struct {
	RoomID        string
	ParticipantID string
}

// Registry maps connection ids to bindings and keeps a reverse index
// per room for fan-out. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Binding         // connection id → binding
	roomSets map[string]map[string]bool // room id → set of connection ids
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]Binding),
		roomSets: make(map[string]map[string]bool),
	}
}

// Bind records that connID is participant participantID in roomID,
// replacing any previous binding for the connection.
func (r *Registry) Bind(connID, roomID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		r.dropFromRoom(prev.RoomID, connID)
	}
	r.conns[connID] = Binding{RoomID: roomID, ParticipantID: participantID}
	if r.roomSets[roomID] == nil {
		r.roomSets[roomID] = make(map[string]bool)
	}
	r.roomSets[roomID][connID] = true
}

// Lookup returns the binding for connID, if any.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[connID]
	return b, ok
}

// Unbind removes connID's binding. Unbinding an unknown connection is
// a no-op, so disconnects may race with explicit eliminations.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return
	}
	r.dropFromRoom(b.RoomID, connID)
	delete(r.conns, connID)
}

// Connections returns the connection ids currently bound to roomID.
func (r *Registry) Connections(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.roomSets[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Rebuild repopulates the registry from the store's non-closed rooms.
// Connections cannot survive a coordinator restart, so rebuilt
// bindings use the participant id as the connection id; they matter
// only when another instance's connections share the store.
func (r *Registry) Rebuild(ctx context.Context, s store.Store) error {
	recs, err := s.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]Binding)
	r.roomSets = make(map[string]map[string]bool)
	for _, rec := range recs {
		if rec.State == room.StateClosed {
			continue
		}
		for _, p := range rec.Participants {
			if p.Synthetic {
				continue
			}
			r.conns[p.ID] = Binding{RoomID: rec.ID, ParticipantID: p.ID}
			if r.roomSets[rec.ID] == nil {
				r.roomSets[rec.ID] = make(map[string]bool)
			}
			r.roomSets[rec.ID][p.ID] = true
		}
	}
	return nil
}

// dropFromRoom must be called with mu held.
func (r *Registry) dropFromRoom(roomID, connID string) {
	set, ok := r.roomSets[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.roomSets, roomID)
	}
}
