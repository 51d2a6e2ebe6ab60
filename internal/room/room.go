// Package room holds the arena room domain model: participants, the
// lifecycle state machine, and the rules that guard capacity and
// transitions. Everything here is pure data manipulation; persistence
// and fan-out live elsewhere.
package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a room's lifecycle phase.
type State string

const (
	// StateWaiting accepts new participants.
	StateWaiting State = "waiting"
	// StateStarting means capacity was reached; clients get a grace
	// window to load the arena before play begins.
	StateStarting State = "starting"
	// StateInProgress means the match is live.
	StateInProgress State = "in_progress"
	// StateClosed means the match ended; the record lingers until the
	// last connection goes away.
	StateClosed State = "closed"
)

var (
	// ErrNotJoinable is returned when a join targets a room that is no
	// longer in the waiting state.
	ErrNotJoinable = errors.New("room is not accepting participants")

	// ErrCapacityExceeded is returned when a mutation would push the
	// participant list past capacity. Concurrency control should make
	// this unreachable; the check stays as an invariant assertion.
	ErrCapacityExceeded = errors.New("room capacity exceeded")
)

// Participant is one member of a room. Synthetic participants are
// server-injected bots used when the required player count is lowered
// for dev flows.
type Participant struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	JoinedAt  time.Time `json:"joined_at"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// Record is the stored representation of a room. Participants keeps
// join order; clients use it for deterministic spawn placement.
//
// Version implements optimistic concurrency: it is bumped by the store
// on every committed write, and a writer must present the version it
// read or the write is rejected.
type Record struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"players"`
	State        State         `json:"status"`
	Capacity     int           `json:"capacity"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at"`
	Version      int64         `json:"version"`
}

// NewRecord creates an empty waiting room with a fresh id.
func NewRecord(capacity int) *Record {
	return &Record{
		ID:        uuid.NewString(),
		State:     StateWaiting,
		Capacity:  capacity,
		CreatedAt: time.Now().UTC(),
	}
}

// AddParticipant appends p if the room is waiting and has a free slot.
// It reports whether this join filled the room and flipped it to
// starting (at most one join per room observes started=true).
func (r *Record) AddParticipant(p Participant) (started bool, err error) {
	if r.State != StateWaiting {
		return false, ErrNotJoinable
	}
	if len(r.Participants) >= r.Capacity {
		return false, fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, len(r.Participants), r.Capacity)
	}
	r.Participants = append(r.Participants, p)
	if len(r.Participants) == r.Capacity {
		r.State = StateStarting
		now := time.Now().UTC()
		r.StartedAt = &now
		return true, nil
	}
	return false, nil
}

// RemoveParticipant deletes the participant with the given id,
// preserving join order of the rest. It reports whether anything was
// removed, so racing eliminate/disconnect paths can treat the second
// arrival as a no-op.
func (r *Record) RemoveParticipant(id string) bool {
	for i, p := range r.Participants {
		if p.ID == id {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Begin moves a starting room into play. Returns false if the room is
// not in the starting state (e.g. it closed during the grace window).
func (r *Record) Begin() bool {
	if r.State != StateStarting {
		return false
	}
	r.State = StateInProgress
	return true
}

// Close ends the match.
func (r *Record) Close() {
	r.State = StateClosed
}

// ActiveCount is the number of human participants still in the room.
// Bots never keep a room alive or a match going.
func (r *Record) ActiveCount() int {
	n := 0
	for _, p := range r.Participants {
		if !p.Synthetic {
			n++
		}
	}
	return n
}

// SlotsRemaining is how many more participants the room can take.
func (r *Record) SlotsRemaining() int {
	return r.Capacity - len(r.Participants)
}

// HasSpace reports whether the room is waiting with a free slot.
func (r *Record) HasSpace() bool {
	return r.State == StateWaiting && len(r.Participants) < r.Capacity
}

// Clone returns a deep copy, so read-modify-write loops never alias
// a record another handler is reading.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Participants = append([]Participant(nil), r.Participants...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	return &cp
}
