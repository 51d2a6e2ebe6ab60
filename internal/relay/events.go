package relay

import (
	"sync"
	"time"

	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// Event is a server-to-client notification. The variants are closed
// over this package so dispatch in the websocket layer is an
// exhaustive type switch, not a string comparison.
type Event interface{ isEvent() }

// RoomUpdate announces a membership or lifecycle change.
type RoomUpdate struct {
	Room types.RoomState
}

// GameStart tells a room the grace window elapsed and play begins.
type GameStart struct {
	Room      types.RoomState
	StartedAt time.Time
}

// PlayerMoved relays one participant's movement to the rest of the room.
type PlayerMoved struct {
	ParticipantID string
	Position      types.Vec3
	Rotation      types.Vec3
}

// WorldMutated relays a destructible-block change to the whole room,
// sender included, so every client converges on the same arena.
type WorldMutated struct {
	ParticipantID string
	Target        types.BlockRef
}

// Notice is a typed failure addressed to a single connection.
type Notice struct {
	Code    string
	Message string
}

func (RoomUpdate) isEvent()   {}
func (GameStart) isEvent()    {}
func (PlayerMoved) isEvent()  {}
func (WorldMutated) isEvent() {}
func (Notice) isEvent()       {}

// Snapshot converts a record into the wire-facing room state.
func Snapshot(rec *room.Record) types.RoomState {
	return types.RoomState{
		RoomID:         rec.ID,
		Participants:   append([]room.Participant(nil), rec.Participants...),
		Status:         rec.State,
		SlotsRemaining: rec.SlotsRemaining(),
	}
}

// Outbox is a connection's outbound queue pair. Movement events ride
// a small ring that drops the oldest update under pressure, since the
// next movement supersedes it. Everything else goes through the
// critical queue, which is never silently drained: if it fills, the
// whole connection is dropped instead.
type Outbox struct {
	moves    chan Event
	critical chan Event
	done     chan struct{}
	once     sync.Once
}

func newOutbox(moveBuf, criticalBuf int) *Outbox {
	return &Outbox{
		moves:    make(chan Event, moveBuf),
		critical: make(chan Event, criticalBuf),
		done:     make(chan struct{}),
	}
}

// Moves yields movement events. May lose superseded updates.
func (o *Outbox) Moves() <-chan Event { return o.moves }

// Critical yields membership, start, and error events, in order.
func (o *Outbox) Critical() <-chan Event { return o.critical }

// Done is closed when the relay abandons this connection.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// pushMove enqueues a movement event, evicting the oldest queued one
// when the buffer is full.
func (o *Outbox) pushMove(ev Event) {
	for {
		select {
		case o.moves <- ev:
			return
		default:
		}
		select {
		case <-o.moves:
		default:
		}
	}
}

// pushCritical reports whether the event was queued.
func (o *Outbox) pushCritical(ev Event) bool {
	select {
	case o.critical <- ev:
		return true
	default:
		return false
	}
}

func (o *Outbox) close() {
	o.once.Do(func() { close(o.done) })
}
