// Package relay fans gameplay events out to room members and drives
// the room lifecycle around them: the start grace timer, the closing
// transition when a match runs out of opponents, and the removal path
// shared by eliminations and disconnects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/matchmaker"
	"github.com/DoyleJ11/arena-backend/internal/registry"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// ErrAlreadyJoined is returned when a bound connection joins again.
var ErrAlreadyJoined = errors.New("connection already in a room")

// errNotStarting aborts a start transition whose room left the
// starting state during the grace window.
var errNotStarting = errors.New("room no longer starting")

// Options tunes relay behavior.
type Options struct {
	// GraceDelay is how long a full room waits before play begins.
	GraceDelay time.Duration
	// StaleAfter is the age past which an empty waiting room is reaped.
	StaleAfter time.Duration
	// ReapInterval is how often the reaper scans the store.
	ReapInterval time.Duration
	// Retries bounds version-conflict retry loops.
	Retries int
	// MoveQueue and CriticalQueue size each connection's outbox.
	MoveQueue     int
	CriticalQueue int
}

func (o *Options) applyDefaults() {
	if o.GraceDelay <= 0 {
		o.GraceDelay = 3 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.Retries <= 0 {
		o.Retries = store.DefaultUpdateRetries
	}
	if o.MoveQueue <= 0 {
		o.MoveQueue = 16
	}
	if o.CriticalQueue <= 0 {
		o.CriticalQueue = 32
	}
}

// Relay owns the per-connection outboxes and the per-room start
// timers. Rooms mutate independently; the only shared lock guards the
// outbox and timer maps, never a store operation.
type Relay struct {
	store store.Store
	reg   *registry.Registry
	mm    *matchmaker.Matchmaker
	log   *zap.Logger
	opts  Options
	ctx   context.Context

	mu       sync.Mutex
	outboxes map[string]*Outbox
	timers   map[string]*time.Timer
}

// New builds a relay. ctx bounds background work (start timers, the
// reaper) and should outlive all connections.
func New(ctx context.Context, s store.Store, reg *registry.Registry, mm *matchmaker.Matchmaker, opts Options, log *zap.Logger) *Relay {
	opts.applyDefaults()
	return &Relay{
		store:    s,
		reg:      reg,
		mm:       mm,
		log:      log,
		opts:     opts,
		ctx:      ctx,
		outboxes: make(map[string]*Outbox),
		timers:   make(map[string]*time.Timer),
	}
}

// Register creates the outbox for a new connection. The caller must
// eventually Deregister.
func (r *Relay) Register(connID string) *Outbox {
	o := newOutbox(r.opts.MoveQueue, r.opts.CriticalQueue)
	r.mu.Lock()
	r.outboxes[connID] = o
	r.mu.Unlock()
	return o
}

// Deregister discards a connection's outbox.
func (r *Relay) Deregister(connID string) {
	r.mu.Lock()
	o := r.outboxes[connID]
	delete(r.outboxes, connID)
	r.mu.Unlock()
	if o != nil {
		o.close()
	}
}

// Join assigns the connection to a room and announces the new
// membership to everyone in it. The returned snapshot is the join
// reply for the caller's own connection.
func (r *Relay) Join(ctx context.Context, connID, name string) (types.RoomState, error) {
	if _, bound := r.reg.Lookup(connID); bound {
		return types.RoomState{}, ErrAlreadyJoined
	}

	p := room.Participant{
		ID:       connID,
		Username: name,
		JoinedAt: time.Now().UTC(),
	}
	rec, started, err := r.mm.Assign(ctx, p)
	if err != nil {
		return types.RoomState{}, fmt.Errorf("joining: %w", err)
	}

	r.reg.Bind(connID, rec.ID, p.ID)
	r.log.Info("participant joined",
		zap.String("room_id", rec.ID),
		zap.String("participant_id", p.ID),
		zap.String("username", name),
		zap.Int("slots_remaining", rec.SlotsRemaining()))

	snap := Snapshot(rec)
	r.broadcastCritical(rec.ID, RoomUpdate{Room: snap})
	if started {
		r.scheduleStart(rec.ID)
	}
	return snap, nil
}

// Move relays a movement update to the other members of the sender's
// room. Unbound senders are dropped silently: the participant already
// left, the client just does not know yet.
func (r *Relay) Move(connID string, pos, rot types.Vec3) {
	b, ok := r.reg.Lookup(connID)
	if !ok {
		return
	}
	ev := PlayerMoved{ParticipantID: b.ParticipantID, Position: pos, Rotation: rot}
	for _, id := range r.reg.Connections(b.RoomID) {
		if id == connID {
			continue
		}
		if o := r.outbox(id); o != nil {
			o.pushMove(ev)
		}
	}
}

// WorldMutation relays an arena mutation to every member of the
// sender's room, sender included.
func (r *Relay) WorldMutation(connID string, target types.BlockRef) {
	b, ok := r.reg.Lookup(connID)
	if !ok {
		return
	}
	r.broadcastCritical(b.RoomID, WorldMutated{ParticipantID: b.ParticipantID, Target: target})
}

// Eliminate removes the connection's participant from its room and
// broadcasts the new membership. Dropping to one active participant
// closes the match.
func (r *Relay) Eliminate(ctx context.Context, connID string) error {
	return r.remove(ctx, connID, "eliminated")
}

// Disconnect is the transport-failure twin of Eliminate. A connection
// that was never bound, or whose elimination already won the race, is
// a no-op.
func (r *Relay) Disconnect(ctx context.Context, connID string) error {
	return r.remove(ctx, connID, "disconnected")
}

// SendNotice queues a typed error to one connection.
func (r *Relay) SendNotice(connID, code, message string) {
	if o := r.outbox(connID); o != nil {
		r.push(connID, o, Notice{Code: code, Message: message})
	}
}

// Run drives the stale-room reaper until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// remove is the shared removal path for eliminations and disconnects.
// The registry binding falls only together with the committed store
// removal: a failed write leaves the binding in place so the client's
// retry still finds its room.
func (r *Relay) remove(ctx context.Context, connID, cause string) error {
	b, ok := r.reg.Lookup(connID)
	if !ok {
		return nil
	}

	for attempt := 0; attempt < r.opts.Retries; attempt++ {
		rec, err := r.store.Get(ctx, b.RoomID)
		if errors.Is(err, store.ErrNotFound) {
			r.reg.Unbind(connID)
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.RemoveParticipant(b.ParticipantID) {
			// The racing eliminate/disconnect committed first.
			r.reg.Unbind(connID)
			return nil
		}

		if rec.ActiveCount() == 0 {
			err := r.store.Delete(ctx, rec.ID, rec.Version)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, store.ErrNotFound) {
				r.reg.Unbind(connID)
				return nil
			}
			if err != nil {
				return err
			}
			r.reg.Unbind(connID)
			r.cancelStart(rec.ID)
			r.log.Info("room deleted, last participant left",
				zap.String("room_id", rec.ID), zap.String("cause", cause))
			return nil
		}

		closing := false
		if (rec.State == room.StateStarting || rec.State == room.StateInProgress) && rec.ActiveCount() <= 1 {
			rec.Close()
			closing = true
		}

		err = r.store.Put(ctx, rec)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			r.reg.Unbind(connID)
			return nil
		}
		if err != nil {
			return err
		}

		// Committed: drop the binding before the broadcast so the
		// removed connection is excluded from its own room update.
		r.reg.Unbind(connID)
		if closing {
			r.cancelStart(rec.ID)
			r.log.Info("room closed",
				zap.String("room_id", rec.ID),
				zap.Int("active", rec.ActiveCount()))
		}
		r.log.Info("participant removed",
			zap.String("room_id", rec.ID),
			zap.String("participant_id", b.ParticipantID),
			zap.String("cause", cause))
		r.broadcastCritical(rec.ID, RoomUpdate{Room: Snapshot(rec)})
		return nil
	}
	return store.ErrContention
}

// scheduleStart arms the grace timer exactly once per room.
func (r *Relay) scheduleStart(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, armed := r.timers[roomID]; armed {
		return
	}
	r.timers[roomID] = time.AfterFunc(r.opts.GraceDelay, func() {
		r.fireStart(roomID)
	})
	r.log.Info("start grace timer armed",
		zap.String("room_id", roomID),
		zap.Duration("delay", r.opts.GraceDelay))
}

func (r *Relay) cancelStart(roomID string) {
	r.mu.Lock()
	t, ok := r.timers[roomID]
	delete(r.timers, roomID)
	r.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// fireStart flips starting → in_progress and broadcasts the go signal.
func (r *Relay) fireStart(roomID string) {
	r.mu.Lock()
	delete(r.timers, roomID)
	r.mu.Unlock()

	rec, err := store.Update(r.ctx, r.store, roomID, r.opts.Retries, func(rr *room.Record) error {
		if !rr.Begin() {
			return errNotStarting
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, errNotStarting) {
		// Everyone left (or the room closed) during the grace window.
		return
	}
	if err != nil {
		r.log.Error("start transition failed",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}

	r.log.Info("game started", zap.String("room_id", roomID))
	ev := GameStart{Room: Snapshot(rec)}
	if rec.StartedAt != nil {
		ev.StartedAt = *rec.StartedAt
	}
	r.broadcastCritical(roomID, ev)
}

// reap deletes empty waiting rooms older than the staleness window.
func (r *Relay) reap(ctx context.Context) {
	recs, err := r.store.List(ctx)
	if err != nil {
		r.log.Warn("reaper scan failed", zap.Error(err))
		return
	}
	cutoff := time.Now().UTC().Add(-r.opts.StaleAfter)
	for _, rec := range recs {
		if rec.State != room.StateWaiting || rec.ActiveCount() > 0 || rec.CreatedAt.After(cutoff) {
			continue
		}
		err := r.store.Delete(ctx, rec.ID, rec.Version)
		if err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("reap failed", zap.String("room_id", rec.ID), zap.Error(err))
			continue
		}
		if err == nil {
			r.log.Info("stale room reaped", zap.String("room_id", rec.ID))
		}
	}
}

func (r *Relay) broadcastCritical(roomID string, ev Event) {
	for _, id := range r.reg.Connections(roomID) {
		if o := r.outbox(id); o != nil {
			r.push(id, o, ev)
		}
	}
}

// push enqueues a critical event; a connection whose critical queue
// is full is dropped rather than fed a silently thinned stream.
func (r *Relay) push(connID string, o *Outbox, ev Event) {
	if !o.pushCritical(ev) {
		r.log.Warn("critical queue full, dropping connection",
			zap.String("conn_id", connID))
		o.close()
	}
}

func (r *Relay) outbox(connID string) *Outbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outboxes[connID]
}
