// Package matchmaker assigns joining participants to rooms. A single
// goroutine owns the find-or-create decision, so concurrent joins on
// one coordinator never create duplicate rooms for the same open slot;
// the store's version checks keep the assignment correct when other
// processes share the namespace.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
)

// ErrStopped is returned by Assign after the matchmaker shuts down.
var ErrStopped = errors.New("matchmaker stopped")

// ErrNoRoomID is returned when freshly generated room ids keep
// colliding. That points at a broken id source, not at contention a
// client could usefully wait out.
var ErrNoRoomID = errors.New("could not allocate a room id")

// createAttempts bounds id regeneration when a fresh room id collides.
const createAttempts = 3

type msg interface{ isMatchmakerMsg() }

type assign struct {
	ctx         context.Context
	participant room.Participant
	reply       chan assignResult
}

type shutdown struct{}

func (assign) isMatchmakerMsg()   {}
func (shutdown) isMatchmakerMsg() {}

type assignResult struct {
	rec     *room.Record
	started bool
	err     error
}

// Options configures room creation.
type Options struct {
	// Capacity is the required participant count per room.
	Capacity int
	// BotFill injects up to this many synthetic participants at room
	// creation, clamped so a human slot always remains. Used with
	// reduced-capacity dev configurations.
	BotFill int
	// Retries bounds the per-room version-conflict retry loop.
	Retries int
}

// Matchmaker routes join requests to a waiting room with spare
// capacity, creating one when none exists.
type Matchmaker struct {
	inbox  chan msg
	store  store.Store
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a matchmaker whose loop runs until parent is cancelled or
// Shutdown is called.
func New(parent context.Context, s store.Store, opts Options, log *zap.Logger) *Matchmaker {
	if opts.Retries <= 0 {
		opts.Retries = store.DefaultUpdateRetries
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Matchmaker{
		inbox:  make(chan msg, 64),
		store:  s,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go m.loop()
	return m
}

// Assign places the participant in a room and returns the committed
// record, plus whether this join filled the room.
func (m *Matchmaker) Assign(ctx context.Context, p room.Participant) (*room.Record, bool, error) {
	reply := make(chan assignResult, 1)
	select {
	case m.inbox <- assign{ctx: ctx, participant: p, reply: reply}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-m.ctx.Done():
		return nil, false, ErrStopped
	}

	select {
	case res := <-reply:
		return res.rec, res.started, res.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-m.ctx.Done():
		return nil, false, ErrStopped
	}
}

// Shutdown stops the matchmaker loop.
func (m *Matchmaker) Shutdown() {
	select {
	case m.inbox <- shutdown{}:
	case <-m.ctx.Done():
	}
}

func (m *Matchmaker) loop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case raw := <-m.inbox:
			switch v := raw.(type) {
			case assign:
				rec, started, err := m.findOrCreate(v.ctx, v.participant)
				v.reply <- assignResult{rec: rec, started: started, err: err}
			case shutdown:
				m.cancel()
				return
			}
		}
	}
}

func (m *Matchmaker) findOrCreate(ctx context.Context, p room.Participant) (*room.Record, bool, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("scanning rooms: %w", err)
	}

	// Oldest waiting room first, so no room waits forever.
	for _, candidate := range recs {
		if !candidate.HasSpace() {
			continue
		}
		var started bool
		rec, err := store.Update(ctx, m.store, candidate.ID, m.opts.Retries, func(r *room.Record) error {
			s, err := r.AddParticipant(p)
			started = s
			return err
		})
		if err == nil {
			return rec, started, nil
		}
		switch {
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, room.ErrNotJoinable),
			errors.Is(err, room.ErrCapacityExceeded):
			// Room vanished or filled while we raced another writer;
			// try the next candidate.
			continue
		case errors.Is(err, store.ErrContention):
			m.log.Warn("room too contended, skipping",
				zap.String("room_id", candidate.ID))
			continue
		default:
			return nil, false, err
		}
	}

	return m.create(ctx, p)
}

func (m *Matchmaker) create(ctx context.Context, p room.Participant) (*room.Record, bool, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		rec := room.NewRecord(m.opts.Capacity)
		m.injectBots(rec)
		started, err := rec.AddParticipant(p)
		if err != nil {
			return nil, false, err
		}

		err = m.store.Create(ctx, rec)
		if errors.Is(err, store.ErrAlreadyExists) {
			m.log.Warn("room id collision, regenerating", zap.String("room_id", rec.ID))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("creating room: %w", err)
		}
		m.log.Info("room created",
			zap.String("room_id", rec.ID),
			zap.Int("capacity", rec.Capacity),
			zap.Int("bots", len(rec.Participants)-1))
		return rec, started, nil
	}
	return nil, false, ErrNoRoomID
}

func (m *Matchmaker) injectBots(rec *room.Record) {
	fill := m.opts.BotFill
	if max := rec.Capacity - 1; fill > max {
		fill = max
	}
	for i := 0; i < fill; i++ {
		_, _ = rec.AddParticipant(room.Participant{
			ID:        uuid.NewString(),
			Username:  fmt.Sprintf("bot-%d", i+1),
			JoinedAt:  time.Now().UTC(),
			Synthetic: true,
		})
	}
}
