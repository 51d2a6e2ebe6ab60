package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/matchmaker"
	"github.com/DoyleJ11/arena-backend/internal/registry"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

type fixture struct {
	store *store.Memory
	reg   *registry.Registry
	relay *Relay
}

func newFixture(t *testing.T, capacity int, grace time.Duration) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := store.NewMemory()
	reg := registry.New()
	mm := matchmaker.New(ctx, s, matchmaker.Options{Capacity: capacity}, zap.NewNop())
	r := New(ctx, s, reg, mm, Options{GraceDelay: grace}, zap.NewNop())
	return &fixture{store: s, reg: reg, relay: r}
}

// recvCritical receives one critical event with a timeout so tests
// never hang.
func recvCritical(t *testing.T, o *Outbox, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-o.Critical():
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for critical event")
		return nil // unreachable
	}
}

func recvNoCritical(t *testing.T, o *Outbox, within time.Duration) {
	t.Helper()
	select {
	case ev := <-o.Critical():
		t.Fatalf("expected no critical event within %v, got %#v", within, ev)
	case <-time.After(within):
	}
}

func recvMove(t *testing.T, o *Outbox, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-o.Moves():
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for move event")
		return nil // unreachable
	}
}

func wantRoomUpdate(t *testing.T, ev Event) RoomUpdate {
	t.Helper()
	up, ok := ev.(RoomUpdate)
	if !ok {
		t.Fatalf("want RoomUpdate, got %#v", ev)
	}
	return up
}

func TestJoin_BroadcastsMembershipToWholeRoom(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	outA := f.relay.Register("a")
	defer f.relay.Deregister("a")

	snap, err := f.relay.Join(ctx, "a", "alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.SlotsRemaining != 5 {
		t.Fatalf("want 5 slots remaining, got %d", snap.SlotsRemaining)
	}

	up := wantRoomUpdate(t, recvCritical(t, outA, 100*time.Millisecond))
	if len(up.Room.Participants) != 1 || up.Room.Participants[0].Username != "alice" {
		t.Fatalf("unexpected membership: %+v", up.Room.Participants)
	}

	outB := f.relay.Register("b")
	defer f.relay.Deregister("b")
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Both the existing member and the joiner see the change.
	for _, o := range []*Outbox{outA, outB} {
		up := wantRoomUpdate(t, recvCritical(t, o, 100*time.Millisecond))
		if len(up.Room.Participants) != 2 {
			t.Fatalf("want 2 participants, got %d", len(up.Room.Participants))
		}
	}
}

func TestJoin_SecondJoinOnSameConnectionRejected(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	f.relay.Register("a")
	defer f.relay.Deregister("a")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.relay.Join(ctx, "a", "alice"); err != ErrAlreadyJoined {
		t.Fatalf("want ErrAlreadyJoined, got %v", err)
	}
}

func TestFullRoom_StartsOnceAfterGrace(t *testing.T) {
	f := newFixture(t, 2, 30*time.Millisecond)
	ctx := context.Background()

	outA := f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	recvCritical(t, outA, 100*time.Millisecond) // a's own roomUpdate

	snap, err := f.relay.Join(ctx, "b", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if snap.Status != "starting" {
		t.Fatalf("want starting room, got %q", snap.Status)
	}

	for _, o := range []*Outbox{outA, outB} {
		wantRoomUpdate(t, recvCritical(t, o, 100*time.Millisecond))
		ev := recvCritical(t, o, 500*time.Millisecond)
		gs, ok := ev.(GameStart)
		if !ok {
			t.Fatalf("want GameStart, got %#v", ev)
		}
		if gs.Room.Status != "in_progress" {
			t.Fatalf("want in_progress after grace, got %q", gs.Room.Status)
		}
		if gs.StartedAt.IsZero() {
			t.Fatalf("gameStart without start timestamp")
		}
	}

	// Exactly once: no further start signal arrives.
	recvNoCritical(t, outA, 100*time.Millisecond)
}

func TestEliminate_SecondToLastClosesRoom(t *testing.T) {
	f := newFixture(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	outA := f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	// Drain a's updates and both start signals.
	recvCritical(t, outA, 100*time.Millisecond)
	recvCritical(t, outA, 100*time.Millisecond)
	recvCritical(t, outA, 500*time.Millisecond)
	recvCritical(t, outB, 100*time.Millisecond)
	recvCritical(t, outB, 500*time.Millisecond)

	if err := f.relay.Eliminate(ctx, "a"); err != nil {
		t.Fatalf("eliminate: %v", err)
	}

	up := wantRoomUpdate(t, recvCritical(t, outB, 100*time.Millisecond))
	if up.Room.Status != "closed" {
		t.Fatalf("want closed room, got %q", up.Room.Status)
	}
	if len(up.Room.Participants) != 1 || up.Room.Participants[0].Username != "bob" {
		t.Fatalf("unexpected final membership: %+v", up.Room.Participants)
	}

	// The eliminated connection is unbound; no update reaches it.
	recvNoCritical(t, outA, 50*time.Millisecond)
}

func TestEliminateAndDisconnectRace_CloseHappensOnce(t *testing.T) {
	f := newFixture(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}
	recvCritical(t, outB, 100*time.Millisecond)
	recvCritical(t, outB, 500*time.Millisecond)

	if err := f.relay.Eliminate(ctx, "a"); err != nil {
		t.Fatalf("eliminate: %v", err)
	}
	// Transport reports the same connection going away right after.
	if err := f.relay.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("disconnect after eliminate: %v", err)
	}

	wantRoomUpdate(t, recvCritical(t, outB, 100*time.Millisecond))
	recvNoCritical(t, outB, 50*time.Millisecond)
}

func TestDisconnect_NeverBoundIsNoop(t *testing.T) {
	f := newFixture(t, 2, time.Second)
	if err := f.relay.Disconnect(context.Background(), "ghost"); err != nil {
		t.Fatalf("disconnect of unbound connection: %v", err)
	}
}

func TestLastLeaverDeletesWaitingRoom(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	f.relay.Register("a")
	defer f.relay.Deregister("a")
	snap, err := f.relay.Join(ctx, "a", "alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := f.relay.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := f.store.Get(ctx, snap.RoomID); err != store.ErrNotFound {
		t.Fatalf("want room deleted, got %v", err)
	}
}

func TestEveryoneLeavingDuringGraceCancelsStart(t *testing.T) {
	f := newFixture(t, 2, 80*time.Millisecond)
	ctx := context.Background()

	outA := f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	snap, err := f.relay.Join(ctx, "b", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	if err := f.relay.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("disconnect a: %v", err)
	}
	if err := f.relay.Disconnect(ctx, "b"); err != nil {
		t.Fatalf("disconnect b: %v", err)
	}

	if _, err := f.store.Get(ctx, snap.RoomID); err != store.ErrNotFound {
		t.Fatalf("want room deleted, got %v", err)
	}

	// Past the grace window, no start signal was fired at anyone.
	time.Sleep(150 * time.Millisecond)
	for len(outA.Critical()) > 0 {
		if _, ok := (<-outA.Critical()).(GameStart); ok {
			t.Fatalf("start fired for an emptied room")
		}
	}
	for len(outB.Critical()) > 0 {
		if _, ok := (<-outB.Critical()).(GameStart); ok {
			t.Fatalf("start fired for an emptied room")
		}
	}
}

func TestMove_FansOutToOthersOnly(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	outA := f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	pos := types.Vec3{X: 1, Y: 2, Z: 3}
	rot := types.Vec3{Y: 90}
	f.relay.Move("a", pos, rot)

	ev := recvMove(t, outB, 100*time.Millisecond)
	moved, ok := ev.(PlayerMoved)
	if !ok {
		t.Fatalf("want PlayerMoved, got %#v", ev)
	}
	if moved.ParticipantID != "a" || moved.Position != pos || moved.Rotation != rot {
		t.Fatalf("unexpected move payload: %+v", moved)
	}

	select {
	case ev := <-outA.Moves():
		t.Fatalf("sender received its own move: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMove_UnboundSenderDroppedSilently(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	f.relay.Register("ghost")
	defer f.relay.Deregister("ghost")
	f.relay.Move("ghost", types.Vec3{}, types.Vec3{}) // must not panic or error
}

func TestMoveQueue_DropsOldestUnderPressure(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	// b never drains; push far past the buffer.
	for i := 0; i < 100; i++ {
		f.relay.Move("a", types.Vec3{X: float64(i)}, types.Vec3{})
	}

	// The newest update survives at the tail of the queue.
	var last PlayerMoved
	for len(outB.Moves()) > 0 {
		last = (<-outB.Moves()).(PlayerMoved)
	}
	if last.Position.X != 99 {
		t.Fatalf("newest move lost: got X=%v", last.Position.X)
	}
}

func TestWorldMutation_ReachesSenderToo(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	outA := f.relay.Register("a")
	outB := f.relay.Register("b")
	defer f.relay.Deregister("a")
	defer f.relay.Deregister("b")

	if _, err := f.relay.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := f.relay.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	// Drain the membership updates.
	recvCritical(t, outA, 100*time.Millisecond)
	recvCritical(t, outA, 100*time.Millisecond)
	recvCritical(t, outB, 100*time.Millisecond)

	target := types.BlockRef{X: 4, Y: 0, Z: -2}
	f.relay.WorldMutation("a", target)

	for _, o := range []*Outbox{outA, outB} {
		ev := recvCritical(t, o, 100*time.Millisecond)
		mut, ok := ev.(WorldMutated)
		if !ok {
			t.Fatalf("want WorldMutated, got %#v", ev)
		}
		if mut.Target != target || mut.ParticipantID != "a" {
			t.Fatalf("unexpected mutation payload: %+v", mut)
		}
	}
}

func TestReap_DeletesStaleEmptyWaitingRooms(t *testing.T) {
	f := newFixture(t, 6, time.Second)
	ctx := context.Background()

	stale := roomWithAge(t, f.store, -time.Hour)
	fresh := roomWithAge(t, f.store, 0)

	f.relay.opts.StaleAfter = 5 * time.Minute
	f.relay.reap(ctx)

	if _, err := f.store.Get(ctx, stale); err != store.ErrNotFound {
		t.Fatalf("stale room not reaped: %v", err)
	}
	if _, err := f.store.Get(ctx, fresh); err != nil {
		t.Fatalf("fresh room reaped: %v", err)
	}
}

// contentiousStore fails every versioned write while armed, as if
// other writers always got there first.
type contentiousStore struct {
	*store.Memory
	conflicts bool
}

func (c *contentiousStore) Put(ctx context.Context, rec *room.Record) error {
	if c.conflicts {
		return store.ErrVersionConflict
	}
	return c.Memory.Put(ctx, rec)
}

func (c *contentiousStore) Delete(ctx context.Context, id string, version int64) error {
	if c.conflicts {
		return store.ErrVersionConflict
	}
	return c.Memory.Delete(ctx, id, version)
}

func TestEliminate_ContentionKeepsBindingSoRetryHeals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cs := &contentiousStore{Memory: store.NewMemory()}
	reg := registry.New()
	mm := matchmaker.New(ctx, cs, matchmaker.Options{Capacity: 2}, zap.NewNop())
	r := New(ctx, cs, reg, mm, Options{GraceDelay: time.Hour}, zap.NewNop())

	r.Register("a")
	r.Register("b")
	defer r.Deregister("a")
	defer r.Deregister("b")

	if _, err := r.Join(ctx, "a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join(ctx, "b", "bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	cs.conflicts = true
	if err := r.Eliminate(ctx, "a"); !errors.Is(err, store.ErrContention) {
		t.Fatalf("want ErrContention from conflicted eliminate, got %v", err)
	}

	// The failed removal must leave both views untouched: the record
	// still holds the participant and the binding still resolves, so
	// the client's retry is not a no-op.
	b, bound := reg.Lookup("a")
	if !bound {
		t.Fatalf("binding dropped before the removal committed")
	}
	rec, err := cs.Memory.Get(ctx, b.RoomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if !hasParticipant(rec, "a") {
		t.Fatalf("participant gone from record despite failed write")
	}

	cs.conflicts = false
	if err := r.Eliminate(ctx, "a"); err != nil {
		t.Fatalf("retry after contention: %v", err)
	}
	if _, bound := reg.Lookup("a"); bound {
		t.Fatalf("binding survived the committed removal")
	}
	rec, err = cs.Memory.Get(ctx, b.RoomID)
	if err != nil {
		t.Fatalf("get room after retry: %v", err)
	}
	if hasParticipant(rec, "a") {
		t.Fatalf("participant still in record after successful retry")
	}
	if rec.State != room.StateClosed {
		t.Fatalf("want closed room after second-to-last elimination, got %q", rec.State)
	}
}

func hasParticipant(rec *room.Record, id string) bool {
	for _, p := range rec.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

func roomWithAge(t *testing.T, s *store.Memory, offset time.Duration) string {
	t.Helper()
	rec := room.NewRecord(6)
	rec.CreatedAt = time.Now().UTC().Add(offset)
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec.ID
}
