package signaling

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sameIDs(t *testing.T, got []uuid.UUID, want ...uuid.UUID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d ids %v, want %d %v", len(got), got, len(want), want)
	}
	gotSet := idSet(got)
	for _, id := range want {
		if _, ok := gotSet[id]; !ok {
			t.Fatalf("missing id %v in %v", id, got)
		}
	}
}

func TestRegistry_PendingHandoff(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "lobby", Capacity: 2}

	if err := r.RegisterPending("10.0.0.1:1234", room); err != nil {
		t.Fatalf("RegisterPending: %v", err)
	}
	if err := r.RegisterPending("10.0.0.1:1234", room); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("duplicate RegisterPending err=%v, want ErrDuplicateAddress", err)
	}

	id := uuid.New()
	got, err := r.Promote("10.0.0.1:1234", id)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if got != room {
		t.Fatalf("Promote room=%v, want %v", got, room)
	}

	// The address key is consumed by the hand-off.
	if _, err := r.Promote("10.0.0.1:1234", uuid.New()); !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("second Promote err=%v, want ErrUnknownAddress", err)
	}

	claimed, err := r.Claim(id)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed != room {
		t.Fatalf("Claim room=%v, want %v", claimed, room)
	}
	if _, err := r.Claim(id); !errors.Is(err, ErrUnknownPendingPeer) {
		t.Fatalf("second Claim err=%v, want ErrUnknownPendingPeer", err)
	}
}

func TestRegistry_PromoteUnknownAddress(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Promote("10.0.0.9:1", uuid.New()); !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("err=%v, want ErrUnknownAddress", err)
	}
}

func TestRegistry_DropPending(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "x"}
	if err := r.RegisterPending("addr", room); err != nil {
		t.Fatalf("RegisterPending: %v", err)
	}
	r.DropPending("addr")
	if _, err := r.Promote("addr", uuid.New()); !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("promote after drop err=%v, want ErrUnknownAddress", err)
	}
	// A fresh registration for the same address is allowed again.
	if err := r.RegisterPending("addr", room); err != nil {
		t.Fatalf("re-register after drop: %v", err)
	}
}

func TestRegistry_OpenRoomAccumulates(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "open"}

	a, b, c := uuid.New(), uuid.New(), uuid.New()

	sameIDs(t, r.Join(a, room, newOutQueue()))
	sameIDs(t, r.RoomMembers(room), a)

	sameIDs(t, r.Join(b, room, newOutQueue()), a)
	sameIDs(t, r.RoomMembers(room), a, b)

	sameIDs(t, r.Join(c, room, newOutQueue()), a, b)
	sameIDs(t, r.RoomMembers(room), a, b, c)

	r.Remove(b)
	sameIDs(t, r.RoomMembers(room), a, c)
}

func TestRegistry_CapacityRoomResetsWhenFull(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "lobby", Capacity: 3}

	a, b, c := uuid.New(), uuid.New(), uuid.New()

	sameIDs(t, r.Join(a, room, newOutQueue()))
	sameIDs(t, r.Join(b, room, newOutQueue()), a)

	// The third join completes the batch: the waiting list clears and the
	// completing peer is never added to it.
	sameIDs(t, r.Join(c, room, newOutQueue()), a, b)
	sameIDs(t, r.RoomMembers(room))

	// All three remain active and routable.
	for _, id := range []uuid.UUID{a, b, c} {
		if _, ok := r.Peer(id); !ok {
			t.Fatalf("peer %v must stay active after fill-reset", id)
		}
	}

	// The next joiner starts a fresh batch.
	d := uuid.New()
	sameIDs(t, r.Join(d, room, newOutQueue()))
	sameIDs(t, r.RoomMembers(room), d)
}

func TestRegistry_CapacityOneRoomNeverWaits(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "solo", Capacity: 1}

	a := uuid.New()
	sameIDs(t, r.Join(a, room, newOutQueue()))
	sameIDs(t, r.RoomMembers(room))
	if _, ok := r.Peer(a); !ok {
		t.Fatalf("peer must be active")
	}
}

func TestRegistry_RoomsWithDifferentCapacityAreDistinct(t *testing.T) {
	r := NewRegistry(nil)
	open := RoomDescriptor{RoomID: "lobby"}
	capped := RoomDescriptor{RoomID: "lobby", Capacity: 2}

	a, b := uuid.New(), uuid.New()
	r.Join(a, open, newOutQueue())
	sameIDs(t, r.Join(b, capped, newOutQueue()))

	sameIDs(t, r.RoomMembers(open), a)
	sameIDs(t, r.RoomMembers(capped), b)
}

func TestRegistry_RoomPeersSeesMatchedPeersAfterFillReset(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "duo", Capacity: 2}
	a, b := uuid.New(), uuid.New()
	r.Join(a, room, newOutQueue())
	r.Join(b, room, newOutQueue())

	// The waiting list is empty after the fill, but departure notification
	// must still reach the matched partner.
	sameIDs(t, r.RoomMembers(room))
	sameIDs(t, r.RoomPeers(room, b), a)
	sameIDs(t, r.RoomPeers(room, a), b)

	// A fresh batch member is visible too, and the departed peer is not.
	c := uuid.New()
	r.Join(c, room, newOutQueue())
	r.Remove(a)
	sameIDs(t, r.RoomPeers(room, b), c)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "lobby"}
	a := uuid.New()
	r.Join(a, room, newOutQueue())

	p, ok := r.Remove(a)
	if !ok || p == nil || p.ID != a {
		t.Fatalf("first Remove=%v,%v, want peer", p, ok)
	}
	if _, ok := r.Remove(a); ok {
		t.Fatalf("second Remove must report absent")
	}
	if _, ok := r.Peer(a); ok {
		t.Fatalf("peer must be gone")
	}
}

func TestRegistry_RemoveAfterFillReset(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "duo", Capacity: 2}
	a, b := uuid.New(), uuid.New()
	r.Join(a, room, newOutQueue())
	r.Join(b, room, newOutQueue())

	// a is no longer on the waiting list (fill-reset) but still active;
	// removal must succeed without touching anyone else's bookkeeping.
	if _, ok := r.Remove(a); !ok {
		t.Fatalf("Remove(a) must find the active peer")
	}
	if _, ok := r.Peer(b); !ok {
		t.Fatalf("b must remain active")
	}
}

func TestRegistry_Send(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "lobby"}
	a := uuid.New()
	q := newOutQueue()
	r.Join(a, room, q)

	if err := r.Send(a, newPeerEvent(uuid.New())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := q.TryDequeue(); !ok {
		t.Fatalf("event must be enqueued")
	}

	if err := r.Send(uuid.New(), newPeerEvent(a)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Send to unknown err=%v, want ErrUnknownPeer", err)
	}

	// A closed queue is a race with the peer's own departure: swallowed.
	q.Close()
	if err := r.Send(a, newPeerEvent(uuid.New())); err != nil {
		t.Fatalf("Send to closed queue err=%v, want nil", err)
	}
}

func TestRegistry_ConcurrentJoinsSeeConsistentSnapshots(t *testing.T) {
	r := NewRegistry(nil)
	room := RoomDescriptor{RoomID: "busy", Capacity: 4}

	const joiners = 32

	var wg sync.WaitGroup
	priors := make(chan int, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			priors <- len(r.Join(uuid.New(), room, newOutQueue()))
		}()
	}
	wg.Wait()
	close(priors)

	// With capacity 4 and 32 joiners, snapshots cycle 0,1,2,3 regardless of
	// interleaving; total batch completions is 8.
	counts := make(map[int]int)
	for n := range priors {
		counts[n]++
	}
	for n := 0; n <= 3; n++ {
		if counts[n] != 8 {
			t.Fatalf("prior-size histogram %v, want 8 of each size 0..3", counts)
		}
	}
	sameIDs(t, r.RoomMembers(room))
}
