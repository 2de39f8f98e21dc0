package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateAddress means a connection address already has a pending
	// room request. This cannot happen with a well-behaved transport and is
	// treated as local-state corruption, fatal to the affected connection.
	ErrDuplicateAddress = errors.New("address already has a pending room request")

	// ErrUnknownAddress means Promote was called for an address with no
	// pending room request, i.e. the transport and registry are out of sync.
	ErrUnknownAddress = errors.New("no pending room request for address")

	// ErrUnknownPendingPeer means Claim was called for an identity that was
	// never promoted.
	ErrUnknownPendingPeer = errors.New("no pending room request for peer")

	// ErrUnknownPeer means the target of a send is not an active peer.
	ErrUnknownPeer = errors.New("unknown peer")
)

// RoomDescriptor identifies a matchmaking room. Capacity 0 means the room
// is open-ended and its waiting list never auto-resets.
type RoomDescriptor struct {
	RoomID   string
	Capacity int
}

// Peer is a fully joined peer: it has an identity, a room, and an outbound
// queue bound to its connection. The queue is shared between the registry
// (for routing) and the owning connection (which alone closes it).
type Peer struct {
	ID   uuid.UUID
	Room RoomDescriptor

	out *outQueue
}

// Enqueue places an event on the peer's outbound queue without blocking.
// It reports false when the owning connection has already shut down.
func (p *Peer) Enqueue(ev event) bool {
	return p.out.Enqueue(ev)
}

// Registry tracks every connecting peer through the three-phase lifecycle:
// pending by transport address, pending by assigned identity, and finally
// active room member. It is the only holder of matchmaking state; all four
// maps are guarded by one mutex and no method blocks on I/O while holding
// it.
type Registry struct {
	log *slog.Logger

	mu            sync.Mutex
	pendingByAddr map[string]RoomDescriptor
	pendingByID   map[uuid.UUID]RoomDescriptor
	peers         map[uuid.UUID]*Peer
	rooms         map[RoomDescriptor]map[uuid.UUID]struct{}
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:           log,
		pendingByAddr: make(map[string]RoomDescriptor),
		pendingByID:   make(map[uuid.UUID]RoomDescriptor),
		peers:         make(map[uuid.UUID]*Peer),
		rooms:         make(map[RoomDescriptor]map[uuid.UUID]struct{}),
	}
}

// RegisterPending records that the connection at addr wants to join room.
func (r *Registry) RegisterPending(addr string, room RoomDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingByAddr[addr]; ok {
		return ErrDuplicateAddress
	}
	r.pendingByAddr[addr] = room
	return nil
}

// Promote moves the pending room request for addr under the peer identity
// the transport assigned to that connection. The hand-off is atomic: after
// Promote the address key is gone and the identity key exists.
func (r *Registry) Promote(addr string, id uuid.UUID) (RoomDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.pendingByAddr[addr]
	if !ok {
		return RoomDescriptor{}, ErrUnknownAddress
	}
	delete(r.pendingByAddr, addr)
	r.pendingByID[id] = room
	return room, nil
}

// DropPending discards a pending-by-address entry. Used when a connection
// fails between registration and promotion.
func (r *Registry) DropPending(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingByAddr, addr)
}

// Claim removes and returns the pending room request for id. The caller is
// expected to Join immediately afterwards.
func (r *Registry) Claim(id uuid.UUID) (RoomDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.pendingByID[id]
	if !ok {
		return RoomDescriptor{}, ErrUnknownPendingPeer
	}
	delete(r.pendingByID, id)
	return room, nil
}

// Join registers id as an active peer of room and returns the identities
// that were already waiting in the room before this join. Those are the
// peers that must be told about the newcomer.
//
// Capacity-bound rooms behave as a revolving door: when the joining peer
// brings the waiting list up to capacity, the list resets so the next
// joiners form a fresh batch. The matched peers stay active and routable
// by identity; only the waiting-list bookkeeping is cleared.
func (r *Registry) Join(id uuid.UUID, room RoomDescriptor, out *outQueue) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	prior := make([]uuid.UUID, 0, len(members))
	for m := range members {
		prior = append(prior, m)
	}

	r.peers[id] = &Peer{ID: id, Room: room, out: out}

	if room.Capacity > 0 && len(prior) == room.Capacity-1 {
		delete(r.rooms, room)
		return prior
	}

	if members == nil {
		members = make(map[uuid.UUID]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	return prior
}

// Peer returns the active peer for id.
func (r *Registry) Peer(id uuid.UUID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// RoomMembers returns a snapshot of the identities currently waiting in
// room. Directly after a capacity fill the snapshot is empty even though
// the matched peers are still active.
func (r *Registry) RoomMembers(room RoomDescriptor) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	out := make([]uuid.UUID, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

// RoomPeers returns the identities of every active peer in room other than
// exclude. Unlike RoomMembers it sees matched peers that a fill-reset
// removed from the waiting list, so it is the set to notify on departure.
func (r *Registry) RoomPeers(room RoomDescriptor, exclude uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		if p.Room == room {
			out = append(out, id)
		}
	}
	return out
}

// Remove deletes the active peer for id and clears it from its room's
// waiting list. Removing an absent peer is not an error; a peer may
// already be gone from the waiting list due to a fill-reset, and a double
// close must be a no-op.
func (r *Registry) Remove(id uuid.UUID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)
	if members, ok := r.rooms[p.Room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, p.Room)
		}
	}
	return p, true
}

// Send routes an event to the identified peer's outbound queue without
// blocking. An unknown identity is reported as ErrUnknownPeer; a queue
// that is already closed (the peer is tearing down concurrently) is only
// log-worthy and not surfaced as an error.
func (r *Registry) Send(id uuid.UUID, ev event) error {
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if !p.Enqueue(ev) {
		r.log.Debug("dropped event for departing peer", "peer", id, "event", string(ev.Type))
	}
	return nil
}
