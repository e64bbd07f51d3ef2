package room

import (
	"sync"

	"github.com/confmesh/confmesh/pkg/protocol"
)

// Room holds the members of one conference scope. Membership writes and the
// peer-list broadcast they trigger happen under a single room lock so every
// member observes snapshots in registry order. Nothing inside the critical
// section performs I/O; outbound delivery is enqueue-only.
type Room struct {
	mu     sync.RWMutex
	id     string
	order  []*Peer
	byID   map[string]*Peer
	closed bool
}

// Peer is one participant: a peer id bound to one room and one signaling
// connection. Media sessions are tracked elsewhere, keyed by id, so peers
// never form ownership cycles with them.
type Peer struct {
	id     string
	roomID string
	out    Outbound
}

// ID returns the peer id.
func (p *Peer) ID() string { return p.id }

// RoomID returns the owning room id.
func (p *Peer) RoomID() string { return p.roomID }

// Enqueue delivers an envelope toward the peer's connection.
func (p *Peer) Enqueue(env *protocol.Envelope) error {
	return p.out.Enqueue(env)
}

func newRoom(id string) *Room {
	return &Room{
		id:   id,
		byID: make(map[string]*Peer),
	}
}

// ID returns the room ID.
func (r *Room) ID() string { return r.id }

// Get returns a member by peer id, or nil.
func (r *Room) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[peerID]
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// PeerIDs returns the insertion-ordered membership snapshot.
func (r *Room) PeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerIDsLocked()
}

func (r *Room) peerIDsLocked() []string {
	ids := make([]string, len(r.order))
	for i, p := range r.order {
		ids[i] = p.id
	}
	return ids
}

func (r *Room) add(peerID string, out Outbound, onMembership MembershipFunc) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, exists := r.byID[peerID]; exists {
		return nil, ErrPeerIDInUse
	}

	peer := &Peer{id: peerID, roomID: r.id, out: out}
	r.byID[peerID] = peer
	r.order = append(r.order, peer)

	r.broadcastPeerListLocked()
	if onMembership != nil {
		onMembership(r.id, r.peerIDsLocked())
	}
	return peer, nil
}

// remove returns whether the peer was present and whether the room became
// empty (and was closed) as a result.
func (r *Room) remove(peerID string, onMembership MembershipFunc) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[peerID]; !exists {
		return false, false
	}
	delete(r.byID, peerID)
	for i, p := range r.order {
		if p.id == peerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if len(r.order) == 0 {
		r.closed = true
		if onMembership != nil {
			onMembership(r.id, nil)
		}
		return true, true
	}

	r.broadcastPeerListLocked()
	if onMembership != nil {
		onMembership(r.id, r.peerIDsLocked())
	}
	return true, false
}

// broadcastPeerListLocked enqueues the current membership to every member.
// Peer-list refreshes are droppable; a full queue is the receiver's problem.
func (r *Room) broadcastPeerListLocked() {
	env := protocol.PeerList(r.id, r.peerIDsLocked())
	for _, p := range r.order {
		_ = p.out.Enqueue(env)
	}
}
