package room

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/protocol"
)

var (
	// ErrPeerIDInUse indicates the peer id is already taken within the room
	ErrPeerIDInUse = errors.New("peer id already in use")

	// ErrRoomClosed indicates the room has been torn down
	ErrRoomClosed = errors.New("room is closed")
)

// Outbound delivers envelopes into exactly one signaling connection.
// Enqueue must not block; it fails when a critical envelope cannot be
// accepted, which the caller treats as a dead connection.
type Outbound interface {
	Enqueue(env *protocol.Envelope) error
}

// MembershipFunc is invoked with an insertion-ordered membership snapshot
// after every join or leave, inside the room's critical section so that
// consecutive snapshots reflect registry order.
type MembershipFunc func(roomID string, peers []string)

// Registry is the process-wide directory of rooms. It is created once at
// startup and passed explicitly to everything that needs it.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger *zap.Logger

	onMembership MembershipFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// OnMembershipChanged installs the membership listener. Must be called
// before the registry is shared; the field is not guarded afterwards.
func (r *Registry) OnMembershipChanged(fn MembershipFunc) {
	r.onMembership = fn
}

// Join installs a peer, creating the room on first join. Duplicate peer ids
// within a room are rejected. On success the updated peer list has been
// enqueued to every member of the room.
func (r *Registry) Join(roomID, peerID string, out Outbound) (*Peer, error) {
	for {
		room := r.getOrCreateRoom(roomID)
		peer, err := room.add(peerID, out, r.onMembership)
		if err == ErrRoomClosed {
			// Lost the race against the last leave; the room is gone
			// from the map by now, so create a fresh one.
			continue
		}
		if err != nil {
			return nil, err
		}
		r.logger.Info("peer joined",
			zap.String("room", roomID),
			zap.String("peer", peerID),
		)
		return peer, nil
	}
}

// Leave removes a peer. Idempotent: leaving twice, or after the room is
// gone, is a no-op.
func (r *Registry) Leave(peer *Peer) {
	if peer == nil {
		return
	}
	room := r.GetRoom(peer.roomID)
	if room == nil {
		return
	}
	removed, empty := room.remove(peer.id, r.onMembership)
	if !removed {
		return
	}
	r.logger.Info("peer left",
		zap.String("room", peer.roomID),
		zap.String("peer", peer.id),
	)
	if empty {
		r.mu.Lock()
		if r.rooms[peer.roomID] == room {
			delete(r.rooms, peer.roomID)
		}
		r.mu.Unlock()
		r.logger.Info("room destroyed", zap.String("room", peer.roomID))
	}
}

// Lookup returns the peer, or nil when either the room or the peer does
// not exist.
func (r *Registry) Lookup(roomID, peerID string) *Peer {
	room := r.GetRoom(roomID)
	if room == nil {
		return nil
	}
	return room.Get(peerID)
}

// Peers returns the insertion-ordered membership snapshot of a room.
func (r *Registry) Peers(roomID string) []string {
	room := r.GetRoom(roomID)
	if room == nil {
		return nil
	}
	return room.PeerIDs()
}

// GetRoom returns a room by ID.
func (r *Registry) GetRoom(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// PeerCount returns the number of live peers across all rooms.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	total := 0
	for _, room := range rooms {
		total += room.Len()
	}
	return total
}

func (r *Registry) getOrCreateRoom(roomID string) *Room {
	r.mu.RLock()
	room := r.rooms[roomID]
	r.mu.RUnlock()
	if room != nil {
		return room
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room = r.rooms[roomID]; room != nil {
		return room
	}
	room = newRoom(roomID)
	r.rooms[roomID] = room
	r.logger.Info("room created", zap.String("room", roomID))
	return room
}
