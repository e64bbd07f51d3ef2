package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/media"
	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/protocol"
	"github.com/confmesh/confmesh/pkg/room"
)

// inviteTimeout bounds how long a CallRequest may await its response.
const inviteTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway multiplexes all signaling sessions over one websocket endpoint.
// Each accepted connection runs an independent reader/writer pair; shared
// state lives in the registry, the FSM table and the media manager, all
// passed in at construction.
type Gateway struct {
	logger   *zap.Logger
	registry *room.Registry
	media    *media.Manager
	fsm      *FSM
	monitor  *metrics.Monitor

	// roomLocks serializes call-state handling per room. Entries are
	// dropped when the room is destroyed.
	roomLocks sync.Map

	conns sync.Map
}

// NewGateway wires the gateway against its collaborators.
func NewGateway(registry *room.Registry, mediaMgr *media.Manager, monitor *metrics.Monitor, logger *zap.Logger) *Gateway {
	gw := &Gateway{
		logger:   logger,
		registry: registry,
		media:    mediaMgr,
		fsm:      NewFSM(),
		monitor:  monitor,
	}
	mediaMgr.SetOnSessionFailed(gw.handleSessionFailed)
	mediaMgr.SetOnICECandidate(gw.handleServerCandidate)
	mediaMgr.SetOnRenegotiate(gw.handleServerOffer)
	return gw
}

// HandleWS upgrades one signaling connection and starts its pumps.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	conn := &Conn{
		id:     id,
		gw:     g,
		ws:     ws,
		queue:  NewQueue(),
		done:   make(chan struct{}),
		logger: g.logger.With(zap.String("conn", id)),
	}
	g.conns.Store(conn.id, conn)
	metrics.ActiveConnections.Inc()

	go conn.writePump()
	go conn.readPump()
}

// Peers returns a room's insertion-ordered membership snapshot.
func (g *Gateway) Peers(roomID string) []string {
	return g.registry.Peers(roomID)
}

// RoomDestroyed releases per-room gateway state. Wired into the
// registry's membership notifications by the caller.
func (g *Gateway) RoomDestroyed(roomID string) {
	g.roomLocks.Delete(roomID)
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.conns.Range(func(_, v interface{}) bool {
		g.teardown(v.(*Conn))
		return true
	})
}

func (g *Gateway) roomLock(roomID string) *sync.Mutex {
	mu, _ := g.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// handleEnvelope dispatches one inbound envelope.
func (g *Gateway) handleEnvelope(c *Conn, env *protocol.Envelope) {
	switch env.MessageType {
	case protocol.MessageTypeJoin:
		g.handleJoin(c, env)
	case protocol.MessageTypeDisconnect:
		g.handleDisconnect(c)
	case protocol.MessageTypeRequestPeerList:
		g.handlePeerListRequest(c, env)
	case protocol.MessageTypeCallRequest:
		g.handleCallRequest(c, env)
	case protocol.MessageTypeCallResponse:
		g.handleCallResponse(c, env)
	case protocol.MessageTypeOffer:
		g.handleOffer(c, env)
	case protocol.MessageTypeAnswer:
		g.handleAnswer(c, env)
	case protocol.MessageTypeIceCandidate:
		g.handleIceCandidate(c, env)
	case protocol.MessageTypeEndCall:
		g.handleEndCall(c)
	default:
		// Server-to-client types arriving inbound are dropped.
		c.logger.Warn("unexpected inbound type", zap.String("type", string(env.MessageType)))
	}
}

func (g *Gateway) handleJoin(c *Conn, env *protocol.Envelope) {
	if env.RoomID == "" || env.PeerID == "" {
		c.violation("Join requires room_id and peer_id")
		return
	}
	if peer, _ := c.bound(); peer != nil {
		c.violation("connection already joined")
		return
	}

	peer, err := g.registry.Join(env.RoomID, env.PeerID, c.queue)
	if err != nil {
		c.logger.Warn("join rejected",
			zap.String("room", env.RoomID),
			zap.String("peer", env.PeerID),
			zap.Error(err),
		)
		_ = c.queue.Enqueue(protocol.ConnectionError("peer id already in use", false))
		return
	}

	ps := g.fsm.Register(env.RoomID, env.PeerID)
	c.bind(peer, ps)
	g.monitor.Register(fsmKey(env.RoomID, env.PeerID))
	g.monitor.UpdateState(fsmKey(env.RoomID, env.PeerID), ps.State().String())
	metrics.ActiveRooms.Set(float64(g.registry.RoomCount()))
	metrics.ActivePeers.Set(float64(g.registry.PeerCount()))
}

func (g *Gateway) handleDisconnect(c *Conn) {
	// The connection survives an explicit Disconnect; the client may
	// join again.
	g.teardownPeer(c)
}

func (g *Gateway) handlePeerListRequest(c *Conn, env *protocol.Envelope) {
	peer, _ := c.bound()
	if peer == nil {
		c.violation("RequestPeerList before Join")
		return
	}
	roomID := peer.RoomID()
	_ = c.queue.Enqueue(protocol.PeerList(roomID, g.registry.Peers(roomID)))
}

// sender validates that the connection is joined and that from_peer is not
// spoofed. Returns nils after reporting the violation.
func (g *Gateway) sender(c *Conn, env *protocol.Envelope) (*room.Peer, *PeerState) {
	peer, ps := c.bound()
	if peer == nil {
		c.violation("signaling before Join")
		return nil, nil
	}
	if env.FromPeer != "" && env.FromPeer != peer.ID() {
		c.violation("from_peer does not match connection")
		return nil, nil
	}
	if env.RoomID != "" && env.RoomID != peer.RoomID() {
		c.violation("cross-room routing rejected")
		return nil, nil
	}
	return peer, ps
}

// target resolves a routing destination inside the sender's room.
func (g *Gateway) target(c *Conn, roomID, peerID string) *room.Peer {
	tgt := g.registry.Lookup(roomID, peerID)
	if tgt == nil {
		c.violation("routing target not found in room")
		return nil
	}
	return tgt
}

func (g *Gateway) handleCallRequest(c *Conn, env *protocol.Envelope) {
	peer, ps := g.sender(c, env)
	if peer == nil {
		return
	}
	if len(env.ToPeers) == 0 {
		c.violation("CallRequest requires to_peers")
		return
	}
	roomID := peer.RoomID()

	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	// Resolve targets up front; a bad route aborts before any state
	// changes.
	type resolved struct {
		peer  *room.Peer
		state *PeerState
	}
	targets := make(map[string]resolved, len(env.ToPeers))
	for _, id := range env.ToPeers {
		if id == peer.ID() {
			c.violation("CallRequest to self")
			return
		}
		tgt := g.target(c, roomID, id)
		if tgt == nil {
			return
		}
		targets[id] = resolved{peer: tgt, state: g.fsm.Get(roomID, id)}
	}

	// Glare: a mutual invite keeps the request with the smaller
	// (from_peer, to_peer) pair, which reduces to the smaller sender id.
	deliver := make([]string, 0, len(env.ToPeers))
	var invite []string
	for id, tgt := range targets {
		if tgt.state != nil && tgt.state.InvitingTo(peer.ID()) {
			if peer.ID() < id {
				// Our request wins: void what we received from the
				// loser and displace its invite.
				ps.GlareWon(id)
				tgt.state.GlareLost(peer.ID())
				deliver = append(deliver, id)
				invite = append(invite, id)
				g.logger.Info("glare resolved",
					zap.String("room", roomID),
					zap.String("winner", peer.ID()),
					zap.String("loser", id),
				)
			}
			// Our request loses: it is simply not forwarded; the
			// winner's request already reached this peer.
			continue
		}
		invite = append(invite, id)
		deliver = append(deliver, id)
	}
	if len(invite) == 0 {
		return
	}

	if err := ps.BeginInvite(invite, env.SDP); err != nil {
		c.logger.Warn("call request dropped", zap.Error(err))
		return
	}
	g.monitor.UpdateState(fsmKey(roomID, peer.ID()), ps.State().String())

	out := &protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      roomID,
		FromPeer:    peer.ID(),
		ToPeers:     env.ToPeers,
		SDP:         env.SDP,
	}
	for _, id := range deliver {
		tgt := targets[id]
		if tgt.state != nil && !tgt.state.IncomingFrom(peer.ID()) {
			if err := tgt.state.ReceiveInvite(peer.ID()); err != nil {
				// Busy target: the request is dropped for it and the
				// invite resolves by timeout.
				c.logger.Warn("target busy, request dropped",
					zap.String("target", id),
					zap.Error(err),
				)
				continue
			}
		}
		if err := tgt.peer.Enqueue(out); err != nil {
			g.logger.Warn("call request delivery failed", zap.String("target", id), zap.Error(err))
		}
		g.monitor.UpdateState(fsmKey(roomID, id), StateAnswering.String())
	}

	g.armInviteTimer(roomID, peer.ID(), ps)
}

// armInviteTimer auto-cancels an unanswered CallRequest: outstanding
// targets are told nothing, the caller gets a synthetic rejection.
func (g *Gateway) armInviteTimer(roomID, callerID string, ps *PeerState) {
	ps.setInviteTimer(time.AfterFunc(inviteTimeout, func() {
		lock := g.roomLock(roomID)
		lock.Lock()
		defer lock.Unlock()

		if ps.State() != StateInviting {
			return
		}
		outstanding := ps.OutstandingInvites()
		caller := g.registry.Lookup(roomID, callerID)
		for _, id := range outstanding {
			_ = ps.InviteRejected(id)
			if tgtState := g.fsm.Get(roomID, id); tgtState != nil {
				_ = tgtState.Reject(callerID)
			}
			if caller != nil {
				_ = caller.Enqueue(&protocol.Envelope{
					MessageType: protocol.MessageTypeCallResponse,
					RoomID:      roomID,
					FromPeer:    id,
					ToPeer:      callerID,
					Accepted:    protocol.Bool(false),
					Reason:      "timeout",
				})
			}
		}
		g.monitor.UpdateState(fsmKey(roomID, callerID), ps.State().String())
	}))
}

func (g *Gateway) handleCallResponse(c *Conn, env *protocol.Envelope) {
	peer, ps := g.sender(c, env)
	if peer == nil {
		return
	}
	if env.ToPeer == "" || env.Accepted == nil {
		c.violation("CallResponse requires to_peer and accepted")
		return
	}
	roomID := peer.RoomID()

	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	caller := g.target(c, roomID, env.ToPeer)
	if caller == nil {
		return
	}
	callerState := g.fsm.Get(roomID, env.ToPeer)
	if callerState == nil || !callerState.InvitingTo(peer.ID()) {
		// Stale response, e.g. after the invite timed out.
		c.logger.Warn("call response without outstanding invite",
			zap.String("caller", env.ToPeer),
			zap.String("callee", peer.ID()),
		)
		return
	}

	if !env.IsAccepted() {
		if err := ps.Reject(env.ToPeer); err != nil {
			c.logger.Warn("call response dropped", zap.Error(err))
			return
		}
		_ = callerState.InviteRejected(peer.ID())
		if err := caller.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeCallResponse,
			RoomID:      roomID,
			FromPeer:    peer.ID(),
			ToPeer:      env.ToPeer,
			Accepted:    protocol.Bool(false),
			Reason:      env.Reason,
		}); err != nil {
			g.teardownTarget(roomID, env.ToPeer)
		}
		g.monitor.UpdateState(fsmKey(roomID, peer.ID()), ps.State().String())
		g.monitor.UpdateState(fsmKey(roomID, env.ToPeer), callerState.State().String())
		return
	}

	if env.SDP == "" {
		c.violation("accepted CallResponse requires sdp")
		return
	}
	if err := ps.Accept(env.ToPeer); err != nil {
		c.logger.Warn("call response dropped", zap.Error(err))
		return
	}
	if err := callerState.InviteAccepted(peer.ID()); err != nil {
		c.logger.Warn("caller no longer inviting", zap.Error(err))
		ps.ReturnToConnected()
		return
	}

	// Caller side first: its answer is enqueued before any media from the
	// callee can flow.
	callerAnswer, err := g.establishMedia(roomID, env.ToPeer, callerState.OfferSDP())
	if err != nil {
		g.mediaSetupFailed(roomID, env.ToPeer, callerState, caller)
		ps.ReturnToConnected()
		return
	}
	if err := caller.Enqueue(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      roomID,
		FromPeer:    peer.ID(),
		ToPeer:      env.ToPeer,
		Accepted:    protocol.Bool(true),
		SDP:         callerAnswer,
	}); err != nil {
		g.teardownTarget(roomID, env.ToPeer)
	}

	calleeAnswer, err := g.establishMedia(roomID, peer.ID(), env.SDP)
	if err != nil {
		g.mediaSetupFailed(roomID, peer.ID(), ps, peer)
		return
	}
	_ = peer.Enqueue(&protocol.Envelope{
		MessageType: protocol.MessageTypeAnswer,
		RoomID:      roomID,
		FromPeer:    env.ToPeer,
		ToPeer:      peer.ID(),
		SDP:         calleeAnswer,
	})

	g.monitor.UpdateState(fsmKey(roomID, peer.ID()), ps.State().String())
	g.monitor.UpdateState(fsmKey(roomID, env.ToPeer), callerState.State().String())
}

// establishMedia creates (or reuses) a peer's media session and applies
// its offer, returning the server's answer.
func (g *Gateway) establishMedia(roomID, peerID, offerSDP string) (string, error) {
	session := g.media.Get(roomID, peerID)
	if session == nil {
		var err error
		session, err = g.media.Create(roomID, peerID)
		if err != nil {
			return "", err
		}
	}
	return session.ApplyOffer(offerSDP)
}

// mediaSetupFailed releases a half-built session and tells the affected
// peer to retry.
func (g *Gateway) mediaSetupFailed(roomID, peerID string, ps *PeerState, peer *room.Peer) {
	g.logger.Error("media setup failed",
		zap.String("room", roomID),
		zap.String("peer", peerID),
	)
	g.media.Release(roomID, peerID)
	ps.ReturnToConnected()
	if peer != nil {
		_ = peer.Enqueue(protocol.ConnectionError("media setup failed", true))
	}
}

func (g *Gateway) handleOffer(c *Conn, env *protocol.Envelope) {
	peer, _ := g.sender(c, env)
	if peer == nil {
		return
	}
	roomID := peer.RoomID()

	if env.ToPeer != "" {
		tgt := g.target(c, roomID, env.ToPeer)
		if tgt == nil {
			return
		}
		if err := tgt.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeOffer,
			RoomID:      roomID,
			FromPeer:    peer.ID(),
			ToPeer:      env.ToPeer,
			SDP:         env.SDP,
		}); err != nil {
			g.teardownTarget(roomID, env.ToPeer)
		}
		return
	}

	// Server-directed offer: renegotiate (or establish) this peer's own
	// media session.
	answer, err := g.establishMedia(roomID, peer.ID(), env.SDP)
	if err != nil {
		_, ps := c.bound()
		g.mediaSetupFailed(roomID, peer.ID(), ps, peer)
		return
	}
	_ = peer.Enqueue(&protocol.Envelope{
		MessageType: protocol.MessageTypeAnswer,
		RoomID:      roomID,
		ToPeer:      peer.ID(),
		SDP:         answer,
	})
}

func (g *Gateway) handleAnswer(c *Conn, env *protocol.Envelope) {
	peer, ps := g.sender(c, env)
	if peer == nil {
		return
	}
	roomID := peer.RoomID()

	if env.ToPeer != "" {
		tgt := g.target(c, roomID, env.ToPeer)
		if tgt == nil {
			return
		}
		if err := tgt.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeAnswer,
			RoomID:      roomID,
			FromPeer:    peer.ID(),
			ToPeer:      env.ToPeer,
			SDP:         env.SDP,
		}); err != nil {
			g.teardownTarget(roomID, env.ToPeer)
		}
		return
	}

	// Answer to a server-initiated offer (ICE restart).
	session := g.media.Get(roomID, peer.ID())
	if session == nil {
		c.logger.Warn("answer without media session", zap.String("peer", peer.ID()))
		return
	}
	if err := session.ApplyAnswer(env.SDP); err != nil {
		c.logger.Warn("answer rejected", zap.Error(err))
		return
	}
	_ = ps.ServerOfferAnswered()
}

func (g *Gateway) handleIceCandidate(c *Conn, env *protocol.Envelope) {
	peer, _ := g.sender(c, env)
	if peer == nil {
		return
	}
	if env.Candidate == "" {
		c.violation("IceCandidate requires candidate")
		return
	}
	roomID := peer.RoomID()
	g.monitor.RecordICECandidate(fsmKey(roomID, peer.ID()))

	if env.ToPeer != "" {
		tgt := g.target(c, roomID, env.ToPeer)
		if tgt == nil {
			return
		}
		_ = tgt.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeIceCandidate,
			RoomID:      roomID,
			FromPeer:    peer.ID(),
			ToPeer:      env.ToPeer,
			Candidate:   env.Candidate,
		})
		return
	}

	if err := g.media.AddICE(roomID, peer.ID(), env.Candidate); err != nil {
		c.logger.Warn("candidate rejected", zap.Error(err))
	}
}

func (g *Gateway) handleEndCall(c *Conn) {
	peer, ps := c.bound()
	if peer == nil {
		c.violation("EndCall before Join")
		return
	}
	roomID := peer.RoomID()

	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	g.endCallLocked(roomID, peer.ID(), ps)
}

// endCallLocked tears down the sender's side of a call and notifies every
// counterpart. The sender stays in the room.
func (g *Gateway) endCallLocked(roomID, peerID string, ps *PeerState) {
	counterparts := ps.CallPeers()
	for _, cp := range counterparts {
		cpState := g.fsm.Get(roomID, cp)
		if cpState != nil {
			cpState.EndCall(peerID)
			// A counterpart with no calls left has no use for its
			// session; one still in a call keeps it untouched.
			if len(cpState.CallPeers()) == 0 {
				g.media.Release(roomID, cp)
			}
			g.monitor.UpdateState(fsmKey(roomID, cp), cpState.State().String())
		}
		if cpPeer := g.registry.Lookup(roomID, cp); cpPeer != nil {
			if err := cpPeer.Enqueue(protocol.EndCall(roomID, peerID)); err != nil {
				g.teardownTarget(roomID, cp)
			}
		}
		ps.EndCall(cp)
	}

	g.media.Release(roomID, peerID)
	ps.ReturnToConnected()
	g.monitor.UpdateState(fsmKey(roomID, peerID), ps.State().String())
}

// teardownPeer unwinds everything a join created: calls, media session,
// FSM entry, registry membership. Idempotent; safe mid-call.
func (g *Gateway) teardownPeer(c *Conn) {
	peer, ps := c.bound()
	if peer == nil {
		return
	}
	roomID := peer.RoomID()

	lock := g.roomLock(roomID)
	lock.Lock()
	g.endCallLocked(roomID, peer.ID(), ps)
	lock.Unlock()

	g.fsm.Unregister(roomID, peer.ID())
	g.registry.Leave(peer)
	g.monitor.Remove(fsmKey(roomID, peer.ID()))
	c.unbind()

	metrics.ActiveRooms.Set(float64(g.registry.RoomCount()))
	metrics.ActivePeers.Set(float64(g.registry.PeerCount()))
}

// teardown closes a connection and synthesizes the Disconnect cleanup,
// exactly once per connection.
func (g *Gateway) teardown(c *Conn) {
	c.closeOnce.Do(func() {
		close(c.done)
		g.teardownPeer(c)
		c.queue.Close()
		c.ws.Close()
		g.conns.Delete(c.id)
		metrics.ActiveConnections.Dec()
	})
}

// teardownTarget handles a peer whose outbound queue rejected a critical
// envelope: resource exhaustion closes the connection.
func (g *Gateway) teardownTarget(roomID, peerID string) {
	g.conns.Range(func(_, v interface{}) bool {
		conn := v.(*Conn)
		if peer, _ := conn.bound(); peer != nil && peer.RoomID() == roomID && peer.ID() == peerID {
			g.logger.Warn("closing connection on control overflow",
				zap.String("room", roomID),
				zap.String("peer", peerID),
			)
			go g.teardown(conn)
			return false
		}
		return true
	})
}

// ExternalJoin admits a non-websocket call leg (the SIP endpoint) into a
// room under the same membership and FSM rules as a websocket peer.
func (g *Gateway) ExternalJoin(roomID, peerID string, out room.Outbound) error {
	if _, err := g.registry.Join(roomID, peerID, out); err != nil {
		return err
	}
	g.fsm.Register(roomID, peerID)
	g.monitor.Register(fsmKey(roomID, peerID))
	metrics.ActiveRooms.Set(float64(g.registry.RoomCount()))
	metrics.ActivePeers.Set(float64(g.registry.PeerCount()))
	return nil
}

// ExternalInvite raises a CallRequest from an external leg toward targets
// already in the room.
func (g *Gateway) ExternalInvite(roomID, from string, targets []string, sdp string) error {
	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ps := g.fsm.Get(roomID, from)
	if ps == nil {
		return ErrIllegalTransition
	}
	if err := ps.BeginInvite(targets, sdp); err != nil {
		return err
	}

	out := &protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      roomID,
		FromPeer:    from,
		ToPeers:     targets,
		SDP:         sdp,
	}
	for _, id := range targets {
		tgtState := g.fsm.Get(roomID, id)
		if tgtState == nil {
			continue
		}
		if err := tgtState.ReceiveInvite(from); err != nil {
			continue
		}
		if tgt := g.registry.Lookup(roomID, id); tgt != nil {
			_ = tgt.Enqueue(out)
		}
	}
	g.armInviteTimer(roomID, from, ps)
	return nil
}

// ExternalLeave unwinds an external leg: active calls end, the media
// session is released, the peer leaves the room.
func (g *Gateway) ExternalLeave(roomID, peerID string) {
	lock := g.roomLock(roomID)
	lock.Lock()
	if ps := g.fsm.Get(roomID, peerID); ps != nil {
		g.endCallLocked(roomID, peerID, ps)
	}
	lock.Unlock()

	g.fsm.Unregister(roomID, peerID)
	if peer := g.registry.Lookup(roomID, peerID); peer != nil {
		g.registry.Leave(peer)
	}
	g.monitor.Remove(fsmKey(roomID, peerID))
	metrics.ActiveRooms.Set(float64(g.registry.RoomCount()))
	metrics.ActivePeers.Set(float64(g.registry.PeerCount()))
}

// handleSessionFailed is the media manager's escalation path: the session
// is already released; the owner learns it may retry, counterparts see the
// call end.
func (g *Gateway) handleSessionFailed(roomID, peerID string) {
	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ps := g.fsm.Get(roomID, peerID)
	if ps == nil {
		return
	}
	for _, cp := range ps.CallPeers() {
		if cpState := g.fsm.Get(roomID, cp); cpState != nil {
			cpState.EndCall(peerID)
			g.monitor.UpdateState(fsmKey(roomID, cp), cpState.State().String())
		}
		if cpPeer := g.registry.Lookup(roomID, cp); cpPeer != nil {
			_ = cpPeer.Enqueue(protocol.EndCall(roomID, peerID))
		}
	}
	ps.ReturnToConnected()
	g.monitor.UpdateState(fsmKey(roomID, peerID), ps.State().String())

	if peer := g.registry.Lookup(roomID, peerID); peer != nil {
		_ = peer.Enqueue(protocol.ConnectionError("media transport failed", true))
	}
}

// handleServerCandidate surfaces a server-side trickle candidate to the
// owning peer.
func (g *Gateway) handleServerCandidate(roomID, peerID, candidate string) {
	if peer := g.registry.Lookup(roomID, peerID); peer != nil {
		_ = peer.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeIceCandidate,
			RoomID:      roomID,
			ToPeer:      peerID,
			Candidate:   candidate,
		})
	}
}

// handleServerOffer delivers a server-initiated renegotiation offer
// (ICE restart) to the owning peer.
func (g *Gateway) handleServerOffer(roomID, peerID, sdp string) {
	if ps := g.fsm.Get(roomID, peerID); ps != nil {
		_ = ps.BeginServerOffer()
	}
	if peer := g.registry.Lookup(roomID, peerID); peer != nil {
		if err := peer.Enqueue(&protocol.Envelope{
			MessageType: protocol.MessageTypeOffer,
			RoomID:      roomID,
			ToPeer:      peerID,
			SDP:         sdp,
		}); err != nil {
			g.teardownTarget(roomID, peerID)
		}
	}
}
