package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a peer's position in the call lifecycle.
type State int

const (
	// StateConnected means joined, no call in progress
	StateConnected State = iota
	// StateInviting means a CallRequest is outstanding
	StateInviting
	// StateOffered means a renegotiation offer is outstanding
	StateOffered
	// StateAnswering means an incoming CallRequest awaits a response
	StateAnswering
	// StateInCall means media is flowing
	StateInCall
	// StateEnding means an EndCall is being processed
	StateEnding
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInviting:
		return "inviting"
	case StateOffered:
		return "offered"
	case StateAnswering:
		return "answering"
	case StateInCall:
		return "in_call"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrIllegalTransition reports an event that is not legal in the peer's
// current state. The envelope that caused it is dropped, never fatal.
var ErrIllegalTransition = errors.New("illegal signaling transition")

// PeerState is the per-peer signaling state machine. Call transitions
// (CallRequest, CallResponse, EndCall, invite timeout, media failure) are
// serialized by the gateway's room-scoped call lock; the server-offer
// transitions of an ICE restart run outside it. The internal mutex guards
// every method.
type PeerState struct {
	mu sync.Mutex

	roomID string
	peerID string

	state State

	// invites holds the outstanding CallRequest targets while Inviting.
	invites map[string]bool
	// incoming holds the peers whose CallRequest awaits our response.
	incoming map[string]bool
	// callPeers holds established call counterparts while InCall.
	callPeers map[string]bool

	// offerSDP is the SDP carried by our outstanding CallRequest.
	offerSDP string

	inviteTimer *time.Timer
}

func newPeerState(roomID, peerID string) *PeerState {
	return &PeerState{
		roomID:    roomID,
		peerID:    peerID,
		state:     StateConnected,
		invites:   make(map[string]bool),
		incoming:  make(map[string]bool),
		callPeers: make(map[string]bool),
	}
}

// State returns the current state.
func (p *PeerState) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InvitingTo reports whether an invite toward the given peer is
// outstanding.
func (p *PeerState) InvitingTo(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateInviting && p.invites[peerID]
}

// IncomingFrom reports whether the given peer's CallRequest awaits our
// response.
func (p *PeerState) IncomingFrom(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incoming[peerID]
}

// CallPeers returns the established counterparts.
func (p *PeerState) CallPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := make([]string, 0, len(p.callPeers))
	for id := range p.callPeers {
		peers = append(peers, id)
	}
	return peers
}

// OutstandingInvites returns the targets still awaiting a response.
func (p *PeerState) OutstandingInvites() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	targets := make([]string, 0, len(p.invites))
	for id := range p.invites {
		targets = append(targets, id)
	}
	return targets
}

// BeginInvite moves Connected -> Inviting and records the targets and the
// caller's offer. Inviting is also accepted so that a glare winner can
// re-enter with its surviving targets.
func (p *PeerState) BeginInvite(targets []string, offerSDP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConnected && p.state != StateInviting {
		return fmt.Errorf("%w: CallRequest in %s", ErrIllegalTransition, p.state)
	}
	p.state = StateInviting
	for _, t := range targets {
		p.invites[t] = true
	}
	p.offerSDP = offerSDP
	return nil
}

// OfferSDP returns the SDP stored by BeginInvite.
func (p *PeerState) OfferSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerSDP
}

// ReceiveInvite moves Connected -> Answering for an incoming CallRequest.
func (p *PeerState) ReceiveInvite(from string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConnected {
		return fmt.Errorf("%w: incoming CallRequest in %s", ErrIllegalTransition, p.state)
	}
	p.state = StateAnswering
	p.incoming[from] = true
	return nil
}

// GlareLost converts an outstanding mutual invite into an incoming one:
// the peer's own request lost the tie-break and the winner's request takes
// its place.
func (p *PeerState) GlareLost(winner string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.invites, winner)
	p.incoming[winner] = true
	p.state = StateAnswering
	p.stopInviteTimerLocked()
}

// GlareWon voids the loser's already-received request and restores the
// Inviting state for the peer's own request.
func (p *PeerState) GlareWon(loser string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.incoming, loser)
	p.state = StateInviting
}

// Accept moves Answering -> InCall once the peer accepts an incoming call.
func (p *PeerState) Accept(caller string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAnswering || !p.incoming[caller] {
		return fmt.Errorf("%w: CallResponse in %s", ErrIllegalTransition, p.state)
	}
	delete(p.incoming, caller)
	p.callPeers[caller] = true
	p.state = StateInCall
	return nil
}

// Reject moves Answering -> Connected when the peer declines.
func (p *PeerState) Reject(caller string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAnswering || !p.incoming[caller] {
		return fmt.Errorf("%w: CallResponse in %s", ErrIllegalTransition, p.state)
	}
	delete(p.incoming, caller)
	if len(p.incoming) == 0 {
		p.state = StateConnected
	}
	return nil
}

// InviteAccepted moves Inviting -> InCall when a target accepts.
func (p *PeerState) InviteAccepted(target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInviting || !p.invites[target] {
		return fmt.Errorf("%w: CallResponse(accepted) in %s", ErrIllegalTransition, p.state)
	}
	delete(p.invites, target)
	p.callPeers[target] = true
	p.state = StateInCall
	p.stopInviteTimerLocked()
	return nil
}

// InviteRejected clears one target; the peer returns to Connected when no
// invites remain and no call was established.
func (p *PeerState) InviteRejected(target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.invites[target] {
		return fmt.Errorf("%w: CallResponse(rejected) from %s in %s", ErrIllegalTransition, target, p.state)
	}
	delete(p.invites, target)
	if p.state == StateInviting && len(p.invites) == 0 {
		p.state = StateConnected
		p.offerSDP = ""
		p.stopInviteTimerLocked()
	}
	return nil
}

// BeginServerOffer moves InCall -> Offered while a server-initiated
// renegotiation (ICE restart) is outstanding.
func (p *PeerState) BeginServerOffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInCall {
		return fmt.Errorf("%w: server offer in %s", ErrIllegalTransition, p.state)
	}
	p.state = StateOffered
	return nil
}

// ServerOfferAnswered returns Offered -> InCall once the peer's answer
// arrived.
func (p *PeerState) ServerOfferAnswered() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOffered {
		return fmt.Errorf("%w: Answer in %s", ErrIllegalTransition, p.state)
	}
	p.state = StateInCall
	return nil
}

// EndCall clears one counterpart; InCall -> Connected when none remain.
func (p *PeerState) EndCall(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.callPeers, peerID)
	if p.state == StateInCall && len(p.callPeers) == 0 {
		p.state = StateEnding
		// Teardown is synchronous from the gateway's point of view;
		// Ending collapses to Connected immediately once counters are
		// cleared.
		p.state = StateConnected
	}
}

// ReturnToConnected is the recovery transition after media failure or
// negotiation timeout.
func (p *PeerState) ReturnToConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return
	}
	p.state = StateConnected
	p.invites = make(map[string]bool)
	p.incoming = make(map[string]bool)
	p.callPeers = make(map[string]bool)
	p.offerSDP = ""
	p.stopInviteTimerLocked()
}

// Close is terminal. Idempotent.
func (p *PeerState) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateClosed
	p.stopInviteTimerLocked()
}

func (p *PeerState) setInviteTimer(t *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopInviteTimerLocked()
	p.inviteTimer = t
}

func (p *PeerState) stopInviteTimerLocked() {
	if p.inviteTimer != nil {
		p.inviteTimer.Stop()
		p.inviteTimer = nil
	}
}

// FSM is the table of per-peer state machines, keyed by room and peer.
type FSM struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewFSM creates an empty table.
func NewFSM() *FSM {
	return &FSM{peers: make(map[string]*PeerState)}
}

// Register installs a fresh Connected state for a peer.
func (f *FSM) Register(roomID, peerID string) *PeerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := newPeerState(roomID, peerID)
	f.peers[fsmKey(roomID, peerID)] = ps
	return ps
}

// Unregister closes and removes a peer's state.
func (f *FSM) Unregister(roomID, peerID string) {
	f.mu.Lock()
	ps := f.peers[fsmKey(roomID, peerID)]
	delete(f.peers, fsmKey(roomID, peerID))
	f.mu.Unlock()
	if ps != nil {
		ps.Close()
	}
}

// Get returns the peer's state machine, or nil.
func (f *FSM) Get(roomID, peerID string) *PeerState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peers[fsmKey(roomID, peerID)]
}

func fsmKey(roomID, peerID string) string {
	return roomID + "/" + peerID
}
