package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// pendingICECap bounds the per-peer trickle buffer. FIFO, drop-oldest.
const pendingICECap = 64

// Session is the server-side WebRTC endpoint for one peer. It owns the
// peer connection, the forwarders for the tracks this peer publishes, and
// the trickle-ICE buffer that holds candidates until the remote
// description lands.
type Session struct {
	mu sync.Mutex

	roomID string
	peerID string
	pc     *webrtc.PeerConnection
	mgr    *Manager
	logger *zap.Logger

	// forwarders: published remote track id -> forwarder.
	forwarders map[string]*Forwarder

	pendingICE []string
	remoteSet  bool
	closed     bool

	health *watchdog
}

// RoomID returns the owning room id.
func (s *Session) RoomID() string { return s.roomID }

// PeerID returns the owning peer id.
func (s *Session) PeerID() string { return s.peerID }

// setupEventHandlers wires the peer connection callbacks. Grounded in the
// session's lifecycle: OnTrack publishes a forwarder, OnICECandidate
// surfaces server candidates toward the client, state changes feed the
// health watchdog.
func (s *Session) setupEventHandlers() {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.mgr.onTrackPublished(s, track)
	})

	s.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.mgr.emitICECandidate(s.roomID, s.peerID, candidate.ToJSON().Candidate)
	})

	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.health.onICEState(state)
	})
}

// ApplyOffer installs the peer's offer and returns the server's answer.
// Buffered candidates are flushed, in order, once the remote description
// is set.
func (s *Session) ApplyOffer(sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	s.flushPendingLocked()
	return answer.SDP, nil
}

// ApplyAnswer installs the peer's answer to a server-initiated offer.
func (s *Session) ApplyAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	s.flushPendingLocked()
	return nil
}

// AddICE applies a trickle candidate, buffering FIFO up to the cap while
// the remote description is still pending. Overflow drops the oldest.
func (s *Session) AddICE(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.remoteSet {
		if len(s.pendingICE) >= pendingICECap {
			s.pendingICE = s.pendingICE[1:]
		}
		s.pendingICE = append(s.pendingICE, candidate)
		return nil
	}
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (s *Session) flushPendingLocked() {
	s.remoteSet = true
	for _, candidate := range s.pendingICE {
		if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
			s.logger.Warn("buffered candidate rejected",
				zap.String("peer", s.peerID),
				zap.Error(err),
			)
		}
	}
	s.pendingICE = nil
}

// restartOffer creates an ICE-restart offer to recover a failing
// transport. The answer comes back through ApplyAnswer.
func (s *Session) restartOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	// The remote description is stale until the answer arrives.
	s.remoteSet = false
	return offer.SDP, nil
}

// addTrack attaches a local track (a forwarder link sink) to this peer's
// connection.
func (s *Session) addTrack(track *webrtc.TrackLocalStaticRTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	_, err := s.pc.AddTrack(track)
	return err
}

// removeTrack detaches a forwarded track from this peer's connection.
func (s *Session) removeTrack(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, sender := range s.pc.GetSenders() {
		if sender.Track() != nil && sender.Track().ID() == trackID {
			_ = s.pc.RemoveTrack(sender)
			return
		}
	}
}

// registerForwarder records a forwarder for a track published by this
// session and returns false when the session is already closed.
func (s *Session) registerForwarder(fwd *Forwarder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.forwarders[fwd.TrackID()] = fwd
	return true
}

// forwarderSnapshot returns this session's forwarders.
func (s *Session) forwarderSnapshot() []*Forwarder {
	s.mu.Lock()
	defer s.mu.Unlock()

	fwds := make([]*Forwarder, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		fwds = append(fwds, f)
	}
	return fwds
}

// IsClosed reports whether the session has been released.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the peer connection and every forwarder this session
// owns. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc := s.pc
	forwarders := make([]*Forwarder, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		forwarders = append(forwarders, f)
	}
	s.forwarders = make(map[string]*Forwarder)
	s.mu.Unlock()

	s.health.stop()
	for _, f := range forwarders {
		f.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}
