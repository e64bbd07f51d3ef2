package media

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/metrics"
)

// Config holds the room-wide transport configuration media sessions are
// built with.
type Config struct {
	// ICEServers is the STUN/TURN set advertised to the server-side agent.
	ICEServers []webrtc.ICEServer
	// LoggerFactory feeds the pion internals.
	LoggerFactory logging.LoggerFactory
}

// Manager owns every media session, keyed by room and peer id. Sessions
// hold peer ids only; all cross-layer traffic goes through lookups here,
// never through stored handles.
type Manager struct {
	mu     sync.RWMutex
	api    *webrtc.API
	cfg    webrtc.Configuration
	logger *zap.Logger

	// rooms: roomID -> peerID -> session.
	rooms map[string]map[string]*Session

	// pendingICE buffers candidates that arrive before the session exists,
	// keyed roomID+"/"+peerID.
	pendingICE map[string][]string

	onSessionFailed func(roomID, peerID string)
	onICECandidate  func(roomID, peerID, candidate string)
	onRenegotiate   func(roomID, peerID, sdp string)
}

// NewManager builds the WebRTC API with default codecs and the shared
// logger factory.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		settings = webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithSettingEngine(settings),
	)

	return &Manager{
		api:        api,
		cfg:        webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger:     logger,
		rooms:      make(map[string]map[string]*Session),
		pendingICE: make(map[string][]string),
	}, nil
}

// SetOnSessionFailed sets the callback for sessions closed after the
// retry budget. The owning peer should receive a retryable error.
func (m *Manager) SetOnSessionFailed(fn func(roomID, peerID string)) {
	m.onSessionFailed = fn
}

// SetOnICECandidate sets the callback for server-side trickle candidates.
func (m *Manager) SetOnICECandidate(fn func(roomID, peerID, candidate string)) {
	m.onICECandidate = fn
}

// SetOnRenegotiate sets the callback for server-initiated offers
// (ICE restart).
func (m *Manager) SetOnRenegotiate(fn func(roomID, peerID, sdp string)) {
	m.onRenegotiate = fn
}

// Create builds the media session for a peer. Candidates that arrived
// early are flushed into the new session's trickle buffer.
func (m *Manager) Create(roomID, peerID string) (*Session, error) {
	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, err
	}

	session := &Session{
		roomID:     roomID,
		peerID:     peerID,
		pc:         pc,
		mgr:        m,
		logger:     m.logger,
		forwarders: make(map[string]*Forwarder),
	}
	session.health = newWatchdog(session, m.logger)
	session.setupEventHandlers()

	key := sessionKey(roomID, peerID)

	m.mu.Lock()
	peers := m.rooms[roomID]
	if peers == nil {
		peers = make(map[string]*Session)
		m.rooms[roomID] = peers
	}
	if _, exists := peers[peerID]; exists {
		m.mu.Unlock()
		session.Close()
		return nil, ErrSessionExists
	}
	peers[peerID] = session
	early := m.pendingICE[key]
	delete(m.pendingICE, key)
	others := make([]*Session, 0, len(peers))
	for id, s := range peers {
		if id != peerID {
			others = append(others, s)
		}
	}
	m.mu.Unlock()

	for _, candidate := range early {
		_ = session.AddICE(candidate)
	}

	// Subscribe the new session to everything already published in the room.
	for _, other := range others {
		for _, fwd := range other.forwarderSnapshot() {
			if err := fwd.AddSubscriber(session); err != nil {
				m.logger.Warn("subscribe failed",
					zap.String("room", roomID),
					zap.String("peer", peerID),
					zap.String("track", fwd.TrackID()),
					zap.Error(err),
				)
			}
		}
	}

	metrics.ActiveMediaSessions.Inc()
	m.logger.Info("media session created",
		zap.String("room", roomID),
		zap.String("peer", peerID),
	)
	return session, nil
}

// Get returns the session for a peer, or nil.
func (m *Manager) Get(roomID, peerID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID][peerID]
}

// Release closes and forgets a peer's session. Idempotent. Links toward
// the departing peer are removed from every other session in the room.
func (m *Manager) Release(roomID, peerID string) {
	m.mu.Lock()
	peers := m.rooms[roomID]
	session := peers[peerID]
	if session != nil {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(m.rooms, roomID)
		}
	}
	key := sessionKey(roomID, peerID)
	delete(m.pendingICE, key)
	others := make([]*Session, 0, len(peers))
	for _, s := range peers {
		others = append(others, s)
	}
	m.mu.Unlock()

	if session == nil {
		return
	}

	for _, other := range others {
		for _, fwd := range other.forwarderSnapshot() {
			fwd.RemoveSubscriber(peerID)
		}
	}

	session.Close()
	metrics.ActiveMediaSessions.Dec()
	m.logger.Info("media session released",
		zap.String("room", roomID),
		zap.String("peer", peerID),
	)
}

// AddICE routes a trickle candidate to a peer's session, buffering it when
// the session does not exist yet. FIFO, bounded, drop-oldest.
func (m *Manager) AddICE(roomID, peerID, candidate string) error {
	if session := m.Get(roomID, peerID); session != nil {
		return session.AddICE(candidate)
	}

	key := sessionKey(roomID, peerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.pendingICE[key]
	if len(buf) >= pendingICECap {
		buf = buf[1:]
	}
	m.pendingICE[key] = append(buf, candidate)
	return nil
}

// HandleMembership reconciles forwarder links with a membership snapshot.
// Called by the registry inside the room's critical section; lock order is
// always room, then manager, then session.
func (m *Manager) HandleMembership(roomID string, peers []string) {
	member := make(map[string]bool, len(peers))
	for _, id := range peers {
		member[id] = true
	}

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.rooms[roomID]))
	byID := make(map[string]*Session, len(m.rooms[roomID]))
	for id, s := range m.rooms[roomID] {
		sessions = append(sessions, s)
		byID[id] = s
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		for _, fwd := range s.forwarderSnapshot() {
			// Drop links to departed peers.
			for _, sub := range fwd.Subscribers() {
				if !member[sub] {
					fwd.RemoveSubscriber(sub)
				}
			}
			// Link every co-resident session. AddSubscriber is
			// idempotent for existing links.
			for id, other := range byID {
				if id == s.peerID || !member[id] {
					continue
				}
				if err := fwd.AddSubscriber(other); err != nil && err != ErrForwarderClosed {
					m.logger.Warn("link rebuild failed",
						zap.String("room", roomID),
						zap.String("owner", s.peerID),
						zap.String("subscriber", id),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, peers := range m.rooms {
		total += len(peers)
	}
	return total
}

// LinkStats reports every forwarder link for the monitoring facade.
func (m *Manager) LinkStats() []metrics.LinkStat {
	m.mu.RLock()
	type roomSession struct {
		roomID  string
		session *Session
	}
	sessions := make([]roomSession, 0)
	for roomID, peers := range m.rooms {
		for _, s := range peers {
			sessions = append(sessions, roomSession{roomID, s})
		}
	}
	m.mu.RUnlock()

	stats := make([]metrics.LinkStat, 0)
	for _, rs := range sessions {
		for _, fwd := range rs.session.forwarderSnapshot() {
			stats = append(stats, fwd.Stats(rs.roomID)...)
		}
	}
	return stats
}

// Close releases every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0)
	for _, peers := range m.rooms {
		for _, s := range peers {
			sessions = append(sessions, s)
		}
	}
	m.rooms = make(map[string]map[string]*Session)
	m.pendingICE = make(map[string][]string)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// onTrackPublished creates the forwarder for a newly published track and
// links every co-resident session.
func (m *Manager) onTrackPublished(s *Session, track *webrtc.TrackRemote) {
	fwd := NewForwarder(s.peerID, track)
	if !s.registerForwarder(fwd) {
		return
	}

	m.mu.RLock()
	others := make([]*Session, 0, len(m.rooms[s.roomID]))
	for id, other := range m.rooms[s.roomID] {
		if id != s.peerID {
			others = append(others, other)
		}
	}
	m.mu.RUnlock()

	for _, other := range others {
		if err := fwd.AddSubscriber(other); err != nil {
			m.logger.Warn("subscribe failed",
				zap.String("room", s.roomID),
				zap.String("owner", s.peerID),
				zap.String("subscriber", other.peerID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("track published",
		zap.String("room", s.roomID),
		zap.String("peer", s.peerID),
		zap.String("track", track.ID()),
		zap.String("kind", track.Kind().String()),
	)
	go fwd.Start()
}

// escalate closes a session whose transport failed past the retry budget
// and notifies the signaling layer with a retryable error.
func (m *Manager) escalate(s *Session) {
	if s.IsClosed() {
		return
	}
	metrics.MediaSessionFailuresTotal.Inc()
	m.Release(s.roomID, s.peerID)
	if m.onSessionFailed != nil {
		m.onSessionFailed(s.roomID, s.peerID)
	}
}

func (m *Manager) emitICECandidate(roomID, peerID, candidate string) {
	if m.onICECandidate != nil {
		m.onICECandidate(roomID, peerID, candidate)
	}
}

func (m *Manager) emitRenegotiate(roomID, peerID, sdp string) {
	if m.onRenegotiate != nil {
		m.onRenegotiate(roomID, peerID, sdp)
	}
}

func sessionKey(roomID, peerID string) string {
	return roomID + "/" + peerID
}
