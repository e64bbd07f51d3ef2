package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LinkStat is one forwarder link's counters, reported by the media layer.
type LinkStat struct {
	RoomID     string `json:"room_id"`
	Owner      string `json:"owner"`
	Subscriber string `json:"subscriber"`
	TrackID    string `json:"track_id"`
	Kind       string `json:"kind"`
	Forwarded  uint64 `json:"forwarded"`
	Dropped    uint64 `json:"dropped"`
}

// ConnectionStats is the tracked state of one signaling peer.
type ConnectionStats struct {
	State             string    `json:"connection_state"`
	LastActivity      time.Time `json:"-"`
	LastActivitySecs  int64     `json:"last_activity_secs"`
	IceCandidatesSeen int       `json:"ice_candidates_received"`
}

// Snapshot is the read-only view served by the monitoring facade.
type Snapshot struct {
	UptimeSecs  int64                      `json:"uptime_secs"`
	Rooms       int                        `json:"rooms"`
	Peers       int                        `json:"peers"`
	Sessions    int                        `json:"media_sessions"`
	Connections map[string]ConnectionStats `json:"connections"`
	Links       []LinkStat                 `json:"links"`
}

// Alert is one triggered monitoring rule.
type Alert struct {
	Rule     string `json:"rule"`
	Subject  string `json:"subject"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// Source supplies live totals to the monitor without coupling it to the
// registry or media packages.
type Source struct {
	Rooms    func() int
	Peers    func() int
	Sessions func() int
	Links    func() []LinkStat
}

// Monitor keeps per-peer connection state and computes snapshots and
// alerts for the read-only monitoring facade.
type Monitor struct {
	mu     sync.RWMutex
	start  time.Time
	conns  map[string]*ConnectionStats
	source Source
	logger *zap.Logger
}

// NewMonitor creates a monitor backed by the given source functions.
func NewMonitor(source Source, logger *zap.Logger) *Monitor {
	return &Monitor{
		start:  time.Now(),
		conns:  make(map[string]*ConnectionStats),
		source: source,
		logger: logger,
	}
}

// Register starts tracking a peer connection.
func (m *Monitor) Register(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[key] = &ConnectionStats{State: "new", LastActivity: time.Now()}
}

// UpdateState records a signaling state change for a peer.
func (m *Monitor) UpdateState(key, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.conns[key]; ok {
		st.State = state
		st.LastActivity = time.Now()
	}
}

// RecordICECandidate counts a trickle candidate for a peer.
func (m *Monitor) RecordICECandidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.conns[key]; ok {
		st.IceCandidatesSeen++
		st.LastActivity = time.Now()
	}
}

// Remove stops tracking a peer connection.
func (m *Monitor) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, key)
}

// Snapshot assembles the current monitoring view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	conns := make(map[string]ConnectionStats, len(m.conns))
	for k, st := range m.conns {
		c := *st
		c.LastActivitySecs = int64(time.Since(st.LastActivity).Seconds())
		conns[k] = c
	}
	m.mu.RUnlock()

	snap := Snapshot{
		UptimeSecs:  int64(time.Since(m.start).Seconds()),
		Connections: conns,
	}
	if m.source.Rooms != nil {
		snap.Rooms = m.source.Rooms()
	}
	if m.source.Peers != nil {
		snap.Peers = m.source.Peers()
	}
	if m.source.Sessions != nil {
		snap.Sessions = m.source.Sessions()
	}
	if m.source.Links != nil {
		snap.Links = m.source.Links()
	}
	return snap
}

const (
	// Links dropping more than this share of packets are flagged.
	dropRatioThreshold = 0.05
	// Connections silent longer than this are flagged.
	staleAfter = 5 * time.Minute
)

// Alerts evaluates the monitoring rules against the current snapshot.
func (m *Monitor) Alerts() []Alert {
	snap := m.Snapshot()
	alerts := []Alert{}

	for _, link := range snap.Links {
		total := link.Forwarded + link.Dropped
		if total == 0 {
			continue
		}
		if ratio := float64(link.Dropped) / float64(total); ratio > dropRatioThreshold {
			alerts = append(alerts, Alert{
				Rule:     "high_drop_ratio",
				Subject:  link.Owner + "->" + link.Subscriber,
				Detail:   link.TrackID,
				Severity: "warning",
			})
		}
	}
	for key, st := range snap.Connections {
		if st.LastActivitySecs > int64(staleAfter.Seconds()) {
			alerts = append(alerts, Alert{
				Rule:     "stale_connection",
				Subject:  key,
				Detail:   st.State,
				Severity: "info",
			})
		}
	}
	return alerts
}

var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and pushes a snapshot every interval until
// the client goes away.
func (m *Monitor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := monitorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("monitoring ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain control frames so pong/close are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(m.Snapshot()); err != nil {
			return
		}
		<-ticker.C
	}
}
