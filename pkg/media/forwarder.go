package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/pkg/metrics"
)

// linkQueueSize bounds each forwarder link. RTP is loss tolerant, so a full
// queue drops for that receiver only.
const linkQueueSize = 256

// rtpWriter is the sink side of a link. *webrtc.TrackLocalStaticRTP
// satisfies it; tests substitute their own.
type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Forwarder duplicates one remote track's RTP onto a set of links, one per
// co-resident peer. The fan-out never blocks the inbound read loop: each
// link has its own bounded queue and writer goroutine.
type Forwarder struct {
	mu      sync.RWMutex
	ownerID string
	trackID string
	kind    webrtc.RTPCodecType
	remote  *webrtc.TrackRemote

	links map[string]*Link

	closed  atomic.Bool
	closeCh chan struct{}

	forwarded atomic.Uint64
}

// Link is one bounded RTP pipe toward one subscriber.
type Link struct {
	peerID  string
	trackID string
	queue   chan *rtp.Packet
	writer  rtpWriter
	done    chan struct{}
	once    sync.Once

	// detach removes the local track from the subscriber's connection.
	detach func()

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewForwarder creates a forwarder for a published remote track.
func NewForwarder(ownerID string, remote *webrtc.TrackRemote) *Forwarder {
	return &Forwarder{
		ownerID: ownerID,
		trackID: remote.ID(),
		kind:    remote.Kind(),
		remote:  remote,
		links:   make(map[string]*Link),
		closeCh: make(chan struct{}),
	}
}

// OwnerID returns the publishing peer's id.
func (f *Forwarder) OwnerID() string { return f.ownerID }

// TrackID returns the forwarded track's id.
func (f *Forwarder) TrackID() string { return f.trackID }

// Kind returns the track kind (audio/video).
func (f *Forwarder) Kind() webrtc.RTPCodecType { return f.kind }

// AddSubscriber creates a link toward the given session. The local track
// is attached to the subscriber's connection; its packets follow per-link
// FIFO order.
func (f *Forwarder) AddSubscriber(sub *Session) error {
	if f.closed.Load() {
		return ErrForwarderClosed
	}

	f.mu.RLock()
	_, exists := f.links[sub.peerID]
	f.mu.RUnlock()
	if exists {
		return nil
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		f.remote.Codec().RTPCodecCapability,
		f.remote.ID(),
		f.remote.StreamID(),
	)
	if err != nil {
		return err
	}
	if err := sub.addTrack(local); err != nil {
		return err
	}

	link := &Link{
		peerID:  sub.peerID,
		trackID: f.trackID,
		queue:   make(chan *rtp.Packet, linkQueueSize),
		writer:  local,
		done:    make(chan struct{}),
		detach:  func() { sub.removeTrack(f.trackID) },
	}

	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		link.detach()
		return ErrForwarderClosed
	}
	if _, exists := f.links[sub.peerID]; exists {
		f.mu.Unlock()
		link.detach()
		return nil
	}
	f.links[sub.peerID] = link
	f.mu.Unlock()

	go link.run()
	return nil
}

// RemoveSubscriber tears down the link toward a peer.
func (f *Forwarder) RemoveSubscriber(peerID string) {
	f.mu.Lock()
	link, exists := f.links[peerID]
	delete(f.links, peerID)
	f.mu.Unlock()

	if exists {
		link.close()
	}
}

// Subscribers returns the ids of the linked peers.
func (f *Forwarder) Subscribers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.links))
	for id := range f.links {
		ids = append(ids, id)
	}
	return ids
}

// Start runs the inbound read loop until the track ends or the forwarder
// is closed. Pure relay: packets are not decoded.
func (f *Forwarder) Start() {
	defer f.Close()

	for {
		select {
		case <-f.closeCh:
			return
		default:
		}

		// Raw RTP, no decoding.
		pkt, _, err := f.remote.ReadRTP()
		if err != nil {
			// io.EOF when the track ends; anything else means the
			// transport died. The forwarder is done either way.
			return
		}
		f.fanOut(pkt)
	}
}

// fanOut enqueues a packet on every link. A full link drops the packet for
// that receiver only and counts it; the read loop is never blocked and no
// registry lock is held here.
func (f *Forwarder) fanOut(pkt *rtp.Packet) {
	f.mu.RLock()
	links := make([]*Link, 0, len(f.links))
	for _, l := range f.links {
		links = append(links, l)
	}
	f.mu.RUnlock()

	f.forwarded.Add(1)
	for _, l := range links {
		l.enqueue(pkt)
	}
}

// Close stops the read loop and tears down every link.
func (f *Forwarder) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	close(f.closeCh)

	f.mu.Lock()
	links := f.links
	f.links = make(map[string]*Link)
	f.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// Stats reports the forwarder's per-link counters.
func (f *Forwarder) Stats(roomID string) []metrics.LinkStat {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := make([]metrics.LinkStat, 0, len(f.links))
	for _, l := range f.links {
		stats = append(stats, metrics.LinkStat{
			RoomID:     roomID,
			Owner:      f.ownerID,
			Subscriber: l.peerID,
			TrackID:    f.trackID,
			Kind:       f.kind.String(),
			Forwarded:  l.forwarded.Load(),
			Dropped:    l.dropped.Load(),
		})
	}
	return stats
}

func (l *Link) enqueue(pkt *rtp.Packet) {
	select {
	case <-l.done:
	case l.queue <- pkt:
	default:
		l.dropped.Add(1)
		metrics.RTPPacketsDroppedTotal.Inc()
	}
}

// run drains the queue onto the local track. Write errors on a closing
// subscriber are expected and skipped; the link is removed by membership
// reconciliation, not by the writer.
func (l *Link) run() {
	for {
		select {
		case <-l.done:
			return
		case pkt := <-l.queue:
			if err := l.writer.WriteRTP(pkt); err != nil {
				// io.ErrClosedPipe while the subscriber renegotiates;
				// keep draining, reconciliation owns link removal.
				continue
			}
			l.forwarded.Add(1)
			metrics.RTPPacketsForwardedTotal.Inc()
		}
	}
}

func (l *Link) close() {
	l.once.Do(func() {
		close(l.done)
		l.detach()
	})
}

// Dropped returns the link's drop counter.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }
