package media

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// collectWriter records written packets, optionally blocking until
// released.
type collectWriter struct {
	mu      sync.Mutex
	pkts    []*rtp.Packet
	blocked chan struct{}
}

func (w *collectWriter) WriteRTP(pkt *rtp.Packet) error {
	if w.blocked != nil {
		<-w.blocked
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pkts = append(w.pkts, pkt)
	return nil
}

func (w *collectWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pkts)
}

func (w *collectWriter) sequence() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	seqs := make([]uint16, len(w.pkts))
	for i, p := range w.pkts {
		seqs[i] = p.SequenceNumber
	}
	return seqs
}

func newTestLink(writer rtpWriter, queueSize int) *Link {
	return &Link{
		peerID:  "sub",
		trackID: "t1",
		queue:   make(chan *rtp.Packet, queueSize),
		writer:  writer,
		done:    make(chan struct{}),
		detach:  func() {},
	}
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLinkPreservesOrder(t *testing.T) {
	writer := &collectWriter{}
	link := newTestLink(writer, 16)
	go link.run()
	defer link.close()

	for seq := uint16(0); seq < 10; seq++ {
		link.enqueue(packet(seq))
	}

	waitFor(t, func() bool { return writer.count() == 10 })
	for i, seq := range writer.sequence() {
		if seq != uint16(i) {
			t.Fatalf("Out of order at %d: got seq %d", i, seq)
		}
	}
	if link.Dropped() != 0 {
		t.Errorf("Expected no drops, got %d", link.Dropped())
	}
}

func TestLinkDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	writer := &collectWriter{blocked: release}
	link := newTestLink(writer, 2)
	go link.run()
	defer link.close()

	// One packet parks in the writer, two fill the queue; the rest must
	// be dropped without blocking this goroutine.
	for seq := uint16(0); seq < 8; seq++ {
		link.enqueue(packet(seq))
	}
	if link.Dropped() == 0 {
		t.Fatal("Expected drops on a full link")
	}
	dropped := link.Dropped()

	// Recovery: the receiver drains, new packets flow, dropped ones are
	// not replayed.
	close(release)
	waitFor(t, func() bool { return writer.count() == int(8-dropped) })

	link.enqueue(packet(100))
	waitFor(t, func() bool { return writer.count() == int(8-dropped)+1 })
	seqs := writer.sequence()
	if seqs[len(seqs)-1] != 100 {
		t.Errorf("Expected fresh packet after recovery, got %d", seqs[len(seqs)-1])
	}
}

func TestLinkEnqueueAfterClose(t *testing.T) {
	writer := &collectWriter{}
	link := newTestLink(writer, 2)
	go link.run()

	link.close()
	link.enqueue(packet(1))
	link.enqueue(packet(2))
	link.enqueue(packet(3))

	// A closed link neither blocks nor panics; nothing is delivered.
	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Errorf("Closed link should not deliver, got %d packets", writer.count())
	}
}

func TestFanOutIsolatesSlowReceiver(t *testing.T) {
	fast := &collectWriter{}
	release := make(chan struct{})
	slow := &collectWriter{blocked: release}

	fastLink := newTestLink(fast, 16)
	slowLink := newTestLink(slow, 2)
	go fastLink.run()
	go slowLink.run()
	defer fastLink.close()
	defer slowLink.close()

	fwd := &Forwarder{
		ownerID: "alice",
		trackID: "t1",
		links:   map[string]*Link{"bob": fastLink, "carol": slowLink},
		closeCh: make(chan struct{}),
	}

	// carol's link is back-pressured; bob must see every packet.
	for seq := uint16(0); seq < 12; seq++ {
		fwd.fanOut(packet(seq))
	}

	waitFor(t, func() bool { return fast.count() == 12 })
	if fastLink.Dropped() != 0 {
		t.Errorf("Fast link should not drop, got %d", fastLink.Dropped())
	}
	if slowLink.Dropped() == 0 {
		t.Error("Slow link should account for dropped packets")
	}

	// Every packet is either delivered or counted as dropped.
	close(release)
	waitFor(t, func() bool {
		return uint64(slow.count())+slowLink.Dropped() == 12
	})

	stats := fwd.Stats("r1")
	if len(stats) != 2 {
		t.Fatalf("Expected 2 link stats, got %d", len(stats))
	}
	for _, st := range stats {
		if st.Owner != "alice" || st.RoomID != "r1" {
			t.Errorf("Unexpected stat identity: %+v", st)
		}
	}
}

func TestLinkCloseIdempotent(t *testing.T) {
	detached := 0
	link := newTestLink(&collectWriter{}, 2)
	link.detach = func() { detached++ }

	link.close()
	link.close()
	if detached != 1 {
		t.Errorf("Expected one detach, got %d", detached)
	}
}
