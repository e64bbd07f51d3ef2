package signaling

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/media"
	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/protocol"
	"github.com/confmesh/confmesh/pkg/room"
	"github.com/confmesh/confmesh/pkg/turn"
)

// testServer is a full signaling stack over httptest.
type testServer struct {
	srv      *httptest.Server
	gateway  *Gateway
	registry *room.Registry
	media    *media.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()

	registry := room.NewRegistry(logger)
	mediaMgr, err := media.NewManager(media.Config{}, logger)
	if err != nil {
		t.Fatalf("media manager: %v", err)
	}
	registry.OnMembershipChanged(mediaMgr.HandleMembership)

	monitor := metrics.NewMonitor(metrics.Source{
		Rooms:    registry.RoomCount,
		Peers:    registry.PeerCount,
		Sessions: mediaMgr.SessionCount,
		Links:    mediaMgr.LinkStats,
	}, logger)

	gw := NewGateway(registry, mediaMgr, monitor, logger)
	issuer := &turn.Issuer{Secret: "test", TTL: time.Hour}
	srv := httptest.NewServer(NewRouter(gw, issuer, monitor))

	t.Cleanup(func() {
		gw.Shutdown()
		mediaMgr.Close()
		srv.Close()
	})
	return &testServer{srv: srv, gateway: gw, registry: registry, media: mediaMgr}
}

// testClient drives one signaling connection.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	recv chan *protocol.Envelope
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	c := &testClient{t: t, conn: conn, recv: make(chan *protocol.Envelope, 64)}
	go func() {
		defer close(c.recv)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			c.recv <- env
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()
	data, err := env.Encode()
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) join(roomID, peerID string) {
	c.t.Helper()
	c.send(&protocol.Envelope{MessageType: protocol.MessageTypeJoin, RoomID: roomID, PeerID: peerID})
	c.expect(protocol.MessageTypePeerList)
}

// expect waits for the next envelope of the given type, skipping others.
func (c *testClient) expect(mt protocol.MessageType) *protocol.Envelope {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.recv:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", mt)
			}
			if env.MessageType == mt {
				return env
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", mt)
		}
	}
}

// expectNone asserts no envelope of the given type arrives in the window.
func (c *testClient) expectNone(mt protocol.MessageType, window time.Duration) {
	c.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env, ok := <-c.recv:
			if !ok {
				return
			}
			if env.MessageType == mt {
				c.t.Fatalf("unexpected %s: %+v", mt, env)
			}
		case <-deadline:
			return
		}
	}
}

// newOffer creates a real SDP offer with an audio transceiver.
func newOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return offer.SDP
}

func TestJoinAndPeerList(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)

	alice.join("r1", "alice")
	bob.join("r1", "bob")

	// alice observes bob's arrival.
	list := alice.expect(protocol.MessageTypePeerList)
	if len(list.Peers) != 2 || list.Peers[0] != "alice" || list.Peers[1] != "bob" {
		t.Errorf("Unexpected peer list: %v", list.Peers)
	}

	bob.send(&protocol.Envelope{MessageType: protocol.MessageTypeRequestPeerList, RoomID: "r1"})
	list = bob.expect(protocol.MessageTypePeerList)
	if len(list.Peers) != 2 {
		t.Errorf("Expected 2 peers, got %v", list.Peers)
	}
}

func TestDuplicatePeerIDRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	imposter := ts.dial(t)

	alice.join("r1", "alice")
	imposter.send(&protocol.Envelope{MessageType: protocol.MessageTypeJoin, RoomID: "r1", PeerID: "alice"})

	errEnv := imposter.expect(protocol.MessageTypeConnectionError)
	if errEnv.ShouldRetry {
		t.Error("Duplicate peer id should not be retryable")
	}
}

func TestTwoPeerCall(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	alice.join("r1", "alice")
	bob.join("r1", "bob")
	alice.expect(protocol.MessageTypePeerList)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})

	req := bob.expect(protocol.MessageTypeCallRequest)
	if req.FromPeer != "alice" || req.SDP == "" {
		t.Fatalf("Unexpected call request: %+v", req)
	}

	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeer:      "alice",
		Accepted:    protocol.Bool(true),
		SDP:         newOffer(t),
	})

	// The caller receives the acceptance carrying the server's answer to
	// its offer; the callee gets its answer as a separate envelope.
	resp := alice.expect(protocol.MessageTypeCallResponse)
	if !resp.IsAccepted() || resp.SDP == "" {
		t.Fatalf("Expected accepted response with SDP, got %+v", resp)
	}
	answer := bob.expect(protocol.MessageTypeAnswer)
	if answer.SDP == "" {
		t.Fatal("Expected answer SDP for the callee")
	}

	// Both sides hold media sessions.
	if ts.media.Get("r1", "alice") == nil || ts.media.Get("r1", "bob") == nil {
		t.Error("Both peers should own media sessions")
	}
	if ts.gateway.fsm.Get("r1", "alice").State() != StateInCall {
		t.Error("alice should be InCall")
	}
	if ts.gateway.fsm.Get("r1", "bob").State() != StateInCall {
		t.Error("bob should be InCall")
	}
}

func TestCallRejection(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	alice.join("r1", "alice")
	bob.join("r1", "bob")
	alice.expect(protocol.MessageTypePeerList)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})
	bob.expect(protocol.MessageTypeCallRequest)

	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeer:      "alice",
		Accepted:    protocol.Bool(false),
		Reason:      "busy",
	})

	resp := alice.expect(protocol.MessageTypeCallResponse)
	if resp.IsAccepted() || resp.Reason != "busy" {
		t.Fatalf("Expected busy rejection, got %+v", resp)
	}
	if ts.media.Get("r1", "alice") != nil || ts.media.Get("r1", "bob") != nil {
		t.Error("No media session should exist after rejection")
	}

	// A second request is immediately legal.
	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})
	bob.expect(protocol.MessageTypeCallRequest)
}

func TestGlare(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	alice.join("r1", "alice")
	bob.join("r1", "bob")
	alice.expect(protocol.MessageTypePeerList)

	// bob's request is processed first, then alice's; the tie-break keeps
	// alice's request (alice < bob).
	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeers:     []string{"alice"},
		SDP:         newOffer(t),
	})
	alice.expect(protocol.MessageTypeCallRequest)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})

	// The losing side sees the winner's request as a normal incoming
	// call; the winner receives no further CallRequest.
	req := bob.expect(protocol.MessageTypeCallRequest)
	if req.FromPeer != "alice" {
		t.Fatalf("bob should receive alice's request, got from %s", req.FromPeer)
	}
	alice.expectNone(protocol.MessageTypeCallRequest, 200*time.Millisecond)

	// The surviving request completes normally.
	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeer:      "alice",
		Accepted:    protocol.Bool(true),
		SDP:         newOffer(t),
	})
	resp := alice.expect(protocol.MessageTypeCallResponse)
	if !resp.IsAccepted() {
		t.Fatalf("Expected acceptance, got %+v", resp)
	}
}

func TestDisconnectMidCall(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	alice.join("r1", "alice")
	bob.join("r1", "bob")
	alice.expect(protocol.MessageTypePeerList)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})
	bob.expect(protocol.MessageTypeCallRequest)
	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeer:      "alice",
		Accepted:    protocol.Bool(true),
		SDP:         newOffer(t),
	})
	alice.expect(protocol.MessageTypeCallResponse)
	bob.expect(protocol.MessageTypeAnswer)

	// alice vanishes without a Disconnect.
	alice.conn.Close()

	end := bob.expect(protocol.MessageTypeEndCall)
	if end.FromPeer != "alice" {
		t.Errorf("EndCall should name alice, got %s", end.FromPeer)
	}
	list := bob.expect(protocol.MessageTypePeerList)
	if len(list.Peers) != 1 || list.Peers[0] != "bob" {
		t.Errorf("Peer list should drop alice: %v", list.Peers)
	}

	waitForCondition(t, func() bool {
		return ts.registry.Lookup("r1", "alice") == nil &&
			ts.media.Get("r1", "alice") == nil &&
			ts.media.Get("r1", "bob") == nil
	})
}

func TestEndCall(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	alice.join("r1", "alice")
	bob.join("r1", "bob")
	alice.expect(protocol.MessageTypePeerList)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallRequest,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeers:     []string{"bob"},
		SDP:         newOffer(t),
	})
	bob.expect(protocol.MessageTypeCallRequest)
	bob.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeCallResponse,
		RoomID:      "r1",
		FromPeer:    "bob",
		ToPeer:      "alice",
		Accepted:    protocol.Bool(true),
		SDP:         newOffer(t),
	})
	alice.expect(protocol.MessageTypeCallResponse)
	bob.expect(protocol.MessageTypeAnswer)

	alice.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeEndCall,
		RoomID:      "r1",
		FromPeer:    "alice",
	})

	end := bob.expect(protocol.MessageTypeEndCall)
	if end.FromPeer != "alice" {
		t.Errorf("EndCall should name alice, got %s", end.FromPeer)
	}

	waitForCondition(t, func() bool {
		return ts.media.Get("r1", "alice") == nil && ts.media.Get("r1", "bob") == nil
	})

	// Both peers remain in the room, back in Connected.
	if ts.registry.Lookup("r1", "alice") == nil || ts.registry.Lookup("r1", "bob") == nil {
		t.Error("EndCall must not remove peers from the room")
	}
	if ts.gateway.fsm.Get("r1", "alice").State() != StateConnected {
		t.Error("alice should be Connected after EndCall")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestUnknownTypeIgnored(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	alice.join("r1", "alice")

	alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"Telemetry"}`))

	// The connection stays usable.
	alice.send(&protocol.Envelope{MessageType: protocol.MessageTypeRequestPeerList, RoomID: "r1"})
	alice.expect(protocol.MessageTypePeerList)
}

func TestCrossRoomRoutingRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	mallory := ts.dial(t)
	alice.join("r1", "alice")
	mallory.join("r2", "mallory")

	mallory.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeOffer,
		RoomID:      "r1",
		FromPeer:    "mallory",
		ToPeer:      "alice",
		SDP:         "v=0",
	})
	errEnv := mallory.expect(protocol.MessageTypeConnectionError)
	if errEnv.ShouldRetry {
		t.Error("Routing violation should not be retryable")
	}
	alice.expectNone(protocol.MessageTypeOffer, 200*time.Millisecond)
}

func TestSpoofedFromPeerRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	mallory := ts.dial(t)
	alice.join("r1", "alice")
	mallory.join("r1", "mallory")
	alice.expect(protocol.MessageTypePeerList)

	mallory.send(&protocol.Envelope{
		MessageType: protocol.MessageTypeIceCandidate,
		RoomID:      "r1",
		FromPeer:    "alice",
		ToPeer:      "alice",
		Candidate:   "candidate:fake",
	})
	mallory.expect(protocol.MessageTypeConnectionError)
	alice.expectNone(protocol.MessageTypeIceCandidate, 200*time.Millisecond)
}

func TestThreeStrikesCloses(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	alice.join("r1", "alice")

	for i := 0; i < violationLimit; i++ {
		alice.conn.WriteMessage(websocket.TextMessage, []byte("{broken"))
	}

	waitForCondition(t, func() bool {
		return ts.registry.Lookup("r1", "alice") == nil
	})
}
