package signaling

import (
	"errors"
	"testing"
)

func TestCallLifecycle(t *testing.T) {
	f := NewFSM()
	caller := f.Register("r1", "alice")
	callee := f.Register("r1", "bob")

	if caller.State() != StateConnected {
		t.Fatalf("Fresh peer should be Connected, got %s", caller.State())
	}

	if err := caller.BeginInvite([]string{"bob"}, "offer-sdp"); err != nil {
		t.Fatalf("BeginInvite failed: %v", err)
	}
	if !caller.InvitingTo("bob") {
		t.Error("caller should be inviting bob")
	}
	if caller.OfferSDP() != "offer-sdp" {
		t.Error("offer SDP not stored")
	}

	if err := callee.ReceiveInvite("alice"); err != nil {
		t.Fatalf("ReceiveInvite failed: %v", err)
	}
	if callee.State() != StateAnswering {
		t.Errorf("callee should be Answering, got %s", callee.State())
	}

	if err := callee.Accept("alice"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := caller.InviteAccepted("bob"); err != nil {
		t.Fatalf("InviteAccepted failed: %v", err)
	}
	if caller.State() != StateInCall || callee.State() != StateInCall {
		t.Errorf("Both sides should be InCall: %s / %s", caller.State(), callee.State())
	}

	caller.EndCall("bob")
	callee.EndCall("alice")
	if caller.State() != StateConnected || callee.State() != StateConnected {
		t.Errorf("Both sides should be Connected after EndCall: %s / %s", caller.State(), callee.State())
	}
}

func TestRejectionReturnsToConnected(t *testing.T) {
	f := NewFSM()
	caller := f.Register("r1", "alice")
	callee := f.Register("r1", "bob")

	caller.BeginInvite([]string{"bob"}, "sdp")
	callee.ReceiveInvite("alice")

	if err := callee.Reject("alice"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := caller.InviteRejected("bob"); err != nil {
		t.Fatalf("InviteRejected failed: %v", err)
	}
	if caller.State() != StateConnected || callee.State() != StateConnected {
		t.Errorf("Both sides should be Connected: %s / %s", caller.State(), callee.State())
	}

	// A second request is immediately legal.
	if err := caller.BeginInvite([]string{"bob"}, "sdp2"); err != nil {
		t.Errorf("Second invite should be legal: %v", err)
	}
}

func TestIllegalTransitionsDropped(t *testing.T) {
	f := NewFSM()
	ps := f.Register("r1", "alice")

	if err := ps.Accept("bob"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Accept in Connected should be illegal, got %v", err)
	}
	if err := ps.InviteAccepted("bob"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("InviteAccepted in Connected should be illegal, got %v", err)
	}

	ps.BeginInvite([]string{"bob"}, "sdp")
	if err := ps.ReceiveInvite("carol"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("ReceiveInvite while Inviting should be illegal, got %v", err)
	}
}

func TestGlareTransitions(t *testing.T) {
	f := NewFSM()
	alice := f.Register("r1", "alice")
	bob := f.Register("r1", "bob")

	// bob's request lands first; alice answers. Then alice's own request
	// is processed and wins the tie-break (alice < bob).
	bob.BeginInvite([]string{"alice"}, "bob-sdp")
	alice.ReceiveInvite("bob")

	alice.GlareWon("bob")
	if alice.State() != StateInviting {
		t.Errorf("Glare winner should be Inviting, got %s", alice.State())
	}
	if alice.IncomingFrom("bob") {
		t.Error("Loser's request should be voided on the winner side")
	}
	if err := alice.BeginInvite([]string{"bob"}, "alice-sdp"); err != nil {
		t.Fatalf("Winner's BeginInvite failed: %v", err)
	}

	bob.GlareLost("alice")
	if bob.State() != StateAnswering {
		t.Errorf("Glare loser should be Answering, got %s", bob.State())
	}
	if !bob.IncomingFrom("alice") {
		t.Error("Winner's request should be incoming at the loser")
	}
	if bob.InvitingTo("alice") {
		t.Error("Loser's own invite should be displaced")
	}

	// The call can now complete normally.
	if err := bob.Accept("alice"); err != nil {
		t.Fatalf("Accept after glare failed: %v", err)
	}
	if err := alice.InviteAccepted("bob"); err != nil {
		t.Fatalf("InviteAccepted after glare failed: %v", err)
	}
}

func TestMultiTargetInvite(t *testing.T) {
	f := NewFSM()
	caller := f.Register("r1", "alice")

	caller.BeginInvite([]string{"bob", "carol"}, "sdp")

	if err := caller.InviteRejected("bob"); err != nil {
		t.Fatalf("InviteRejected failed: %v", err)
	}
	if caller.State() != StateInviting {
		t.Error("Caller should stay Inviting while carol is outstanding")
	}
	if err := caller.InviteAccepted("carol"); err != nil {
		t.Fatalf("InviteAccepted failed: %v", err)
	}
	if caller.State() != StateInCall {
		t.Errorf("Caller should be InCall, got %s", caller.State())
	}
}

func TestServerOfferRoundTrip(t *testing.T) {
	f := NewFSM()
	ps := f.Register("r1", "alice")
	ps.BeginInvite([]string{"bob"}, "sdp")
	ps.InviteAccepted("bob")

	if err := ps.BeginServerOffer(); err != nil {
		t.Fatalf("BeginServerOffer failed: %v", err)
	}
	if ps.State() != StateOffered {
		t.Errorf("Expected Offered, got %s", ps.State())
	}
	if err := ps.ServerOfferAnswered(); err != nil {
		t.Fatalf("ServerOfferAnswered failed: %v", err)
	}
	if ps.State() != StateInCall {
		t.Errorf("Expected InCall, got %s", ps.State())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	f := NewFSM()
	ps := f.Register("r1", "alice")
	f.Unregister("r1", "alice")

	if ps.State() != StateClosed {
		t.Errorf("Unregistered peer should be Closed, got %s", ps.State())
	}
	if f.Get("r1", "alice") != nil {
		t.Error("Unregistered peer should be gone from the table")
	}

	// ReturnToConnected never resurrects a closed peer.
	ps.ReturnToConnected()
	if ps.State() != StateClosed {
		t.Error("Closed is terminal")
	}
}
