package protocol

import "encoding/json"

// MessageType discriminates signaling envelopes on the wire.
type MessageType string

const (
	// MessageTypeJoin enters a room
	MessageTypeJoin MessageType = "Join"
	// MessageTypeDisconnect leaves a room
	MessageTypeDisconnect MessageType = "Disconnect"
	// MessageTypeRequestPeerList asks for a membership snapshot
	MessageTypeRequestPeerList MessageType = "RequestPeerList"
	// MessageTypePeerList carries the full ordered membership
	MessageTypePeerList MessageType = "PeerList"
	// MessageTypeCallRequest initiates a call
	MessageTypeCallRequest MessageType = "CallRequest"
	// MessageTypeCallResponse accepts or rejects a call
	MessageTypeCallResponse MessageType = "CallResponse"
	// MessageTypeOffer carries an SDP offer (renegotiation)
	MessageTypeOffer MessageType = "Offer"
	// MessageTypeAnswer carries an SDP answer
	MessageTypeAnswer MessageType = "Answer"
	// MessageTypeIceCandidate carries one trickle ICE candidate
	MessageTypeIceCandidate MessageType = "IceCandidate"
	// MessageTypeEndCall tears down media
	MessageTypeEndCall MessageType = "EndCall"
	// MessageTypeConnectionError signals a non-fatal error to the client
	MessageTypeConnectionError MessageType = "ConnectionError"
)

// Envelope is one signaling frame. The discriminator is MessageType; the
// remaining fields are populated per type and omitted otherwise. SDP and
// candidate payloads are opaque strings passed through verbatim.
type Envelope struct {
	MessageType MessageType `json:"message_type"`
	RoomID      string      `json:"room_id,omitempty"`
	PeerID      string      `json:"peer_id,omitempty"`
	FromPeer    string      `json:"from_peer,omitempty"`
	ToPeer      string      `json:"to_peer,omitempty"`
	ToPeers     []string    `json:"to_peers,omitempty"`
	SDP         string      `json:"sdp,omitempty"`
	Candidate   string      `json:"candidate,omitempty"`
	Accepted    *bool       `json:"accepted,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Peers       []string    `json:"peers,omitempty"`
	Error       string      `json:"error,omitempty"`
	ShouldRetry bool        `json:"should_retry,omitempty"`
}

// Decode parses one wire frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Known reports whether the message type is part of the wire inventory.
// Unknown types are logged and dropped, never fatal.
func (e *Envelope) Known() bool {
	switch e.MessageType {
	case MessageTypeJoin, MessageTypeDisconnect, MessageTypeRequestPeerList,
		MessageTypePeerList, MessageTypeCallRequest, MessageTypeCallResponse,
		MessageTypeOffer, MessageTypeAnswer, MessageTypeIceCandidate,
		MessageTypeEndCall, MessageTypeConnectionError:
		return true
	}
	return false
}

// Critical reports whether the envelope must never be dropped from an
// outbound queue. Peer-list refreshes and trickle candidates are loss
// tolerant; everything steering call state is not.
func (e *Envelope) Critical() bool {
	switch e.MessageType {
	case MessageTypePeerList, MessageTypeIceCandidate:
		return false
	}
	return true
}

// IsAccepted reports the accepted flag of a CallResponse.
func (e *Envelope) IsAccepted() bool {
	return e.Accepted != nil && *e.Accepted
}

// Bool is a helper for the Accepted pointer field.
func Bool(v bool) *bool {
	return &v
}

// PeerList builds a membership broadcast for a room.
func PeerList(roomID string, peers []string) *Envelope {
	return &Envelope{
		MessageType: MessageTypePeerList,
		RoomID:      roomID,
		Peers:       peers,
	}
}

// ConnectionError builds a non-fatal error signal.
func ConnectionError(msg string, shouldRetry bool) *Envelope {
	return &Envelope{
		MessageType: MessageTypeConnectionError,
		Error:       msg,
		ShouldRetry: shouldRetry,
	}
}

// EndCall builds a media teardown notice for a peer in a room.
func EndCall(roomID, fromPeer string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeEndCall,
		RoomID:      roomID,
		FromPeer:    fromPeer,
	}
}
