package sip

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/config"
	"github.com/confmesh/confmesh/pkg/protocol"
	"github.com/confmesh/confmesh/pkg/signaling"
)

// Gateway is the optional SIP endpoint. A SIP INVITE joins the caller into
// the room named by the To header's user part and raises a CallRequest
// toward the room's members; the 200 OK is deferred until a member
// accepts. There is no B2BUA media plane: the INVITE's SDP is negotiated
// against a regular media session, so only WebRTC-capable SIP clients can
// complete a call.
type Gateway struct {
	cfg       *config.SIPConfig
	signaling *signaling.Gateway
	logger    *zap.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server

	mu sync.Mutex
	// registrations: address-of-record user -> contact, kept for
	// diagnostics; registration is not used for routing.
	registrations map[string]string
	// calls: SIP Call-ID -> active leg.
	calls map[string]*leg
}

// leg is one active SIP call leg.
type leg struct {
	roomID string
	peerID string
}

// NewGateway builds the SIP endpoint against the signaling core.
func NewGateway(cfg *config.SIPConfig, sg *signaling.Gateway, logger *zap.Logger) (*Gateway, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("confmesh"))
	if err != nil {
		return nil, err
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:           cfg,
		signaling:     sg,
		logger:        logger,
		ua:            ua,
		srv:           srv,
		registrations: make(map[string]string),
		calls:         make(map[string]*leg),
	}

	srv.OnRegister(g.onRegister)
	srv.OnInvite(g.onInvite)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	srv.OnBye(g.onBye)

	return g, nil
}

// Serve binds the UDP listener and handles SIP traffic until the context
// is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.BindAddress, g.cfg.Port)
	g.logger.Info("sip endpoint listening", zap.String("addr", addr))
	return g.srv.ListenAndServe(ctx, "udp", addr)
}

// Close shuts the endpoint down.
func (g *Gateway) Close() error {
	return g.ua.Close()
}

func (g *Gateway) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	user := req.From().Address.User
	contact := req.Source()

	g.mu.Lock()
	g.registrations[user] = contact
	g.mu.Unlock()

	g.logger.Info("sip registration",
		zap.String("user", user),
		zap.String("contact", contact),
	)
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (g *Gateway) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	roomID := req.To().Address.User
	if roomID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 404, "Not Found", nil))
		return
	}
	peerID := "sip:" + req.From().Address.User
	callID := req.CallID().Value()
	offer := string(req.Body())
	if offer == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	out := &outbound{gw: g, req: req, tx: tx, callID: callID}
	if err := g.signaling.ExternalJoin(roomID, peerID, out); err != nil {
		g.logger.Warn("sip join rejected",
			zap.String("room", roomID),
			zap.String("peer", peerID),
			zap.Error(err),
		)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
		return
	}

	targets := g.roomTargets(roomID, peerID)
	if len(targets) == 0 {
		g.signaling.ExternalLeave(roomID, peerID)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil))
		return
	}

	g.mu.Lock()
	g.calls[callID] = &leg{roomID: roomID, peerID: peerID}
	g.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	if err := g.signaling.ExternalInvite(roomID, peerID, targets, offer); err != nil {
		g.logger.Warn("sip invite failed", zap.Error(err))
		g.dropLeg(callID)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
	}
}

func (g *Gateway) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	g.mu.Lock()
	l := g.calls[callID]
	delete(g.calls, callID)
	g.mu.Unlock()

	if l != nil {
		g.signaling.ExternalLeave(l.roomID, l.peerID)
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (g *Gateway) roomTargets(roomID, exclude string) []string {
	targets := make([]string, 0)
	for _, id := range g.signaling.Peers(roomID) {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	return targets
}

func (g *Gateway) dropLeg(callID string) {
	g.mu.Lock()
	l := g.calls[callID]
	delete(g.calls, callID)
	g.mu.Unlock()
	if l != nil {
		g.signaling.ExternalLeave(l.roomID, l.peerID)
	}
}

// outbound adapts the SIP transaction to the room.Outbound contract: the
// envelopes a websocket peer would read drive the SIP dialog instead.
type outbound struct {
	gw     *Gateway
	req    *sip.Request
	tx     sip.ServerTransaction
	callID string

	mu        sync.Mutex
	responded bool
}

func (o *outbound) Enqueue(env *protocol.Envelope) error {
	switch env.MessageType {
	case protocol.MessageTypeCallResponse:
		o.mu.Lock()
		if o.responded {
			o.mu.Unlock()
			return nil
		}
		o.responded = true
		o.mu.Unlock()

		if env.IsAccepted() {
			resp := sip.NewResponseFromRequest(o.req, 200, "OK", []byte(env.SDP))
			resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			return o.tx.Respond(resp)
		}
		o.gw.dropLeg(o.callID)
		return o.tx.Respond(sip.NewResponseFromRequest(o.req, 480, "Temporarily Unavailable", nil))

	case protocol.MessageTypeEndCall, protocol.MessageTypeConnectionError:
		// The far end hung up or media failed; without a client
		// transaction toward the SIP side, the leg is just dropped and
		// the SIP client discovers it at its session timer.
		o.gw.dropLeg(o.callID)
		return nil
	}
	// PeerList and trickle candidates have no SIP mapping.
	return nil
}
