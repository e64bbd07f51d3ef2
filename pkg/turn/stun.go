package turn

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/utils"
)

// StunResponder answers STUN binding requests with the observed source
// address so clients can discover their reflexive address without the
// relay. Anything that is not a binding request is ignored.
type StunResponder struct {
	conn   net.PacketConn
	logger *zap.Logger
}

// NewStunResponder binds the UDP listener.
func NewStunResponder(port int, logger *zap.Logger) (*StunResponder, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind stun listener: %w", err)
	}
	logger.Info("stun responder listening", zap.String("addr", conn.LocalAddr().String()))
	return &StunResponder{conn: conn, logger: logger}, nil
}

// Serve reads datagrams until the listener is closed.
func (s *StunResponder) Serve() error {
	buf := make([]byte, 1500)
	for {
		n, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		pkt := utils.GetBuffer(n)
		copy(pkt, buf[:n])
		s.respond(pkt, src)
		utils.PutBuffer(pkt)
	}
}

func (s *StunResponder) respond(pkt []byte, src net.Addr) {
	msg := &stun.Message{Raw: pkt}
	if err := msg.Decode(); err != nil {
		s.logger.Debug("non-stun datagram", zap.String("src", src.String()), zap.Error(err))
		return
	}
	if msg.Type != stun.BindingRequest {
		return
	}

	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	resp, err := stun.Build(msg, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		stun.Fingerprint,
	)
	if err != nil {
		s.logger.Warn("stun response build failed", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(resp.Raw, src); err != nil {
		s.logger.Warn("stun response send failed", zap.String("src", src.String()), zap.Error(err))
	}
}

// Close stops the responder.
func (s *StunResponder) Close() error {
	return s.conn.Close()
}
