package turn

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// Realm identifies the long-term-credential realm of the embedded relay.
const Realm = "confmesh"

// Server is the embedded TURN relay. It accepts only credentials minted by
// the Issuer: the auth handler recomputes the HMAC password from the shared
// secret and rejects expired username prefixes.
type Server struct {
	server *turn.Server
	conn   net.PacketConn
	logger *zap.Logger
}

// ServerConfig configures the embedded relay.
type ServerConfig struct {
	// PublicIP is the address written into relayed transport allocations.
	PublicIP string
	Port     int
	Issuer   *Issuer
	Logger   *zap.Logger
	// LoggerFactory feeds the pion internals; required.
	LoggerFactory logging.LoggerFactory
}

// NewServer binds the relay's UDP listener and starts serving allocations.
func NewServer(cfg ServerConfig) (*Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("invalid relay address %q", cfg.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind turn listener: %w", err)
	}

	nw, err := stdnet.NewNet()
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger := cfg.Logger
	issuer := cfg.Issuer
	server, err := turn.NewServer(turn.ServerConfig{
		Realm:         Realm,
		LoggerFactory: cfg.LoggerFactory,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			password, err := issuer.Verify(username, time.Now())
			if err != nil {
				logger.Warn("turn auth rejected",
					zap.String("username", username),
					zap.String("src", srcAddr.String()),
					zap.Error(err),
				)
				return nil, false
			}
			return turn.GenerateAuthKey(username, realm, password), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
					Net:          nw,
				},
			},
		},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("turn relay listening", zap.String("addr", conn.LocalAddr().String()))
	return &Server{server: server, conn: conn, logger: logger}, nil
}

// Close shuts down the relay and its listener.
func (s *Server) Close() error {
	return s.server.Close()
}
