package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/protocol"
	"github.com/confmesh/confmesh/pkg/room"
)

const (
	// readTimeout is refreshed on every pong; a silent client is gone.
	readTimeout = 60 * time.Second
	// writeTimeout bounds one frame write.
	writeTimeout = 10 * time.Second
	// pingInterval keeps the read deadline fed.
	pingInterval = 54 * time.Second

	// violationWindow and violationLimit implement the three-strikes
	// rule for protocol violations.
	violationWindow = 10 * time.Second
	violationLimit  = 3
)

// Conn is one signaling connection: a websocket, its outbound queue and,
// after a successful Join, exactly one peer in one room.
type Conn struct {
	id    string
	gw    *Gateway
	ws    *websocket.Conn
	queue *Queue

	mu         sync.Mutex
	peer       *room.Peer
	ps         *PeerState
	violations []time.Time

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.Logger
}

// bound returns the joined peer and its state machine, or nils.
func (c *Conn) bound() (*room.Peer, *PeerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.ps
}

func (c *Conn) bind(peer *room.Peer, ps *PeerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.ps = ps
}

func (c *Conn) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = nil
	c.ps = nil
}

// readPump decodes inbound frames until the connection dies. Connection
// close, from either side and for any reason, funnels into teardown
// exactly once.
func (c *Conn) readPump() {
	defer c.gw.teardown(c)

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if closed := c.violation("malformed envelope"); closed {
				return
			}
			continue
		}
		if !env.Known() {
			c.logger.Warn("unknown message type dropped",
				zap.String("type", string(env.MessageType)),
			)
			continue
		}

		metrics.SignalingMessagesTotal.WithLabelValues(string(env.MessageType)).Inc()
		c.gw.handleEnvelope(c, env)
	}
}

// writePump drains the outbound queue onto the wire and keeps the client
// pinged. Single consumer: per-connection FIFO is preserved here.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.gw.teardown(c)
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.queue.Wait():
			for _, env := range c.queue.Drain() {
				data, err := env.Encode()
				if err != nil {
					c.logger.Error("encode failed", zap.Error(err))
					continue
				}
				c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// violation applies the three-strikes rule: the offending envelope is
// dropped and reported, and the connection is closed only when the same
// connection produces violationLimit of them inside the window. Reports
// whether the connection was closed.
func (c *Conn) violation(msg string) bool {
	metrics.ProtocolViolationsTotal.Inc()

	c.mu.Lock()
	now := time.Now()
	kept := c.violations[:0]
	for _, ts := range c.violations {
		if now.Sub(ts) < violationWindow {
			kept = append(kept, ts)
		}
	}
	c.violations = append(kept, now)
	strikes := len(c.violations)
	c.mu.Unlock()

	if err := c.queue.Enqueue(protocol.ConnectionError(msg, false)); err != nil {
		c.gw.teardown(c)
		return true
	}
	if strikes >= violationLimit {
		c.logger.Warn("closing connection after repeated violations",
			zap.String("conn", c.id),
			zap.Int("strikes", strikes),
		)
		c.gw.teardown(c)
		return true
	}
	return false
}
