package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	// disconnectedGrace is how long a disconnected transport may linger
	// before escalation.
	disconnectedGrace = 10 * time.Second
	// restartWindow bounds the single ICE restart attempt after a failure.
	restartWindow = 15 * time.Second
	// negotiationTimeout bounds the time from session creation to a
	// connected transport.
	negotiationTimeout = 30 * time.Second
	// maxICERestarts is the retry budget before a failure is terminal.
	maxICERestarts = 1
)

// watchdog tracks one session's transport health. A failed transport gets
// one restart attempt inside the window; anything beyond that escalates to
// session close with a retryable error for the owning peer.
type watchdog struct {
	mu sync.Mutex

	session *Session
	logger  *zap.Logger

	restarts  int
	connected bool
	stopped   bool

	graceTimer       *time.Timer
	restartTimer     *time.Timer
	negotiationTimer *time.Timer
}

func newWatchdog(s *Session, logger *zap.Logger) *watchdog {
	w := &watchdog{session: s, logger: logger}
	w.negotiationTimer = time.AfterFunc(negotiationTimeout, func() {
		w.mu.Lock()
		expired := !w.connected && !w.stopped
		w.mu.Unlock()
		if expired {
			w.logger.Warn("ice negotiation timed out",
				zap.String("room", s.roomID),
				zap.String("peer", s.peerID),
			)
			w.session.mgr.escalate(w.session)
		}
	})
	return w
}

func (w *watchdog) onICEState(state webrtc.ICEConnectionState) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		w.connected = true
		w.cancelLocked(&w.graceTimer)
		w.cancelLocked(&w.restartTimer)
		w.cancelLocked(&w.negotiationTimer)
		w.mu.Unlock()

	case webrtc.ICEConnectionStateDisconnected:
		// Often transient; warn and give the transport time to recover.
		w.logger.Warn("media transport disconnected",
			zap.String("room", w.session.roomID),
			zap.String("peer", w.session.peerID),
		)
		if w.graceTimer == nil {
			w.graceTimer = time.AfterFunc(disconnectedGrace, func() {
				w.handleFailure()
			})
		}
		w.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		w.mu.Unlock()
		w.handleFailure()

	default:
		w.mu.Unlock()
	}
}

// handleFailure spends the retry budget, then escalates.
func (w *watchdog) handleFailure() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.cancelLocked(&w.graceTimer)

	if w.restarts < maxICERestarts {
		w.restarts++
		if w.restartTimer == nil {
			w.restartTimer = time.AfterFunc(restartWindow, func() {
				w.mu.Lock()
				recovered := w.connected
				stopped := w.stopped
				w.mu.Unlock()
				if !recovered && !stopped {
					w.session.mgr.escalate(w.session)
				}
			})
		}
		w.connected = false
		w.mu.Unlock()

		w.logger.Info("attempting ice restart",
			zap.String("room", w.session.roomID),
			zap.String("peer", w.session.peerID),
		)
		sdp, err := w.session.restartOffer()
		if err != nil {
			w.session.mgr.escalate(w.session)
			return
		}
		w.session.mgr.emitRenegotiate(w.session.roomID, w.session.peerID, sdp)
		return
	}

	w.mu.Unlock()
	w.session.mgr.escalate(w.session)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cancelLocked(&w.graceTimer)
	w.cancelLocked(&w.restartTimer)
	w.cancelLocked(&w.negotiationTimer)
}

func (w *watchdog) cancelLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
