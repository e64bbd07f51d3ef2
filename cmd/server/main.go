package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/confmesh/confmesh/pkg/config"
	"github.com/confmesh/confmesh/pkg/media"
	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/room"
	"github.com/confmesh/confmesh/pkg/signaling"
	sipgw "github.com/confmesh/confmesh/pkg/sip"
	"github.com/confmesh/confmesh/pkg/turn"
	"github.com/confmesh/confmesh/pkg/utils"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return exitConfigError
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitConfigError
	}

	logger.Info("server starting",
		zap.Int("ws_port", cfg.WSPort),
		zap.String("stun", fmt.Sprintf("%s:%d", cfg.StunServer, cfg.StunPort)),
		zap.String("turn", fmt.Sprintf("%s:%d", cfg.TurnServer, cfg.TurnPort)),
		zap.Bool("sip", cfg.SIP != nil),
	)

	loggerFactory := utils.NewLoggerFactory(logger)

	issuer := &turn.Issuer{
		Secret:     cfg.TurnPassword,
		TTL:        cfg.CredentialTTL,
		TurnServer: cfg.TurnServer,
		TurnPort:   cfg.TurnPort,
		StunServer: cfg.StunServer,
		StunPort:   cfg.StunPort,
	}

	relayCred := issuer.Issue("media-relay")
	mediaMgr, err := media.NewManager(media.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{fmt.Sprintf("stun:%s:%d", cfg.StunServer, cfg.StunPort)}},
			{
				URLs:       []string{fmt.Sprintf("turn:%s:%d", cfg.TurnServer, cfg.TurnPort)},
				Username:   relayCred.Username,
				Credential: relayCred.Password,
			},
		},
		LoggerFactory: loggerFactory,
	}, logger)
	if err != nil {
		logger.Error("media manager init failed", zap.Error(err))
		return exitConfigError
	}
	defer mediaMgr.Close()

	registry := room.NewRegistry(logger)

	monitor := metrics.NewMonitor(metrics.Source{
		Rooms:    registry.RoomCount,
		Peers:    registry.PeerCount,
		Sessions: mediaMgr.SessionCount,
		Links:    mediaMgr.LinkStats,
	}, logger)

	gateway := signaling.NewGateway(registry, mediaMgr, monitor, logger)
	defer gateway.Shutdown()

	registry.OnMembershipChanged(func(roomID string, peers []string) {
		mediaMgr.HandleMembership(roomID, peers)
		if peers == nil {
			gateway.RoomDestroyed(roomID)
		}
	})

	turnServer, err := turn.NewServer(turn.ServerConfig{
		PublicIP:      relayPublicIP(cfg.TurnServer),
		Port:          cfg.TurnPort,
		Issuer:        issuer,
		Logger:        logger,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		logger.Error("turn relay bind failed", zap.Error(err))
		return exitBindError
	}
	defer turnServer.Close()

	// The relay answers binding requests on its own port; a dedicated
	// responder is only needed when STUN is served elsewhere.
	var stunResponder *turn.StunResponder
	if cfg.StunPort != cfg.TurnPort {
		stunResponder, err = turn.NewStunResponder(cfg.StunPort, logger)
		if err != nil {
			logger.Error("stun bind failed", zap.Error(err))
			return exitBindError
		}
		defer stunResponder.Close()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WSPort))
	if err != nil {
		logger.Error("signaling bind failed", zap.Error(err))
		return exitBindError
	}

	httpServer := &http.Server{
		Handler:      signaling.NewRouter(gateway, issuer, monitor),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("signaling listening", zap.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if stunResponder != nil {
		group.Go(stunResponder.Serve)
	}

	if cfg.SIP != nil {
		sipGateway, err := sipgw.NewGateway(cfg.SIP, gateway, logger)
		if err != nil {
			logger.Error("sip init failed", zap.Error(err))
			return exitConfigError
		}
		defer sipGateway.Close()
		group.Go(func() error {
			if err := sipGateway.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if stunResponder != nil {
			_ = stunResponder.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
		return exitBindError
	}

	logger.Info("shutdown complete")
	return exitOK
}

// relayPublicIP resolves the advertised TURN host to the relay address
// written into allocations. Hostnames fall back to the wildcard address.
func relayPublicIP(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		return addrs[0]
	}
	return "0.0.0.0"
}
