package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/greenscreen/backend/config"
	"github.com/adwski/greenscreen/backend/metrics"
	httpServer "github.com/adwski/greenscreen/backend/server/http"
	websocketServer "github.com/adwski/greenscreen/backend/server/websocket"
	"github.com/adwski/greenscreen/backend/service"
	store "github.com/adwski/greenscreen/backend/storage/memory"
	sw "github.com/adwski/greenscreen/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.PrintConfig {
		spew.Config.Indent = "  "
		spew.Config.DisablePointerAddresses = true
		spew.Fdump(os.Stdout, cfg)
		return
	}

	logger := cfg.Logger(os.Stdout)
	if logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	registry := store.NewRegistry(store.Config{
		Logger:    &logger,
		Metrics:   m,
		QueueSize: cfg.QueueSize,
	})

	// heartbeats come either from the switch for every active room or from
	// each websocket session
	var roomHeartbeat, connHeartbeat = cfg.HeartbeatInterval, cfg.HeartbeatInterval
	if cfg.HeartbeatScope == config.HeartbeatScopeConnection {
		roomHeartbeat = 0
	} else {
		connHeartbeat = 0
	}

	bus := sw.NewSwitch(sw.Config{
		Logger:            &logger,
		Registry:          registry,
		Metrics:           m,
		HeartbeatInterval: roomHeartbeat,
	})
	svc := service.NewService(service.Config{
		Registry:    registry,
		Switch:      bus,
		Logger:      &logger,
		Metrics:     m,
		PublicWSURL: cfg.PublicWSURL,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		Metrics:     m.Handler(),
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:            &logger,
		RelayService:      svc,
		Metrics:           m,
		ListenAddr:        cfg.WSListenAddr,
		PingInterval:      cfg.PingInterval,
		PongWait:          cfg.PongWait,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: connHeartbeat,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   conc.WaitGroup
		errc = make(chan error, 2)
	)
	wg.Go(func() { httpSrv.Run(ctx, errc) })
	wg.Go(func() { wsSrv.Run(ctx, errc) })
	wg.Go(func() { bus.Run(ctx) })

	logger.Info().
		Str("heartbeat_scope", cfg.HeartbeatScope).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Int("queue_size", cfg.QueueSize).
		Msgf("relay is up, subscribers connect to %s/<room>", cfg.PublicWSURL)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	if r := wg.WaitAndRecover(); r != nil {
		logger.Error().Str("panic", r.String()).Msg("component panicked")
		os.Exit(1)
	}
}
