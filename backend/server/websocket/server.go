package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/adwski/greenscreen/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 1024
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second

	// DefaultPongWait - DefaultPingInterval is how long we give client to respond
	DefaultPingInterval = 5 * time.Second
	DefaultPongWait     = 7 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

var (
	ErrUnexpected  = errors.New("unexpected server error")
	ErrPeerClosed  = errors.New("peer closed connection")
	ErrReceive     = errors.New("receive failed")
	ErrSend        = errors.New("send failed")
	ErrPing        = errors.New("ping failed")
	ErrEvicted     = errors.New("subscription evicted")
	ErrHeartbeat   = errors.New("heartbeat enqueue failed")
	ErrInterrupted = errors.New("session interrupted")
)

type (
	RelayService interface {
		Subscribe(model.RoomID) *memory.Subscription
		Unsubscribe(*memory.Subscription)
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		Metrics      *metrics.Metrics
		ListenAddr   string

		PingInterval time.Duration
		PongWait     time.Duration
		WriteTimeout time.Duration

		// HeartbeatInterval > 0 makes every session enqueue its own
		// heartbeat events instead of relying on room heartbeats.
		HeartbeatInterval time.Duration
	}

	Server struct {
		svc     RelayService
		ws      *websocket.Upgrader
		metrics *metrics.Metrics
		*http.Server

		baseCtx    context.Context
		cancelBase context.CancelFunc

		pingInterval      time.Duration
		pongWait          time.Duration
		writeTimeout      time.Duration
		heartbeatInterval time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.RelayService,
		metrics: m,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		pingInterval:      orDefault(cfg.PingInterval, DefaultPingInterval),
		pongWait:          orDefault(cfg.PongWait, DefaultPongWait),
		writeTimeout:      orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		heartbeatInterval: cfg.HeartbeatInterval,
	}
	srv.baseCtx, srv.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{roomID}", srv.relay)

	srv.Server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return srv.baseCtx },
	}
	return srv
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (srv *Server) Run(ctx context.Context, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		// hijacked connections are not tracked by Shutdown
		srv.cancelBase()
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// relay serves one subscriber for the lifetime of its connection.
func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	roomID, err := model.ParseRoomID(r.PathValue("roomID"))
	if err != nil {
		srv.metrics.HandshakeErrors.Inc()
		srv.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("bad websocket connection")
		http.Error(w, "failed to convert path to room id", http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.metrics.HandshakeErrors.Inc()
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().
		Stringer("room", roomID).
		Str("session", uuid.NewString()).
		Str("remote", r.RemoteAddr).
		Logger()

	sub := srv.svc.Subscribe(roomID)
	srv.metrics.SessionsStarted.Inc()
	logger.Debug().Msg("session started")

	err = srv.session(r.Context(), conn, sub, &logger)

	srv.svc.Unsubscribe(sub)
	srv.metrics.SessionsEnded.WithLabelValues(endReason(err)).Inc()
	logger.Debug().AnErr("reason", err).Msg("session ended")
}

// session runs the receive, send and keepalive loops of one connection.
// The first loop to return cancels the others and closes the connection.
func (srv *Server) session(
	ctx context.Context,
	conn *websocket.Conn,
	sub *memory.Subscription,
	logger *zerolog.Logger,
) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return webSocketReceiver(conn, srv.pongWait, logger)
	})
	g.Go(func() error {
		return webSocketSender(gCtx, conn, sub, srv.writeTimeout, logger)
	})
	g.Go(func() error {
		return srv.keepalive(gCtx, conn, sub, logger)
	})
	g.Go(func() error {
		<-gCtx.Done()
		webSocketCloser(conn, logger)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = ErrInterrupted
	}
	return err
}

func endReason(err error) string {
	switch {
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrSend), errors.Is(err, ErrPing), errors.Is(err, ErrHeartbeat):
		return "send_failed"
	default:
		return "receive_failed"
	}
}

func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	sub *memory.Subscription,
	writeTimeout time.Duration,
	logger *zerolog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return ErrEvicted
		case ev := <-sub.Events():
			b, err := json.Marshal(ev)
			if err != nil {
				logger.Warn().Err(err).Stringer("event", ev).Msg("failed to marshal outgoing event, dropped")
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return errors.Join(ErrSend, err)
			}
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Error().Err(err).Msg("failed to write outgoing message")
				return errors.Join(ErrSend, err)
			}
			logger.Trace().Stringer("event", ev).Msg("event sent")
		}
	}
}

// webSocketReceiver discards everything the client sends. It returns once
// the connection is unusable, which includes a closed connection after the
// session was cancelled.
func webSocketReceiver(conn *websocket.Conn, pongWait time.Duration, logger *zerolog.Logger) error {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(pongWait)
	})
	if err := readDeadLineFunc(pongWait); err != nil {
		return errors.Join(ErrReceive, err)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return errors.Join(ErrPeerClosed, err)
			}
			return errors.Join(ErrReceive, err)
		}
		// a client that talks is alive
		if err := readDeadLineFunc(pongWait); err != nil {
			return errors.Join(ErrReceive, err)
		}
	}
}

// keepalive pings the peer and, when configured, enqueues per-connection
// heartbeat events.
func (srv *Server) keepalive(
	ctx context.Context,
	conn *websocket.Conn,
	sub *memory.Subscription,
	logger *zerolog.Logger,
) error {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()

	var heartbeat <-chan time.Time
	if srv.heartbeatInterval > 0 {
		hbTicker := time.NewTicker(srv.heartbeatInterval)
		defer hbTicker.Stop()
		heartbeat = hbTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(srv.writeTimeout))
			if err != nil {
				return errors.Join(ErrPing, err)
			}
			logger.Trace().Msg("ping sent")
		case <-heartbeat:
			if err := sub.TrySend(model.Heartbeat()); err != nil {
				return errors.Join(ErrHeartbeat, err)
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
