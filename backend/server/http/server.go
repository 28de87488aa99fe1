package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/adwski/greenscreen/backend/model"
	"github.com/adwski/greenscreen/backend/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	JoinRoom(model.RoomID) (string, bool)
	LeaveRoom(model.RoomID) (int, error)
	Signal(model.RoomID, model.Signal) error
	Rooms() []service.RoomStatus
}

type JoinResponse struct {
	Room     model.RoomID `json:"room"`
	Endpoint string       `json:"endpoint"`
	Created  bool         `json:"created"`
}

type LeaveResponse struct {
	Room    model.RoomID `json:"room"`
	Dropped int          `json:"dropped"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	// Metrics is served at /metrics when set.
	Metrics    http.Handler
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := gin.New()
	r.Use(gin.Recovery(), srv.accessLog, cors)

	r.GET("/up", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api")
	api.GET("/rooms", srv.listRooms)
	api.POST("/rooms/:roomID/join", srv.joinRoom)
	api.DELETE("/rooms/:roomID", srv.leaveRoom)
	api.POST("/rooms/:roomID/signals", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	if c.Request.Method != http.MethodOptions {
		c.Next()
		return
	}
	c.Header("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	c.Header("Access-Control-Max-Age", "86400")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.AbortWithStatus(http.StatusNoContent)
}

func (srv *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	srv.logger.Trace().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request served")
}

func (srv *Server) roomID(c *gin.Context) (model.RoomID, bool) {
	id, err := model.ParseRoomID(c.Param("roomID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return 0, false
	}
	return id, true
}

func (srv *Server) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, &GenericResponse{Data: srv.svc.Rooms()})
}

func (srv *Server) joinRoom(c *gin.Context) {
	id, ok := srv.roomID(c)
	if !ok {
		return
	}
	endpoint, created := srv.svc.JoinRoom(id)
	srv.logger.Debug().
		Stringer("room", id).
		Bool("created", created).
		Msg("join requested")
	c.JSON(http.StatusOK, &GenericResponse{
		Message: "WebSocket server is available at: " + endpoint,
		Data: JoinResponse{
			Room:     id,
			Endpoint: endpoint,
			Created:  created,
		},
	})
}

func (srv *Server) leaveRoom(c *gin.Context) {
	id, ok := srv.roomID(c)
	if !ok {
		return
	}
	dropped, err := srv.svc.LeaveRoom(id)
	if err != nil {
		srv.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    LeaveResponse{Room: id, Dropped: dropped},
	})
}

func (srv *Server) signal(c *gin.Context) {
	id, ok := srv.roomID(c)
	if !ok {
		return
	}
	var env model.SignalEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	sig, err := env.Signal()
	if err != nil {
		c.JSON(http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	if err = srv.svc.Signal(id, sig); err != nil {
		srv.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (srv *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRoomNotJoined):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrBadSignal):
		code = http.StatusBadRequest
	default:
		srv.logger.Error().Err(err).Msg("request failed")
	}
	c.JSON(code, &GenericResponse{Error: err.Error()})
}

func (srv *Server) Run(ctx context.Context, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
