package websocket

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/adwski/greenscreen/backend/service"
	"github.com/adwski/greenscreen/backend/storage/memory"
	sw "github.com/adwski/greenscreen/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	reg     *memory.Registry
	sw      *sw.Switch
	svc     *service.Service
	metrics *metrics.Metrics

	// server side of every upgraded connection
	hijacked chan net.Conn
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New()
	reg := memory.NewRegistry(memory.Config{Logger: &logger, Metrics: m, QueueSize: 16})
	bus := sw.NewSwitch(sw.Config{
		Logger:            &logger,
		Registry:          reg,
		Metrics:           m,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	svc := service.NewService(service.Config{
		Registry:    reg,
		Switch:      bus,
		Logger:      &logger,
		Metrics:     m,
		PublicWSURL: "ws://localhost",
	})
	cfg := Config{
		Logger:       &logger,
		RelayService: svc,
		Metrics:      m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	hijacked := make(chan net.Conn, 16)
	hs := httptest.NewUnstartedServer(srv.Handler)
	hs.Config.BaseContext = srv.Server.BaseContext
	hs.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			select {
			case hijacked <- c:
			default:
			}
		}
	}
	hs.Start()
	t.Cleanup(hs.Close)
	t.Cleanup(srv.cancelBase)

	return &testEnv{srv: srv, http: hs, reg: reg, sw: bus, svc: svc, metrics: m, hijacked: hijacked}
}

func (env *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := env.dialErr(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (env *testEnv) dialErr(path string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func (env *testEnv) waitSubscribers(t *testing.T, room model.RoomID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(env.reg.Subscribers(room)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, b, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(b)
}

func TestRelayEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.JoinRoom(42)

	conn := env.dial(t, "/42")
	env.waitSubscribers(t, 42, 1)

	require.NoError(t, env.svc.Signal(42, model.Bind{Tag: 7, Participant: 100}))
	assert.JSONEq(t, `{"connected":100}`, readText(t, conn))

	require.NoError(t, env.svc.Signal(42, model.Tick{Talking: []model.SourceTag{7}}))
	assert.JSONEq(t, `{"speaking":100}`, readText(t, conn))

	require.NoError(t, env.svc.Signal(42, model.Tick{}))
	assert.JSONEq(t, `{"quiet":100}`, readText(t, conn))

	require.NoError(t, env.svc.Signal(42, model.Disconnect{Participant: 100}))
	assert.JSONEq(t, `{"disconnected":100}`, readText(t, conn))
}

func TestRelayFanOutAndIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	c1 := env.dial(t, "/1")
	c2 := env.dial(t, "/1")
	c3 := env.dial(t, "/2")
	env.waitSubscribers(t, 1, 2)
	env.waitSubscribers(t, 2, 1)

	env.sw.Publish(1, model.Speaking(5))
	env.sw.Publish(2, model.Quiet(6))

	assert.JSONEq(t, `{"speaking":5}`, readText(t, c1))
	assert.JSONEq(t, `{"speaking":5}`, readText(t, c2))
	assert.JSONEq(t, `{"quiet":6}`, readText(t, c3))
}

func TestRelayRejectsMalformedRoom(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/abc", "/-1", "/1.5"} {
		conn, resp, err := env.dialErr(path)
		if conn != nil {
			_ = conn.Close()
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake, path)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
	assert.Empty(t, env.reg.Rooms())
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.HandshakeErrors))
}

func TestRelayIgnoresInbound(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/3")
	env.waitSubscribers(t, 3, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"server"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	env.sw.Publish(3, model.Connected(1))
	assert.JSONEq(t, `{"connected":1}`, readText(t, conn))
	assert.Len(t, env.reg.Subscribers(3), 1)
}

func TestRelayRoomHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/9")
	env.waitSubscribers(t, 9, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sw.Run(ctx)

	assert.JSONEq(t, `{"heartbeat":null}`, readText(t, conn))
}

func TestRelayConnectionHeartbeat(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
	})

	conn := env.dial(t, "/9")
	assert.JSONEq(t, `{"heartbeat":null}`, readText(t, conn))
}

func TestRelayClientCloseUnsubscribes(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/4")
	env.waitSubscribers(t, 4, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	env.waitSubscribers(t, 4, 0)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionsEnded.WithLabelValues("peer_closed")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayLeaveClosesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.JoinRoom(5)

	conn := env.dial(t, "/5")
	env.waitSubscribers(t, 5, 1)

	_, err := env.svc.LeaveRoom(5)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionsEnded.WithLabelValues("evicted")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayServerShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/6")
	env.waitSubscribers(t, 6, 1)

	env.srv.cancelBase()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	env.waitSubscribers(t, 6, 0)
}

func TestRelaySkipsUnencodableEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "/8")
	env.waitSubscribers(t, 8, 1)
	sub := env.reg.Subscribers(8)[0]

	require.NoError(t, sub.TrySend(model.Event{Kind: 99}))
	require.NoError(t, sub.TrySend(model.Speaking(3)))

	assert.JSONEq(t, `{"speaking":3}`, readText(t, conn))
	assert.Len(t, env.reg.Subscribers(8), 1)
}

func TestKeepaliveHeartbeatOnClosedSubscription(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.PingInterval = time.Minute
		cfg.PongWait = 2 * time.Minute
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})
	sub := env.reg.Subscribe(11)
	require.True(t, sub.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	logger := zerolog.Nop()

	// the ping ticker never fires, so the connection is not touched
	err := env.srv.keepalive(ctx, nil, sub, &logger)
	assert.ErrorIs(t, err, ErrHeartbeat)
	assert.ErrorIs(t, err, memory.ErrSubscriptionClosed)
}

// upgradedPair returns the server and client ends of a websocket connection.
func upgradedPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(hs.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side was not upgraded")
		return nil, nil
	}
}

func TestSenderWriteFailure(t *testing.T) {
	conn, _ := upgradedPair(t)
	require.NoError(t, conn.NetConn().Close())

	logger := zerolog.Nop()
	reg := memory.NewRegistry(memory.Config{Logger: &logger})
	sub := reg.Subscribe(1)
	require.NoError(t, sub.TrySend(model.Speaking(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := webSocketSender(ctx, conn, sub, time.Second, &logger)
	assert.ErrorIs(t, err, ErrSend)
}

func TestRelayBrokenConnectionUnsubscribes(t *testing.T) {
	env := newTestEnv(t, nil)

	_ = env.dial(t, "/12")
	env.waitSubscribers(t, 12, 1)

	var nc net.Conn
	select {
	case nc = <-env.hijacked:
	case <-time.After(2 * time.Second):
		t.Fatal("no upgraded connection")
	}
	require.NoError(t, nc.Close())
	env.sw.Publish(12, model.Speaking(1))

	env.waitSubscribers(t, 12, 0)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.SessionsEnded.WithLabelValues("send_failed"))+
			testutil.ToFloat64(env.metrics.SessionsEnded.WithLabelValues("receive_failed")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEndReason(t *testing.T) {
	assert.Equal(t, "peer_closed", endReason(ErrPeerClosed))
	assert.Equal(t, "evicted", endReason(ErrEvicted))
	assert.Equal(t, "interrupted", endReason(ErrInterrupted))
	assert.Equal(t, "send_failed", endReason(ErrHeartbeat))
	assert.Equal(t, "receive_failed", endReason(ErrReceive))
}
