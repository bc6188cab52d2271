package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGateway struct {
	ts       *httptest.Server
	srv      *Server
	store    *Store
	registry *Registry
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()
	_, rdb := newTestRedis(t)

	cfg := &Config{
		Addr:            "127.0.0.1:0",
		RateLimitPerIP:  1000,
		MaxMessageSize:  DefaultMaxMessageSize,
		ShutdownTimeout: time.Second,
		Broker:          BrokerConfig{Channel: DefaultChannel},
		Store:           StoreConfig{Prefix: DefaultRoomPrefix, DefaultSize: DefaultRoomSize},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := discardLogger()
	store := NewStore(rdb, cfg.Store.Prefix, cfg.Store.DefaultSize)
	broker := NewRedisBroker(rdb, cfg.Broker.Channel, false)
	registry := NewRegistry(logger)
	limiter := NewRateLimiter(cfg.RateLimitPerIP)

	relay := NewRelay(broker, store, registry, nil, logger)
	require.NoError(t, relay.Start(context.Background()))

	srv := NewServer(cfg, registry, store, broker, limiter, nil, logger)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		registry.CloseAll(ctx)
		ts.Close()
		_ = relay.Stop(ctx)
	})

	return &testGateway{ts: ts, srv: srv, store: store, registry: registry}
}

func (g *testGateway) wsURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws?" + query.Encode()
}

// dial connects sid to room and waits until the registry has seen it.
func (g *testGateway) dial(t *testing.T, sid, room string) *websocket.Conn {
	t.Helper()
	_, before := g.registry.Stats()
	ws, resp, err := websocket.DefaultDialer.Dial(g.wsURL(url.Values{"sid": {sid}, "room": {room}}), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool {
		_, after := g.registry.Stats()
		return after > before
	}, time.Second, 5*time.Millisecond)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func requireSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func (g *testGateway) createRoom(t *testing.T, body string) (*http.Response, createRoomResponse) {
	t.Helper()
	resp, err := http.Post(g.ts.URL+"/api/v1/room/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out createRoomResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func getBody(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestServer_WSMissingSID(t *testing.T) {
	g := newTestGateway(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(url.Values{"room": {"r1"}}), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RelayExcludesSenderAndOtherRooms(t *testing.T) {
	g := newTestGateway(t, nil)

	a := g.dial(t, "A", "r1")
	b := g.dial(t, "B", "r1")
	c := g.dial(t, "C", "r2")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"cursor":{"x":1}}`)))

	assert.JSONEq(t, `{"cursor":{"x":1}}`, readFrame(t, b))
	requireSilent(t, a)
	requireSilent(t, c)
}

func TestServer_DefaultRoom(t *testing.T) {
	g := newTestGateway(t, nil)

	a := g.dial(t, "A", "")
	b := g.dial(t, "B", "")
	assert.Len(t, g.registry.Snapshot(defaultRoom), 2)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
	assert.JSONEq(t, `{"n":1}`, readFrame(t, a))
}

func TestServer_NonObjectFrameDropped(t *testing.T) {
	g := newTestGateway(t, nil)

	a := g.dial(t, "A", "r1")
	b := g.dial(t, "B", "r1")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`)))

	assert.JSONEq(t, `{"n":2}`, readFrame(t, b), "connection survives a bad frame")
}

func TestServer_AbruptCloseDoesNotBreakFanOut(t *testing.T) {
	g := newTestGateway(t, nil)

	a := g.dial(t, "A", "r1")
	b := g.dial(t, "B", "r1")
	gone := g.dial(t, "C", "r1")

	// Drop the TCP connection without a close handshake.
	require.NoError(t, gone.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		return len(g.registry.Snapshot("r1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
	assert.JSONEq(t, `{"n":1}`, readFrame(t, b))
}

func TestServer_CreateRoomValidation(t *testing.T) {
	g := newTestGateway(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "no image", body: `{}`},
		{name: "empty image", body: `{"image":""}`},
		{name: "invalid json", body: `{"image":`},
		{name: "bad size", body: `{"image":"x","size":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := g.createRoom(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_CreateRoom(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) {
		cfg.PublicURL = "https://relay.example.com/"
		cfg.AppURL = "https://app.example.com/align"
	})

	resp, created := g.createRoom(t, `{"image":"https://http.cat/201","size":32}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.Room)
	assert.Equal(t, "/api/v1/room/"+created.Room, resp.Header.Get("Location"))
	assert.Equal(t, "https://relay.example.com/api/v1/room/"+created.Room, created.APIURL)
	assert.Equal(t, "https://app.example.com/align?room="+created.Room, created.AppURL)

	snap, err := g.store.GetRoom(context.Background(), created.Room)
	require.NoError(t, err)
	assert.Equal(t, 32, snap.Size)
}

func TestServer_GetUnknownRoom(t *testing.T) {
	g := newTestGateway(t, nil)

	status, _ := getBody(t, g.ts.URL+"/api/v1/room/does-not-exist")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_PositionRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, created := g.createRoom(t, `{"image":"https://http.cat/201"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, g.ts.URL+"/api/v1/room/"+created.Room, created.APIURL)
	assert.Empty(t, created.AppURL)

	status, body := getBody(t, created.APIURL)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"image":"https://http.cat/201","size":128,"positions":[]}`, body)

	ws := g.dial(t, "1", created.Room)
	update := `{"user":{"id":"11358","username":"a"},"position":{"x":100,"y":200}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(update)))

	want := `{"image":"https://http.cat/201","size":128,"positions":[` + update + `]}`
	var exp any
	require.NoError(t, json.Unmarshal([]byte(want), &exp))
	require.Eventually(t, func() bool {
		resp, err := http.Get(created.APIURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got any
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}
		return assert.ObjectsAreEqual(exp, got)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_RateLimited(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) { cfg.RateLimitPerIP = 0.01 })

	resp, _ := g.createRoom(t, `{"image":"x"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = g.createRoom(t, `{"image":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_OriginAllowlist(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})
	u := g.wsURL(url.Values{"sid": {"A"}})

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	ws.Close()
}

func TestServer_HealthAndStats(t *testing.T) {
	g := newTestGateway(t, nil)
	g.dial(t, "A", "r1")
	g.dial(t, "B", "r2")

	status, body := getBody(t, g.ts.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","components":{"store":"connected","broker":"connected"}}`, body)

	status, body = getBody(t, g.ts.URL+"/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"rooms":2,"connections":2}`, body)
}

func TestServer_HealthUnhealthy(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cfg := &Config{RateLimitPerIP: 10, MaxMessageSize: DefaultMaxMessageSize}
	store := NewStore(rdb, DefaultRoomPrefix, DefaultRoomSize)
	srv := NewServer(cfg, NewRegistry(discardLogger()), store, NewRedisBroker(rdb, DefaultChannel, false),
		NewRateLimiter(10), nil, discardLogger())

	mr.Close()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
}

func TestServer_ShutdownSendsGoingAway(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t, "A", "r1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.registry.CloseAll(ctx)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, "server-shutdown", closeErr.Text)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded for", header: http.Header{"X-Forwarded-For": {"1.1.1.1, 2.2.2.2"}}, remote: "10.0.0.1:1", want: "1.1.1.1"},
		{name: "real ip", header: http.Header{"X-Real-Ip": {"3.3.3.3"}}, remote: "10.0.0.1:1", want: "3.3.3.3"},
		{name: "no port", remote: "10.0.0.1", want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header[k] = v
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
