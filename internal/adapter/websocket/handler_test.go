package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/memory"
	"github.com/jschvat/posting-system-refactor-sub005/internal/app"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/auth"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/auth/authtest"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Principal{ID: 1, DisplayName: "Alice"}
	bob   = domain.Principal{ID: 2, DisplayName: "Bob"}
	carol = domain.Principal{ID: 3, DisplayName: "Carol"}
)

const testRoom = domain.RoomID(50)

func testConfig() Config {
	return Config{
		MaxConnections:      100,
		MaxConnectionsPerIP: 100,
		HandshakesPerSecond: 1000,
		HandshakeBurst:      1000,
		EventsPerSecond:     1000,
		EventsBurst:         1000,
	}
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	clock := clockwork.NewRealClock()
	store := memory.NewStore(clock)
	store.AddParticipants(testRoom, alice.ID, bob.ID)

	c := app.NewComponents(app.Options{Store: store, NodeID: "test", Clock: clock, NotifyWorkers: 1, NotifyQueueSize: 16})
	app.Wire(c, nil)
	c.Queue.Start(context.Background())
	t.Cleanup(func() { _ = c.Queue.Stop(context.Background()) })

	h := NewHandler(app.NewService(c, clock), auth.NewVerifier(authtest.Secret, ""), clock, cfg)
	e := echo.New()
	e.GET("/ws", h.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
}

type clientEvent struct {
	Type    domain.EventKind `json:"type"`
	Ref     string           `json:"ref"`
	RoomID  domain.RoomID    `json:"room_id"`
	UserID  domain.UserID    `json:"user_id"`
	Payload json.RawMessage  `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server, p domain.Principal) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, authtest.Token(t, authtest.Secret, p)), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	ready := readUntil(t, conn, domain.EventConnectionReady)
	assert.Equal(t, p.ID, ready.UserID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, ref string, payload any) {
	t.Helper()
	f := map[string]any{"type": typ, "ref": ref}
	if payload != nil {
		f["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(f))
}

// readUntil skips events of other kinds, e.g. presence broadcasts.
func readUntil(t *testing.T, conn *websocket.Conn, kind domain.EventKind) clientEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)
		var ev clientEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == kind {
			return ev
		}
	}
}

func errorOf(t *testing.T, ev clientEvent) domain.ErrorPayload {
	t.Helper()
	var p domain.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	srv := newTestServer(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, authtest.ExpiredToken(t, authtest.Secret, alice)), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshake_BearerHeader(t *testing.T) {
	srv := newTestServer(t, testConfig())
	header := http.Header{"Authorization": []string{"Bearer " + authtest.Token(t, authtest.Secret, alice)}}

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	ready := readUntil(t, conn, domain.EventConnectionReady)
	var p readyPayload
	require.NoError(t, json.Unmarshal(ready.Payload, &p))
	assert.Equal(t, alice.ID, p.UserID)
	assert.NotEmpty(t, p.ConnectionID)
}

func TestHandshake_PerIPLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 1
	srv := newTestServer(t, cfg)

	dial(t, srv, alice)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, authtest.Token(t, authtest.Secret, bob)), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandshake_BadTokensSpendHandshakeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakesPerSecond = 0.001
	cfg.HandshakeBurst = 2
	srv := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, authtest.Token(t, authtest.Secret, alice)), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandshake_OriginRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv := newTestServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, authtest.Token(t, authtest.Secret, alice)), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dial(t, srv, alice)

	send(t, conn, FramePing, "p1", nil)
	pong := readUntil(t, conn, domain.EventPong)
	assert.Equal(t, "p1", pong.Ref)
}

func TestJoinAndSendMessage(t *testing.T) {
	srv := newTestServer(t, testConfig())
	a := dial(t, srv, alice)
	b := dial(t, srv, bob)

	send(t, a, FrameRoomJoin, "j1", roomRequest{RoomID: testRoom})
	joined := readUntil(t, a, domain.EventRoomJoined)
	assert.Equal(t, "j1", joined.Ref)
	assert.Equal(t, testRoom, joined.RoomID)

	send(t, b, FrameRoomJoin, "j2", roomRequest{RoomID: testRoom})
	readUntil(t, b, domain.EventRoomJoined)

	send(t, a, FrameMessageSend, "m1", map[string]any{"room_id": testRoom, "content": "hello bob"})

	got := readUntil(t, b, domain.EventMessageNew)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, alice.ID, msg.AuthorID)

	ack := readUntil(t, a, domain.EventAck)
	assert.Equal(t, "m1", ack.Ref)
	assert.Equal(t, testRoom, ack.RoomID)
}

func TestTypingRequiresMembership(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dial(t, srv, alice)

	send(t, conn, FrameTypingStart, "t1", roomRequest{RoomID: testRoom})

	ev := readUntil(t, conn, domain.EventError)
	assert.Equal(t, "t1", ev.Ref)
	p := errorOf(t, ev)
	assert.Equal(t, "NOT_AUTHORIZED", p.Code)
	assert.Equal(t, FrameTypingStart, p.Request)
	assert.Equal(t, testRoom, p.RoomID)
}

func TestJoinRejectedForNonParticipant(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dial(t, srv, carol)

	send(t, conn, FrameRoomJoin, "j1", roomRequest{RoomID: testRoom})

	p := errorOf(t, readUntil(t, conn, domain.EventError))
	assert.Equal(t, "NOT_AUTHORIZED", p.Code)
	assert.Equal(t, testRoom, p.RoomID)
}

func TestMalformedFrames(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dial(t, srv, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "VALIDATION_ERROR", errorOf(t, readUntil(t, conn, domain.EventError)).Code)

	send(t, conn, "teleport", "x1", nil)
	ev := readUntil(t, conn, domain.EventError)
	assert.Equal(t, "x1", ev.Ref)
	assert.Equal(t, "VALIDATION_ERROR", errorOf(t, ev).Code)

	send(t, conn, FrameRoomJoin, "x2", nil)
	assert.Equal(t, "VALIDATION_ERROR", errorOf(t, readUntil(t, conn, domain.EventError)).Code)
}

func TestEventRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.EventsPerSecond = 0.001
	cfg.EventsBurst = 1
	srv := newTestServer(t, cfg)
	conn := dial(t, srv, alice)

	send(t, conn, FramePing, "p1", nil)
	readUntil(t, conn, domain.EventPong)

	send(t, conn, FramePing, "p2", nil)
	ev := readUntil(t, conn, domain.EventError)
	assert.Equal(t, "p2", ev.Ref)
	assert.Equal(t, "RATE_LIMITED", errorOf(t, ev).Code)
}

func TestPresenceSubscribe(t *testing.T) {
	srv := newTestServer(t, testConfig())
	watcher := dial(t, srv, carol)

	send(t, watcher, FramePresenceSubscribe, "s1", presenceRequest{UserIDs: []domain.UserID{bob.ID}})
	ev := readUntil(t, watcher, domain.EventPresenceStatus)
	assert.Equal(t, "s1", ev.Ref)
	var snap snapshotPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &snap))
	assert.Equal(t, map[domain.UserID]bool{bob.ID: false}, snap.Statuses)

	dial(t, srv, bob)
	online := readUntil(t, watcher, domain.EventUserOnline)
	assert.Equal(t, bob.ID, online.UserID)
}

func TestDisconnectClearsTypingAndMembership(t *testing.T) {
	srv := newTestServer(t, testConfig())
	a := dial(t, srv, alice)
	b := dial(t, srv, bob)

	send(t, b, FrameRoomJoin, "j1", roomRequest{RoomID: testRoom})
	readUntil(t, b, domain.EventRoomJoined)
	send(t, a, FrameRoomJoin, "j2", roomRequest{RoomID: testRoom})
	readUntil(t, a, domain.EventRoomJoined)

	send(t, a, FrameTypingStart, "t1", roomRequest{RoomID: testRoom})
	start := readUntil(t, b, domain.EventTypingStart)
	assert.Equal(t, alice.ID, start.UserID)

	require.NoError(t, a.Close())

	stop := readUntil(t, b, domain.EventTypingStop)
	assert.Equal(t, alice.ID, stop.UserID)
	readUntil(t, b, domain.EventRoomUserLeft)
}
