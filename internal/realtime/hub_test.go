package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/typeguard/internal/risk"
	"github.com/mbd888/typeguard/internal/session"
)

// echoHandler replies to every frame with an analysis_result carrying the
// frame as its message, and treats frames equal to "subscribe" as alert
// subscriptions.
type echoHandler struct {
	mu           sync.Mutex
	connected    map[session.ConnID]bool
	subscribed   map[session.ConnID]bool
	disconnected []session.ConnID
}

func newEchoHandler() *echoHandler {
	return &echoHandler{
		connected:  make(map[session.ConnID]bool),
		subscribed: make(map[session.ConnID]bool),
	}
}

func (e *echoHandler) Connect(conn session.ConnID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected[conn] = true
}

func (e *echoHandler) Disconnect(conn session.ConnID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connected, conn)
	e.disconnected = append(e.disconnected, conn)
}

func (e *echoHandler) Handle(_ context.Context, conn session.ConnID, raw []byte) *session.Outbound {
	if string(raw) == "subscribe" {
		e.mu.Lock()
		e.subscribed[conn] = true
		e.mu.Unlock()
		return &session.Outbound{Type: session.MsgSubscribed}
	}
	return &session.Outbound{Type: session.MsgAnalysisResult, Message: string(raw)}
}

func (e *echoHandler) Subscribed(conn session.ConnID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribed[conn]
}

func (e *echoHandler) connectedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connected)
}

func testHub(t *testing.T) (*Hub, *echoHandler) {
	t.Helper()
	handler := newEchoHandler()
	h := NewHub(slog.Default()).WithHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, handler
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readOutbound(t *testing.T, conn *websocket.Conn) session.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out session.Outbound
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_Stats_Initial(t *testing.T) {
	h := NewHub(nil)
	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalMessages"])
	assert.Equal(t, int64(0), stats["peakClients"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, handler := testHub(t)

	client := &Client{hub: h, id: "c1", send: make(chan []byte, sendBufferSize)}
	h.register <- client
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, handler.connectedCount())
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, handler.connectedCount())
	// Peak should still be 1
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	// The send channel is closed exactly once and later enqueues fail.
	assert.False(t, client.enqueue([]byte("late")))
	client.close()
}

func TestHub_RepliesInOrder(t *testing.T) {
	h, _ := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		out := readOutbound(t, conn)
		assert.Equal(t, session.MsgAnalysisResult, out.Type)
		assert.Equal(t, want, out.Message)
	}
	assert.Equal(t, int64(3), h.Stats()["totalMessages"])
}

func TestHub_AlertsOnlyReachSubscribers(t *testing.T) {
	h, _ := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	monitor := dial(t, srv)
	bystander := dial(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, monitor.WriteMessage(websocket.TextMessage, []byte("subscribe")))
	assert.Equal(t, session.MsgSubscribed, readOutbound(t, monitor).Type)

	h.NotifyAlert(session.AlertNotice{
		SessionID: "s1",
		UserID:    "u1",
		Score:     0.91,
		Alert:     risk.Alert{Level: risk.LevelHigh, Message: risk.HighMessage, RecommendedAction: risk.HighAction},
		At:        time.Now(),
	})

	out := readOutbound(t, monitor)
	assert.Equal(t, session.MsgRiskAlert, out.Type)
	assert.Equal(t, "s1", out.SessionID)
	require.NotNil(t, out.Alert)
	assert.Equal(t, risk.LevelHigh, out.Alert.Level)
	require.NotNil(t, out.RiskScore)
	assert.InDelta(t, 0.91, *out.RiskScore, 1e-9)

	// The bystander gets only its own echo.
	require.NoError(t, bystander.WriteMessage(websocket.TextMessage, []byte("ping")))
	out = readOutbound(t, bystander)
	assert.Equal(t, session.MsgAnalysisResult, out.Type)
	assert.Equal(t, "ping", out.Message)
	assert.Equal(t, int64(1), h.Stats()["totalAlerts"])
}

func TestHub_DisconnectNotifiesHandler(t *testing.T) {
	h, handler := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return handler.connectedCount() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	require.Eventually(t, func() bool { return handler.connectedCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ConnectionLimit(t *testing.T) {
	h, _ := testHub(t)
	h.WithMaxClients(1)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHub_RejectsWithoutHandler(t *testing.T) {
	h := NewHub(nil)
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_NotifyAlertNeverBlocks(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < alertQueueSize+10; i++ {
		h.NotifyAlert(session.AlertNotice{SessionID: "s"})
	}
	assert.Equal(t, int64(10), h.Stats()["droppedAlerts"])
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(nil).WithAllowedOrigins([]string{"https://app.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("http://api.example.com")))
	assert.True(t, h.checkOrigin(req("https://app.example.com")))
	assert.False(t, h.checkOrigin(req("https://evil.example.com")))

	h.WithAllowedOrigins([]string{"*"})
	assert.True(t, h.checkOrigin(req("https://evil.example.com")))
}

func TestHub_ContextCancellation(t *testing.T) {
	h := NewHub(nil).WithHandler(newEchoHandler())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
