package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/typeguard/internal/analyzer"
	"github.com/mbd888/typeguard/internal/config"
	"github.com/mbd888/typeguard/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config with the snapshot file in
// a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		LogFormat:              "text",
		ModelPath:              filepath.Join(t.TempDir(), "models.json"),
		MinProfileSamples:      10,
		ProfileHistorySize:     200,
		FeedbackWeight:         3,
		BootstrapOnLoadFailure: true,
		AlertHighThreshold:     0.7,
		AlertMediumThreshold:   0.5,
		MaxWSClients:           10,
		RateLimitRPM:           6000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func keystrokes(n int) []map[string]any {
	var out []map[string]any
	ts := 1000.0
	for i := 0; i < n; i++ {
		key := string(rune('a' + i%26))
		out = append(out,
			map[string]any{"type": "keydown", "keyCode": 65 + i%26, "key": key, "timestamp": ts},
			map[string]any{"type": "keyup", "keyCode": 65 + i%26, "key": key, "timestamp": ts + 85, "dwellTime": 85 + float64(i%4)},
		)
		ts += 85 + 140 + float64(i%5)*9
	}
	return out
}

func TestNew_BootstrapsWhenNoSnapshot(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	assert.True(t, s.analyzer.IsTrained())
	assert.Nil(t, s.checkpoint, "checkpoint disabled with zero interval")
	assert.Nil(t, s.eventWriter)
}

func TestNew_FailsWithoutBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootstrapOnLoadFailure = false

	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.ErrorIs(t, err, analyzer.ErrModelLoad)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "model", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
	// Not ready until Run.
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil).Code)
	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	do(t, s, http.MethodGet, "/health", nil)

	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "typeguard_http_requests_total")
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := do(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "lb-1234", rec.Header().Get("X-Request-ID"))
}

func TestBehavioralDataFlow(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := do(t, s, http.MethodPost, "/v1/behavioral-data", map[string]any{
		"sessionId":     "sess-1",
		"userId":        "alice",
		"keystrokeData": keystrokes(12),
		"mouseData":     []any{},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "sess-1", resp["sessionId"])
	score, ok := resp["riskScore"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)

	w = do(t, s, http.MethodGet, "/v1/sessions/sess-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v1/profiles/alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.riskEngine.Wait()
	w = do(t, s, http.MethodGet, "/v1/profiles/alice/assessments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestModelStatus(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := do(t, s, http.MethodGet, "/v1/models/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"trained":true`)
}

func TestRealtimeStats(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := do(t, s, http.MethodGet, "/v1/realtime/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0.0, stats["activeSessions"])
	assert.Equal(t, 0.0, stats["connectedClients"])
}

func TestWebSocketFlow(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.realtimeHub.Run(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	ks, err := json.Marshal(keystrokes(10))
	require.NoError(t, err)
	msg := fmt.Sprintf(`{"type":"behavioral_data","sessionId":"ws-1","userId":"bob","keystrokeData":%s,"mouseData":[]}`, ks)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out session.Outbound
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, session.MsgAnalysisResult, out.Type)
	assert.Equal(t, "ws-1", out.SessionID)
	require.NotNil(t, out.RiskScore)

	// Bad frames get an error reply and the connection stays open.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, session.MsgError, out.Type)
	assert.Equal(t, session.InvalidJSONMessage, out.Message)

	assert.Equal(t, 1, s.coordinator.SessionCount())
}

func TestShutdown_SavesModels(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	require.NoError(t, s.Shutdown())
	_, err := os.Stat(cfg.ModelPath)
	require.NoError(t, err, "final snapshot written")

	// A second server starts from the snapshot instead of bootstrapping.
	cfg.BootstrapOnLoadFailure = false
	again := newTestServer(t, cfg)
	assert.True(t, again.analyzer.IsTrained())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/typeguard")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Contains(t, masked, "@db:5432/typeguard")
	assert.Equal(t, "***", maskDSN("://bad"))
}
