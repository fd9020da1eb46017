package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

func seeded(t *testing.T) *streaming.Manager {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	mgr.Publish("r1", streaming.Event{Type: streaming.EventRunStarted, Message: "brief"})
	mgr.Publish("r1", streaming.Event{Type: streaming.EventDecision, Message: "execute"})
	mgr.Publish("r1", streaming.Event{Type: streaming.EventRunCompleted, Message: "completed"})
	return mgr
}

func TestSSEReplaysFilteredBacklog(t *testing.T) {
	h := NewStreamingHandler(seeded(t), zaptest.NewLogger(t))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?run_id=r1&last_event_id=1&types=DECISION,RUN_COMPLETED", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, ": connected to run r1")
	assert.Contains(t, body, "id: 2\nevent: DECISION\n")
	assert.Contains(t, body, "id: 3\nevent: RUN_COMPLETED\n")
	assert.NotContains(t, body, "RUN_STARTED")
}

func TestSSEHonoursLastEventIDHeader(t *testing.T) {
	h := NewStreamingHandler(seeded(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?run_id=r1&last_event_id=0", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	h.handleSSE(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: RUN_COMPLETED")
	assert.NotContains(t, body, "event: DECISION")
}

func TestStreamRequiresRunID(t *testing.T) {
	h := NewStreamingHandler(streaming.NewManager(4, nil), nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, path := range []string{"/stream/sse", "/stream/ws"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestWebSocketReplaysThenStreamsLive(t *testing.T) {
	mgr := seeded(t)
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=r1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []streaming.Event
	for i := 0; i < 3; i++ {
		var evt streaming.Event
		require.NoError(t, conn.ReadJSON(&evt))
		got = append(got, evt)
	}
	assert.Equal(t, streaming.EventRunStarted, got[0].Type)
	assert.Equal(t, uint64(3), got[2].Seq)

	mgr.Publish("r1", streaming.Event{Type: streaming.EventWorkerCompleted, AgentID: "a1"})
	var live streaming.Event
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, streaming.EventWorkerCompleted, live.Type)
	assert.Equal(t, "a1", live.AgentID)
	assert.Equal(t, "r1", live.RunID)
}

type fakeBreaker struct {
	name  string
	state circuitbreaker.State
}

func (f fakeBreaker) Name() string                { return f.name }
func (f fakeBreaker) State() circuitbreaker.State { return f.state }

func TestHealthEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthHandler(fakeBreaker{name: "provider:groq", state: circuitbreaker.StateClosed}).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "closed", body.Breakers["provider:groq"])
}

func TestReadyDegradedWhenBreakerOpen(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthHandler(fakeBreaker{name: "provider:groq", state: circuitbreaker.StateOpen}).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}
