// Package httpapi exposes run events and service health over HTTP.
package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers the streaming routes on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// streamQuery is the parsed form of ?run_id=&types=&last_event_id=.
type streamQuery struct {
	runID  string
	types  map[streaming.EventType]struct{}
	lastID uint64
}

func parseStreamQuery(r *http.Request) (streamQuery, bool) {
	q := streamQuery{runID: r.URL.Query().Get("run_id"), types: map[streaming.EventType]struct{}{}}
	if q.runID == "" {
		return q, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.types[streaming.EventType(t)] = struct{}{}
			}
		}
	}
	// Last-Event-ID wins over the query parameter so browsers resume correctly.
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			q.lastID = n
			break
		}
	}
	return q, true
}

func (q streamQuery) wants(evt streaming.Event) bool {
	if len(q.types) == 0 {
		return true
	}
	_, ok := q.types[evt.Type]
	return ok
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /stream/sse?run_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	q, ok := parseStreamQuery(r)
	if !ok {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(q.runID, subscriberBuffer)
	defer h.mgr.Unsubscribe(q.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", q.runID)
	for _, evt := range h.mgr.ReplaySince(q.runID, q.lastID) {
		if q.wants(evt) {
			writeSSE(w, evt)
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", q.runID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if !q.wants(evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
