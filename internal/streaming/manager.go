package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// EventType enumerates run lifecycle events.
type EventType string

const (
	EventRunStarted      EventType = "RUN_STARTED"
	EventDecision        EventType = "DECISION"
	EventGuardFired      EventType = "GUARD_FIRED"
	EventDispatchStarted EventType = "DISPATCH_STARTED"
	EventWorkerCompleted EventType = "WORKER_COMPLETED"
	EventRunCompleted    EventType = "RUN_COMPLETED"
	EventRunFailed       EventType = "RUN_FAILED"
)

// Event is a single run event.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      EventType              `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in logs or sinks.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher is the write side used by the orchestration core.
type Publisher interface {
	Publish(runID string, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, Event) {}

// Sink mirrors events to an external system after they are sequenced.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
}

// Manager provides in-memory pub/sub for run events with a per-run replay ring.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	sinks       []Sink
	sinkTimeout time.Duration
	logger      *zap.Logger
}

// NewManager creates a manager keeping up to capacity events per run.
func NewManager(capacity int, logger *zap.Logger, sinks ...Sink) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		sinks:       sinks,
		sinkTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish sequences evt, stores it for replay, fans it out to subscribers
// (non-blocking) and mirrors it to the configured sinks.
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Sends are non-blocking, so fan-out happens under the lock and
	// Unsubscribe can never close a channel mid-send.
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
		if err := s.Write(ctx, evt); err != nil {
			metrics.EventSinkErrors.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("Failed to mirror run event",
				zap.String("sink", s.Name()),
				zap.String("run_id", runID),
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
