package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestManagerPublishSubscribe(t *testing.T) {
	m := NewManager(8, zap.NewNop())
	ch := m.Subscribe("run-1", 4)

	m.Publish("run-1", Event{Type: EventRunStarted, Message: "explain caching"})
	m.Publish("run-2", Event{Type: EventRunStarted})

	select {
	case e := <-ch:
		assert.Equal(t, EventRunStarted, e.Type)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, uint64(1), e.Seq)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	m.Unsubscribe("run-1", ch)
	_, open := <-ch
	assert.False(t, open)

	// double unsubscribe must not panic
	m.Unsubscribe("run-1", ch)
}

func TestManagerReplayIsPerRun(t *testing.T) {
	m := NewManager(5, nil)
	for i := 0; i < 7; i++ {
		m.Publish("run-a", Event{Type: EventDecision})
	}
	m.Publish("run-b", Event{Type: EventDecision})

	evs := m.ReplaySince("run-a", 3)
	require.Len(t, evs, 4)
	for _, e := range evs {
		assert.Greater(t, e.Seq, uint64(3))
	}
	assert.Len(t, m.ReplaySince("run-b", 0), 1)

	m.Forget("run-a")
	assert.Nil(t, m.ReplaySince("run-a", 0))
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestManagerSinkFailureDoesNotBlockPublish(t *testing.T) {
	sink := &failingSink{}
	m := NewManager(4, zap.NewNop(), sink)
	m.Publish("run-1", Event{Type: EventRunCompleted})
	assert.Equal(t, 1, sink.calls)
	assert.Len(t, m.ReplaySince("run-1", 0), 1)
}

func TestRedisSinkMirrorsEvents(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "test:events", 0, time.Hour)
	m := NewManager(16, zap.NewNop(), sink)

	m.Publish("run-1", Event{Type: EventRunStarted, Message: "explain caching"})
	m.Publish("run-1", Event{Type: EventDispatchStarted, Payload: map[string]interface{}{"batch_size": 1}})

	msgs, err := client.XRange(context.Background(), sink.StreamKey("run-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "RUN_STARTED", msgs[0].Values["type"])
	assert.Equal(t, "explain caching", msgs[0].Values["message"])
	assert.Equal(t, "1", msgs[0].Values["seq"])
	assert.Equal(t, "DISPATCH_STARTED", msgs[1].Values["type"])
	assert.JSONEq(t, `{"batch_size":1}`, msgs[1].Values["payload"].(string))

	assert.True(t, mr.TTL(sink.StreamKey("run-1")) > 0)
}
