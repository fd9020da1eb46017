package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors run events into one Redis stream per run
// (key "<prefix>:<run_id>") so external consumers can follow progress.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	ttl    time.Duration
}

// NewRedisSink creates a sink. maxLen <= 0 disables trimming; ttl <= 0 keeps streams forever.
func NewRedisSink(client redis.UniversalClient, prefix string, maxLen int64, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "shannon:research:events"
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

// StreamKey returns the stream holding events of runID.
func (s *RedisSink) StreamKey(runID string) string {
	return s.prefix + ":" + runID
}

// Write appends evt to the run's stream.
func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	values := map[string]interface{}{
		"type":      string(evt.Type),
		"seq":       strconv.FormatUint(evt.Seq, 10),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if evt.AgentID != "" {
		values["agent_id"] = evt.AgentID
	}
	if evt.Message != "" {
		values["message"] = evt.Message
	}
	if len(evt.Payload) > 0 {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		values["payload"] = string(b)
	}

	key := s.StreamKey(evt.RunID)
	args := &redis.XAddArgs{Stream: key, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}
