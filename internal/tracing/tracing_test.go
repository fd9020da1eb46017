package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Spans still work against the global no-op provider.
	ctx, span := StartSpan(context.Background(), "test")
	EndSpan(span, nil)
	assert.NotNil(t, ctx)
}

func TestInjectTraceparent(t *testing.T) {
	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	})
	ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)

	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", req.Header.Get("traceparent"))

	empty, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	InjectTraceparent(context.Background(), empty)
	assert.Empty(t, empty.Header.Get("traceparent"))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Config{SampleRatio: 1.5}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
