package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(RateLimit{RPM: 30, Burst: 0}, RateLimit{RPM: 20, Burst: 4})
	assert.Equal(t, RateLimit{RPM: 20, Burst: 4}, combined)

	assert.Equal(t, RateLimit{}, CombineLimits(RateLimit{}, RateLimit{}))
}

func TestLimitForProvider(t *testing.T) {
	assert.Equal(t, 30, LimitForProvider(" Groq ").RPM)
	assert.Equal(t, RateLimit{}, LimitForProvider("self-hosted"))
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter("self-hosted", RateLimit{}))

	l := NewLimiter("groq", RateLimit{RPM: 600, Burst: 2})
	require.NotNil(t, l)
	assert.Equal(t, RateLimit{RPM: 30, Burst: 2}, l.Limit())

	l = NewLimiter("self-hosted", RateLimit{RPM: 60})
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Limit().Burst)
}

func TestLimiterWait(t *testing.T) {
	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background()))

	l := NewLimiter("self-hosted", RateLimit{RPM: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
