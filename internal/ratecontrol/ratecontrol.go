package ratecontrol

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// RateLimit is a request budget for one provider.
type RateLimit struct {
	RPM   int
	Burst int
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, Burst: 5},
	"anthropic": {RPM: 20, Burst: 4},
	"google":    {RPM: 40, Burst: 5},
	"groq":      {RPM: 30, Burst: 5},
	"mistral":   {RPM: 50, Burst: 5},
	"unknown":   {RPM: 45, Burst: 5},
}

// LimitForProvider returns the built-in budget for a provider family, or
// the zero limit when it is not known.
func LimitForProvider(provider string) RateLimit {
	if limit, ok := builtInProviderLimits[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return limit
	}
	return RateLimit{}
}

// CombineLimits keeps the stricter positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM:   minPositive(a.RPM, b.RPM),
		Burst: minPositive(a.Burst, b.Burst),
	}
	return limit
}

// Limiter paces provider requests. A nil *Limiter never waits.
type Limiter struct {
	limiter *rate.Limiter
	limit   RateLimit
}

// NewLimiter builds a limiter from configured limits combined with the
// provider's built-in budget. It returns nil when no positive RPM applies.
func NewLimiter(provider string, configured RateLimit) *Limiter {
	limit := CombineLimits(configured, LimitForProvider(provider))
	if limit.RPM <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	every := time.Minute / time.Duration(limit.RPM)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(every), limit.Burst), limit: limit}
}

// Limit returns the effective budget.
func (l *Limiter) Limit() RateLimit {
	if l == nil {
		return RateLimit{}
	}
	return l.limit
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	err := l.limiter.Wait(ctx)
	metrics.ProviderRateLimitWait.Observe(time.Since(start).Seconds())
	return err
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
