package ratelimiter_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/ratelimiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter() *ratelimiter.Limiter {
	overrides := ratelimiter.StaticOverrides{
		Default: ratelimiter.HostConfig{
			MaxRequestsPerMinute: 60,
			BackoffMultiplier:    2,
			MinBackoff:           time.Second,
			MaxBackoff:           time.Minute,
		},
	}
	return ratelimiter.New(overrides, ratelimiter.DefaultHeaderNames())
}

func TestAllow_WithinWindow(t *testing.T) {
	l := newLimiter()
	cfg := domain.RateLimitConfig{MaxRequestsPerMinute: 2}
	assert.True(t, l.Allow("https://api.example.com/x", cfg))
	assert.True(t, l.Allow("https://api.example.com/x", cfg))
	assert.False(t, l.Allow("https://api.example.com/x", cfg))
}

func TestAllow_DenialSetsBackoff(t *testing.T) {
	l := newLimiter()
	cfg := domain.RateLimitConfig{MaxRequestsPerMinute: 1, BackoffMultiplier: 2, MaxBackoff: time.Minute}
	require.True(t, l.Allow("https://api.example.com/x", cfg))
	require.False(t, l.Allow("https://api.example.com/x", cfg))

	snap := l.Snapshot("api.example.com")
	require.NotNil(t, snap.BackoffUntil)
	assert.Equal(t, 1, snap.ConsecutiveHits)
	assert.True(t, snap.BackoffUntil.After(time.Now()))
}

func TestAllow_DifferentHostsIndependent(t *testing.T) {
	l := newLimiter()
	cfg := domain.RateLimitConfig{MaxRequestsPerMinute: 1}
	require.True(t, l.Allow("https://a.example.com/x", cfg))
	assert.True(t, l.Allow("https://b.example.com/x", cfg))
}

func TestObserve_RemainingZeroWithRetryAfter(t *testing.T) {
	l := newLimiter()
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("Retry-After", "5")

	l.Observe("https://api.example.com/x", h, time.Second)

	snap := l.Snapshot("api.example.com")
	require.NotNil(t, snap.BackoffUntil)
	assert.Equal(t, 1, snap.ConsecutiveHits)
	assert.InDelta(t, 5*time.Second, snap.CurrentBackoff, float64(500*time.Millisecond))
}

func TestObserve_RemainingZeroWithReset(t *testing.T) {
	l := newLimiter()
	reset := time.Now().Add(10 * time.Second).Unix()
	h := http.Header{}
	h.Set("x-ratelimit-remaining", "0")
	h.Set("x-ratelimit-reset", "")
	h.Set("x-ratelimit-reset", strconv.FormatInt(reset, 10))

	l.Observe("https://api.example.com/x", h, time.Second)

	snap := l.Snapshot("api.example.com")
	require.NotNil(t, snap.BackoffUntil)
	assert.InDelta(t, 10*time.Second, time.Until(*snap.BackoffUntil), float64(2*time.Second))
}

func TestObserve_RemainingPositiveResetsBackoff(t *testing.T) {
	l := newLimiter()
	cfg := domain.RateLimitConfig{MaxRequestsPerMinute: 1, BackoffMultiplier: 2, MaxBackoff: time.Minute}
	require.True(t, l.Allow("https://api.example.com/x", cfg))
	require.False(t, l.Allow("https://api.example.com/x", cfg))

	h := http.Header{}
	h.Set("x-ratelimit-remaining", "10")
	l.Observe("https://api.example.com/x", h, 250*time.Millisecond)

	snap := l.Snapshot("api.example.com")
	assert.Equal(t, 0, snap.ConsecutiveHits)
	assert.Equal(t, 250*time.Millisecond, snap.CurrentBackoff)
}

func TestObserve429_NoHeadersFallsBackToExponential(t *testing.T) {
	l := newLimiter()
	l.Observe429("https://api.example.com/x", nil, nil, time.Second)
	snap := l.Snapshot("api.example.com")
	require.NotNil(t, snap.BackoffUntil)
	assert.Equal(t, 1, snap.ConsecutiveHits)
}

func TestStaticOverrides_ExactBeatsSuffixBeatsJobDefault(t *testing.T) {
	o := ratelimiter.StaticOverrides{
		Exact:  map[string]ratelimiter.HostConfig{"api.example.com": {MaxRequestsPerMinute: 5}},
		Suffix: map[string]ratelimiter.HostConfig{".example.com": {MaxRequestsPerMinute: 10}},
		Default: ratelimiter.HostConfig{MaxRequestsPerMinute: 100},
	}
	assert.Equal(t, 5, o.Resolve("api.example.com", domain.RateLimitConfig{MaxRequestsPerMinute: 1}).MaxRequestsPerMinute)
	assert.Equal(t, 10, o.Resolve("sub.example.com", domain.RateLimitConfig{MaxRequestsPerMinute: 1}).MaxRequestsPerMinute)
	assert.Equal(t, 1, o.Resolve("other.com", domain.RateLimitConfig{MaxRequestsPerMinute: 1}).MaxRequestsPerMinute)
	assert.Equal(t, 100, o.Resolve("other.com", domain.RateLimitConfig{}).MaxRequestsPerMinute)
}

func TestGC_RemovesIdleTrackers(t *testing.T) {
	l := newLimiter()
	cfg := domain.RateLimitConfig{MaxRequestsPerMinute: 10}
	l.Allow("https://stale.example.com/x", cfg)
	assert.Equal(t, 1, l.TrackedHosts())

	removed := l.GC(time.Now().Add(11 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, l.TrackedHosts())
}
