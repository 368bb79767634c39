// Package ratelimiter implements the per-target-domain rate limiter (spec
// §4.2, C2): a sliding window over the last 60s plus exponential backoff,
// informed by response headers when the target API reports its own limits.
package ratelimiter

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/metrics"
)

// window is the sliding-window size used to count requests per host.
const window = 60 * time.Second

// idleGC is how long a host's tracker survives without being touched
// before it is dropped (spec §4.2: "garbage-collected after 10 min of
// inactivity").
const idleGC = 10 * time.Minute

// HostConfig is the resolved limiting configuration for one target host:
// the result of applying override precedence (exact host, then suffix
// match, then the job's own config, then the process default).
type HostConfig struct {
	MaxRequestsPerMinute int
	BackoffMultiplier    float64
	MinBackoff           time.Duration
	MaxBackoff           time.Duration
}

// HeaderNames is the configurable set of response header names C2 inspects
// when parsing rate-limit signals (spec §4.2 "configurable set of names").
// Lookups are case-insensitive.
type HeaderNames struct {
	Remaining  string
	Reset      string
	RetryAfter string
}

// DefaultHeaderNames matches the conventional `x-ratelimit-*` family plus
// the standard `Retry-After` header.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Remaining:  "x-ratelimit-remaining",
		Reset:      "x-ratelimit-reset",
		RetryAfter: "retry-after",
	}
}

// OverrideResolver resolves the HostConfig for a host given the job's own
// rate-limit config, applying per-host overrides ahead of the job default
// (spec §4.2: "Per-host configuration overrides supersede the per-job
// default").
type OverrideResolver interface {
	Resolve(host string, jobCfg domain.RateLimitConfig) HostConfig
}

// StaticOverrides is the simplest OverrideResolver: a fixed map of exact
// hostnames and wildcard domain suffixes (`.example.com`) to HostConfig,
// falling back to the job's own config, then to a process-wide default.
type StaticOverrides struct {
	Exact    map[string]HostConfig
	Suffix   map[string]HostConfig
	Default  HostConfig
}

// Resolve implements OverrideResolver using the precedence order from
// spec §4.2: exact host match, then longest matching domain suffix, then
// the job's own config (when it carries a non-zero RPM), then Default.
func (o StaticOverrides) Resolve(host string, jobCfg domain.RateLimitConfig) HostConfig {
	if cfg, ok := o.Exact[host]; ok {
		return cfg
	}
	if best, ok := o.matchSuffix(host); ok {
		return best
	}
	if jobCfg.MaxRequestsPerMinute > 0 {
		return HostConfig{
			MaxRequestsPerMinute: jobCfg.MaxRequestsPerMinute,
			BackoffMultiplier:    jobCfg.BackoffMultiplier,
			MinBackoff:           o.Default.MinBackoff,
			MaxBackoff:           jobCfg.MaxBackoff,
		}
	}
	return o.Default
}

func (o StaticOverrides) matchSuffix(host string) (HostConfig, bool) {
	var bestLen int
	var best HostConfig
	var found bool
	for suffix, cfg := range o.Suffix {
		if strings.HasSuffix(host, suffix) && len(suffix) > bestLen {
			best, bestLen, found = cfg, len(suffix), true
		}
	}
	return best, found
}

type tracker struct {
	mu              sync.Mutex
	requests        []time.Time
	currentBackoff  time.Duration
	backoffUntil    time.Time
	consecutiveHits int
	lastObservedAt  time.Time
}

// Limiter is the concurrency-safe rate limiter. It holds one tracker per
// target host, lazily created on first observation (spec §4.2 lifecycle).
type Limiter struct {
	overrides OverrideResolver
	headers   HeaderNames

	mu       sync.Mutex
	trackers map[string]*tracker
}

// New builds a Limiter. overrides resolves per-host configuration;
// headers controls which response header names are parsed by Observe.
func New(overrides OverrideResolver, headers HeaderNames) *Limiter {
	return &Limiter{
		overrides: overrides,
		headers:   headers,
		trackers:  make(map[string]*tracker),
	}
}

// Allow reports whether a request to targetURL may proceed right now,
// under jobCfg's rate-limit knobs. A denial advances the host's backoff
// (spec §4.2).
func (l *Limiter) Allow(targetURL string, jobCfg domain.RateLimitConfig) bool {
	host, err := hostOf(targetURL)
	if err != nil {
		return true
	}
	cfg := l.overrides.Resolve(host, jobCfg)
	t := l.trackerFor(host)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.lastObservedAt = now
	t.requests = pruneOlderThan(t.requests, now, window)

	if !t.backoffUntil.IsZero() && now.Before(t.backoffUntil) {
		l.denyLocked(t, cfg, now)
		metrics.RateLimitDeniedTotal.WithLabelValues(host).Inc()
		return false
	}

	limit := cfg.MaxRequestsPerMinute
	if limit <= 0 {
		limit = jobCfg.MaxRequestsPerMinute
	}
	if limit > 0 && len(t.requests) >= limit {
		l.denyLocked(t, cfg, now)
		metrics.RateLimitDeniedTotal.WithLabelValues(host).Inc()
		return false
	}

	t.requests = append(t.requests, now)
	return true
}

func (l *Limiter) denyLocked(t *tracker, cfg HostConfig, now time.Time) {
	mult := cfg.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	base := t.currentBackoff
	if base <= 0 {
		base = cfg.MinBackoff
	}
	if base <= 0 {
		base = time.Second
	}
	next := time.Duration(float64(base) * mult)
	if cfg.MaxBackoff > 0 && next > cfg.MaxBackoff {
		next = cfg.MaxBackoff
	}
	t.currentBackoff = next
	t.backoffUntil = now.Add(next)
	t.consecutiveHits++
}

// Observe folds a response's rate-limit headers into the host's tracker
// (spec §4.2). Call it after every HTTP response, success or failure.
func (l *Limiter) Observe(targetURL string, responseHeaders http.Header, minBackoff time.Duration) {
	host, err := hostOf(targetURL)
	if err != nil {
		return
	}
	t := l.trackerFor(host)

	remaining, hasRemaining := l.parseRemaining(responseHeaders)
	reset := l.parseReset(responseHeaders)
	retryAfter := l.parseRetryAfter(responseHeaders)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.lastObservedAt = now
	// The request was already counted by Allow at admit time; Observe only
	// folds the response's rate-limit headers into the tracker.
	t.requests = pruneOlderThan(t.requests, now, window)

	if hasRemaining && remaining == 0 {
		switch {
		case retryAfter != nil:
			t.backoffUntil = now.Add(*retryAfter)
			t.currentBackoff = *retryAfter
		case reset != nil:
			t.backoffUntil = *reset
			if d := reset.Sub(now); d > 0 {
				t.currentBackoff = d
			}
		default:
			t.currentBackoff = maxDuration(t.currentBackoff, minBackoff) * 2
			t.backoffUntil = now.Add(t.currentBackoff)
		}
		t.consecutiveHits++
		return
	}

	if hasRemaining && remaining > 0 {
		t.consecutiveHits = 0
		t.currentBackoff = minBackoff
	}
}

// Observe429 folds an explicit 429 response into the host's tracker,
// independent of whatever headers (if any) accompanied it (spec §4.2).
func (l *Limiter) Observe429(targetURL string, retryAfter, reset *time.Time, minBackoff time.Duration) {
	host, err := hostOf(targetURL)
	if err != nil {
		return
	}
	t := l.trackerFor(host)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.lastObservedAt = now
	switch {
	case retryAfter != nil:
		t.backoffUntil = *retryAfter
		if d := retryAfter.Sub(now); d > 0 {
			t.currentBackoff = d
		}
	case reset != nil:
		t.backoffUntil = *reset
		if d := reset.Sub(now); d > 0 {
			t.currentBackoff = d
		}
	default:
		t.currentBackoff = maxDuration(t.currentBackoff, minBackoff) * 2
		t.backoffUntil = now.Add(t.currentBackoff)
	}
	t.consecutiveHits++
}

// Snapshot returns the current tracker state for host as a domain value,
// suitable for diagnostics or persistence of RateLimitConfig.LastRateLimitHit.
func (l *Limiter) Snapshot(host string) domain.RateLimitTracker {
	t := l.trackerFor(host)
	t.mu.Lock()
	defer t.mu.Unlock()

	var until *time.Time
	if !t.backoffUntil.IsZero() {
		u := t.backoffUntil
		until = &u
	}
	reqs := make([]time.Time, len(t.requests))
	copy(reqs, t.requests)
	return domain.RateLimitTracker{
		Requests:        reqs,
		CurrentBackoff:  t.currentBackoff,
		BackoffUntil:    until,
		ConsecutiveHits: t.consecutiveHits,
		LastObservedAt:  t.lastObservedAt,
	}
}

// GC drops trackers that have not been touched in idleGC. Intended to be
// called periodically by the health monitor (C7) or a background ticker
// owned by the caller.
func (l *Limiter) GC(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for host, t := range l.trackers {
		t.mu.Lock()
		idle := now.Sub(t.lastObservedAt)
		t.mu.Unlock()
		if idle > idleGC {
			delete(l.trackers, host)
			removed++
		}
	}
	metrics.RateLimitTrackedHosts.Set(float64(len(l.trackers)))
	return removed
}

// TrackedHosts returns the number of hosts currently tracked, for metrics.
func (l *Limiter) TrackedHosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trackers)
}

func (l *Limiter) trackerFor(host string) *tracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trackers[host]
	if !ok {
		t = &tracker{lastObservedAt: time.Now()}
		l.trackers[host] = t
	}
	return t
}

func (l *Limiter) parseRemaining(h http.Header) (int, bool) {
	v := headerValue(h, l.headers.Remaining)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (l *Limiter) parseReset(h http.Header) *time.Time {
	v := headerValue(h, l.headers.Reset)
	if v == "" {
		return nil
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(epoch, 0)
	return &t
}

func (l *Limiter) parseRetryAfter(h http.Header) *time.Duration {
	v := headerValue(h, l.headers.RetryAfter)
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

// headerValue looks up a header by name, case-insensitively, without
// relying on the canonical MIME form (targetApi responses are not
// guaranteed to use it).
func headerValue(h http.Header, name string) string {
	if name == "" {
		return ""
	}
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func pruneOlderThan(ts []time.Time, now time.Time, d time.Duration) []time.Time {
	cutoff := now.Add(-d)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
