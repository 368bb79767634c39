package domain

import "time"

// RateLimitTracker is process-local, per-target-domain ephemeral state
// (spec §3). It is never persisted — a process restart resets it.
type RateLimitTracker struct {
	Requests       []time.Time
	CurrentBackoff time.Duration
	BackoffUntil   *time.Time
	ConsecutiveHits int
	LastResetTime  time.Time
	LastObservedAt time.Time
}
