// Package ratelimit implements in-memory sliding-window rate limiting
// for the proxy's write actions. Windows live for the process lifetime
// only; a restart clears all quota state.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Window keys for the proxy's action classes.
const (
	KeyPostHourly = "post_hourly"
	KeyPostDaily  = "post_daily"
	KeyVoteHourly = "vote_hourly"
)

// Rule is a cap over a sliding time horizon.
type Rule struct {
	Cap     int
	Horizon time.Duration
}

// DefaultRules are the proxy's action caps.
var DefaultRules = map[string]Rule{
	KeyPostHourly: {Cap: 3, Horizon: time.Hour},
	KeyPostDaily:  {Cap: 10, Horizon: 24 * time.Hour},
	KeyVoteHourly: {Cap: 20, Horizon: time.Hour},
}

// Decision is the outcome of a window check.
type Decision struct {
	Allowed bool
	Reason  string
}

// window holds acceptance timestamps for one action class. Append and
// prune are guarded by the window's own mutex so checks on different
// keys never contend.
type window struct {
	mu     sync.Mutex
	rule   Rule
	stamps []time.Time
}

// Limiter tracks one sliding window per configured key. Check is
// non-mutating beyond pruning expired stamps; Record appends an
// acceptance. Callers record only after upstream success so denied and
// failed requests never consume quota.
type Limiter struct {
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates a Limiter with the default action rules.
func NewLimiter() *Limiter {
	return NewLimiterWithRules(DefaultRules, time.Now)
}

// NewLimiterWithRules creates a Limiter with explicit rules and clock.
// The clock hook exists for deterministic tests.
func NewLimiterWithRules(rules map[string]Rule, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		windows: make(map[string]*window, len(rules)),
		now:     now,
	}
	for key, rule := range rules {
		l.windows[key] = &window{rule: rule}
	}
	return l
}

// Check reports whether one more acceptance fits under the key's cap.
// Unknown keys fail closed.
func (l *Limiter) Check(key string) Decision {
	w, ok := l.windows[key]
	if !ok {
		return Decision{Reason: fmt.Sprintf("Unknown rate limit key: %s", key)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(l.now())
	if len(w.stamps) >= w.rule.Cap {
		hours := int(w.rule.Horizon / time.Hour)
		return Decision{Reason: fmt.Sprintf("Rate limit exceeded: %s (%d per %dh)", key, w.rule.Cap, hours)}
	}
	return Decision{Allowed: true}
}

// Record appends the current time to the key's window. Unknown keys are
// ignored.
func (l *Limiter) Record(key string) {
	w, ok := l.windows[key]
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.pruneLocked(now)
	w.stamps = append(w.stamps, now)
}

// Size returns the number of live acceptances in the key's window.
func (l *Limiter) Size(key string) int {
	w, ok := l.windows[key]
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(l.now())
	return len(w.stamps)
}

// pruneLocked drops stamps older than the horizon. Must be called with
// w.mu held.
func (w *window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.rule.Horizon)
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep
}
