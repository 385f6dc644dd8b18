package caching

import (
	"sync"
	"time"
)

// Bad-event backoff bounds, per spec.md §4.4.
const (
	BadEventMinBackoff = 5 * time.Minute
	BadEventMaxBackoff = 24 * time.Hour
)

// BadEventRatelimiter rate-limits signature-verification retries per
// event id. It is a process-wide read-write map, as described in
// spec.md §5 ("The bad-event ratelimiter is a process-wide read-write
// map").
type BadEventRatelimiter struct {
	mu      sync.RWMutex
	entries map[string]badEventEntry

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

type badEventEntry struct {
	lastAttempt time.Time
	attempts    uint32
}

// NewBadEventRatelimiter constructs an empty ratelimiter.
func NewBadEventRatelimiter() *BadEventRatelimiter {
	return &BadEventRatelimiter{
		entries: make(map[string]badEventEntry),
		now:     time.Now,
	}
}

// backoffFor computes min(MAX, MIN * 2^(attempts-1)) for the given
// attempt count, per spec.md §4.4.
func backoffFor(attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	backoff := BadEventMinBackoff
	// Shift-by-(attempts-1), capped well before overflow since we clamp
	// to BadEventMaxBackoff anyway.
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	backoff = backoff << shift
	if backoff > BadEventMaxBackoff || backoff <= 0 {
		return BadEventMaxBackoff
	}
	return backoff
}

// ShouldRetry reports whether a verification attempt for eventID should
// proceed now. It returns false while elapsed time since the last
// failure is less than the current backoff window.
func (b *BadEventRatelimiter) ShouldRetry(eventID string) bool {
	b.mu.RLock()
	entry, ok := b.entries[eventID]
	b.mu.RUnlock()
	if !ok {
		return true
	}
	elapsed := b.now().Sub(entry.lastAttempt)
	return elapsed >= backoffFor(entry.attempts)
}

// RecordFailure records a failed verification attempt, extending the
// backoff window for subsequent calls to ShouldRetry.
func (b *BadEventRatelimiter) RecordFailure(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entries[eventID]
	entry.attempts++
	entry.lastAttempt = b.now()
	b.entries[eventID] = entry
}

// RecordSuccess clears any ratelimiter entry for eventID, per
// spec.md §4.4 ("Successful verification clears the entry").
func (b *BadEventRatelimiter) RecordSuccess(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, eventID)
}
