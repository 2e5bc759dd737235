// Package trigger – breaker.go is the per-trigger circuit breaker. A
// trigger whose action keeps failing stops firing until a human tests it,
// instead of spamming the user every evaluation cycle.
package trigger

import "sync"

// Breaker counts consecutive failures per trigger and opens at the
// threshold. Process-local: a restart closes all circuits, which is fine
// because the durable error_count still gates persistent failures.
type Breaker struct {
	threshold int

	mu       sync.Mutex
	failures map[string]int
}

// NewBreaker creates a breaker opening after threshold consecutive failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{threshold: threshold, failures: make(map[string]int)}
}

// Allow reports whether the trigger's circuit is still closed.
func (b *Breaker) Allow(triggerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[triggerID] < b.threshold
}

// RecordFailure counts a failure and reports whether the circuit just
// opened on this one.
func (b *Breaker) RecordFailure(triggerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[triggerID]++
	return b.failures[triggerID] == b.threshold
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess(triggerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, triggerID)
}

// Reset closes the circuit explicitly (manual test of a trigger).
func (b *Breaker) Reset(triggerID string) {
	b.RecordSuccess(triggerID)
}
