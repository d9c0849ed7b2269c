package router

import "sync"

// breaker trips a venue connector after N consecutive transient failures.
// A degraded connector stops receiving new orders until an operator resets
// it; there is no silent infinite retry.
type breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	degraded  bool
}

func newBreaker(threshold int) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &breaker{threshold: threshold}
}

// recordFailure counts one transient failure and reports whether this call
// tripped the breaker.
func (b *breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.degraded {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.degraded = true
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *breaker) isDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *breaker) reset() {
	b.mu.Lock()
	b.failures = 0
	b.degraded = false
	b.mu.Unlock()
}
