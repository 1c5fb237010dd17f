package transport

import "sync"

// InflightTracker bounds the number of outstanding sends per group.
type InflightTracker struct {
	mu      sync.Mutex
	pending map[GroupKey]int
	limit   int
}

// NewInflightTracker creates a tracker allowing limit sends per group.
func NewInflightTracker(limit int) *InflightTracker {
	return &InflightTracker{
		pending: make(map[GroupKey]int),
		limit:   limit,
	}
}

// Acquire reserves a send slot for key, reporting false if none is free.
func (t *InflightTracker) Acquire(key GroupKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] >= t.limit {
		return false
	}
	t.pending[key]++
	return true
}

// Release frees a slot reserved by Acquire.
func (t *InflightTracker) Release(key GroupKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] > 0 {
		t.pending[key]--
	}
	if t.pending[key] == 0 {
		delete(t.pending, key)
	}
}

// Pending returns the number of outstanding sends on key.
func (t *InflightTracker) Pending(key GroupKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[key]
}
