package persist

import (
	"fmt"
	"sync"
)

// MemoryStats contains statistics about a MemorySink.
type MemoryStats struct {
	Records int // Number of records held
	Bytes   int // Total payload size in bytes
}

// MemorySink keeps records in memory and acknowledges them immediately.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemorySink struct {
	mu     sync.RWMutex
	data   map[string]Record
	order  []string
	closed bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		data: make(map[string]Record),
	}
}

func recordKey(subgroup uint32, sender uint32, index int64) string {
	return fmt.Sprintf("%d/%d/%d", subgroup, sender, index)
}

// Persist stores a copy of rec and calls done before returning.
func (m *MemorySink) Persist(rec Record, done func(error)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		done(ErrClosed)
		return
	}

	// Make a copy to prevent external modification
	stored := rec
	stored.Payload = append([]byte(nil), rec.Payload...)
	key := recordKey(rec.Subgroup, uint32(rec.Sender), rec.Index)
	if _, exists := m.data[key]; !exists {
		m.order = append(m.order, key)
	}
	m.data[key] = stored
	m.mu.Unlock()

	done(nil)
}

// Get returns the record for (subgroup, sender, index).
func (m *MemorySink) Get(subgroup uint32, sender uint32, index int64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[recordKey(subgroup, sender, index)]
	if !ok {
		return Record{}, false
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, true
}

// Records returns copies of all records in the order they were first stored.
func (m *MemorySink) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.order))
	for _, k := range m.order {
		rec := m.data[k]
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	return out
}

// Stats returns sink statistics.
func (m *MemorySink) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, rec := range m.data {
		total += len(rec.Payload)
	}
	return MemoryStats{Records: len(m.data), Bytes: total}
}

// Close makes later Persist calls fail with ErrClosed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
