// Package sst implements an in-process shared state table: one row per group
// member, each row written only by its owner and readable by everyone, plus a
// predicate evaluator that re-runs registered conditions whenever a row
// changes.
package sst

import (
	"sync"
)

// Row is one member's published state. Sequence columns hold -1 until the
// member has observed anything.
type Row struct {
	// SeqNum is, per subgroup, the highest global sequence number up to which
	// this member has received every message.
	SeqNum []int64
	// StableNum is, per subgroup, the highest sequence number this member
	// knows every shard member has received.
	StableNum []int64
	// DeliveredNum is, per subgroup, the highest sequence number delivered.
	DeliveredNum []int64
	// PersistedNum is, per subgroup, the highest sequence number durably
	// written by the local persistence sink.
	PersistedNum []int64
	// NumReceived holds the highest index received from each sender, at the
	// column offset assigned to the subgroup plus the sender's shard rank.
	NumReceived []int64
	// Suspected marks, by rank, members this member believes have failed.
	Suspected []bool
	// Wedged is set once the member has stopped sending and receiving.
	Wedged bool
}

func newRow(numRows, numSubgroups, numReceived int) Row {
	return Row{
		SeqNum:       filled(numSubgroups),
		StableNum:    filled(numSubgroups),
		DeliveredNum: filled(numSubgroups),
		PersistedNum: filled(numSubgroups),
		NumReceived:  filled(numReceived),
		Suspected:    make([]bool, numRows),
	}
}

func filled(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = -1
	}
	return s
}

// Clone returns a deep copy of r.
func (r Row) Clone() Row {
	return Row{
		SeqNum:       append([]int64(nil), r.SeqNum...),
		StableNum:    append([]int64(nil), r.StableNum...),
		DeliveredNum: append([]int64(nil), r.DeliveredNum...),
		PersistedNum: append([]int64(nil), r.PersistedNum...),
		NumReceived:  append([]int64(nil), r.NumReceived...),
		Suspected:    append([]bool(nil), r.Suspected...),
		Wedged:       r.Wedged,
	}
}

// Table is the shared state of one view. It is safe for concurrent use.
type Table struct {
	rows []Row

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int

	mu sync.RWMutex
}

// NewTable creates a table with numRows rows, numSubgroups per-subgroup
// columns and numReceived receive-counter columns.
func NewTable(numRows, numSubgroups, numReceived int) *Table {
	t := &Table{
		rows: make([]Row, numRows),
		subs: make(map[int]chan struct{}),
	}
	for i := range t.rows {
		t.rows[i] = newRow(numRows, numSubgroups, numReceived)
	}
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	return len(t.rows)
}

// Read runs fn with read access to every row. fn must not retain the slice or
// call back into the table.
func (t *Table) Read(fn func(rows []Row)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.rows)
}

// Row returns a copy of row i.
func (t *Table) Row(i int) Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[i].Clone()
}

// Update runs fn with write access to row i and then wakes every subscriber.
// fn must not call back into the table.
func (t *Table) Update(i int, fn func(r *Row)) {
	t.mu.Lock()
	fn(&t.rows[i])
	t.mu.Unlock()
	t.notify()
}

// Subscribe returns a channel that receives a value after each Update. Wakeups
// coalesce: a slow reader sees at most one pending notification. The returned
// function cancels the subscription.
func (t *Table) Subscribe() (<-chan struct{}, func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan struct{}, 1)
	t.subs[id] = ch

	return ch, func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

func (t *Table) notify() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
