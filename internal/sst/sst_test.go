package sst

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableInitialValues(t *testing.T) {
	tbl := NewTable(3, 2, 5)
	require.Equal(t, 3, tbl.NumRows())

	r := tbl.Row(1)
	assert.Equal(t, []int64{-1, -1}, r.SeqNum)
	assert.Equal(t, []int64{-1, -1}, r.StableNum)
	assert.Equal(t, []int64{-1, -1}, r.DeliveredNum)
	assert.Equal(t, []int64{-1, -1}, r.PersistedNum)
	assert.Len(t, r.NumReceived, 5)
	assert.Equal(t, []bool{false, false, false}, r.Suspected)
	assert.False(t, r.Wedged)
}

func TestTableUpdateNotifiesAndIsolatesRows(t *testing.T) {
	tbl := NewTable(2, 1, 2)
	wake, cancel := tbl.Subscribe()
	defer cancel()

	tbl.Update(0, func(r *Row) { r.SeqNum[0] = 4 })

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("no notification after update")
	}

	snap := tbl.Row(0)
	snap.SeqNum[0] = 100
	assert.Equal(t, int64(4), tbl.Row(0).SeqNum[0], "Row must return a copy")
	assert.Equal(t, int64(-1), tbl.Row(1).SeqNum[0])

	var total int64
	tbl.Read(func(rows []Row) {
		for _, r := range rows {
			total += r.SeqNum[0]
		}
	})
	assert.Equal(t, int64(3), total)
}

func TestPredicatesEvaluate(t *testing.T) {
	tbl := NewTable(1, 1, 1)
	p := NewPredicates(tbl, nil)

	var recurrent, once int
	p.Insert(func(t *Table) bool { return t.Row(0).SeqNum[0] >= 0 }, func(*Table) { recurrent++ }, Recurrent)
	p.Insert(func(t *Table) bool { return t.Row(0).SeqNum[0] >= 0 }, func(*Table) { once++ }, OneTime)
	assert.Equal(t, 2, p.Len())

	assert.Equal(t, 0, p.Evaluate())

	tbl.Update(0, func(r *Row) { r.SeqNum[0] = 0 })
	assert.Equal(t, 2, p.Evaluate())
	assert.Equal(t, 1, p.Evaluate())
	assert.Equal(t, 2, recurrent)
	assert.Equal(t, 1, once)
	assert.Equal(t, 1, p.Len())
}

func TestPredicatesRemove(t *testing.T) {
	tbl := NewTable(1, 1, 1)
	p := NewPredicates(tbl, nil)

	fired := 0
	h := p.Insert(func(*Table) bool { return true }, func(*Table) { fired++ }, Recurrent)
	p.Evaluate()
	p.Remove(h)
	p.Remove(h)
	p.Evaluate()
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, p.Len())
}

// TestPredicatesRemoveFromTrigger checks that a trigger may remove another
// predicate queued later in the same pass.
func TestPredicatesRemoveFromTrigger(t *testing.T) {
	tbl := NewTable(1, 1, 1)
	p := NewPredicates(tbl, nil)

	var second Handle
	secondFired := false
	p.Insert(func(*Table) bool { return true }, func(*Table) { p.Remove(second) }, Recurrent)
	second = p.Insert(func(*Table) bool { return true }, func(*Table) { secondFired = true }, Recurrent)

	p.Evaluate()
	assert.False(t, secondFired)
}

func TestPredicatesRunReactsToUpdates(t *testing.T) {
	tbl := NewTable(2, 1, 1)
	p := NewPredicates(tbl, nil)
	p.SetInterval(time.Hour)

	var fired atomic.Int32
	p.Insert(func(t *Table) bool {
		return t.Row(1).StableNum[0] > t.Row(0).StableNum[0]
	}, func(t *Table) {
		target := t.Row(1).StableNum[0]
		t.Update(0, func(r *Row) { r.StableNum[0] = target })
		fired.Add(1)
	}, Recurrent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	tbl.Update(1, func(r *Row) { r.StableNum[0] = 7 })
	require.Eventually(t, func() bool { return tbl.Row(0).StableNum[0] == 7 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
