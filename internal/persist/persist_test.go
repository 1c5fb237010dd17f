package persist

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()

	payload := []byte("abc")
	var acked error = ErrClosed
	s.Persist(Record{Subgroup: 1, Sender: 2, Index: 0, Payload: payload}, func(err error) { acked = err })
	require.NoError(t, acked)

	// The sink keeps its own copy.
	payload[0] = 'z'
	rec, ok := s.Get(1, 2, 0)
	require.True(t, ok)
	assert.Equal(t, "abc", string(rec.Payload))

	s.Persist(Record{Subgroup: 1, Sender: 3, Index: 0, Payload: []byte("de")}, func(error) {})
	assert.Equal(t, MemoryStats{Records: 2, Bytes: 5}, s.Stats())
	recs := s.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(2), uint32(recs[0].Sender))

	_, ok = s.Get(9, 9, 9)
	assert.False(t, ok)

	require.NoError(t, s.Close())
	s.Persist(Record{}, func(err error) { acked = err })
	assert.ErrorIs(t, acked, ErrClosed)
}

func TestBoltLogPersistAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	l, err := OpenBoltLog(path, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup
	for i := int64(0); i < 10; i++ {
		idx := i
		wg.Add(1)
		l.Persist(Record{ViewID: 4, Subgroup: 0, Sender: 1, Index: i, Payload: []byte{byte(i)}}, func(err error) {
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			wg.Done()
		})
	}
	waitTimeout(t, &wg)
	// Acknowledged in submission order.
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	rec, err := l.Get(3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Index)
	assert.Equal(t, []byte{2}, rec.Payload)
	assert.Equal(t, int32(4), rec.ViewID)

	view, err := l.LastView()
	require.NoError(t, err)
	assert.Equal(t, int32(4), view)

	_, err = l.Get(99)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	// Records submitted after Close are refused.
	var late error
	l.Persist(Record{}, func(err error) { late = err })
	assert.ErrorIs(t, late, ErrClosed)

	// Reopening appends after the existing entries.
	l, err = OpenBoltLog(path, nil)
	require.NoError(t, err)
	defer l.Close()

	wg.Add(1)
	l.Persist(Record{ViewID: 5, Index: 10}, func(err error) {
		assert.NoError(t, err)
		wg.Done()
	})
	waitTimeout(t, &wg)

	n, err = l.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), n)
	rec, err = l.Get(11)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Index)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for persistence acks")
	}
}
