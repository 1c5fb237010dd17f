package multicast

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/vsync/internal/persist"
	"github.com/dreamware/vsync/internal/view"
)

// TestMemorySinkPersistsBeforeDelivery checks that every message is handed to
// the sink and acknowledged before the stability callback sees it.
func TestMemorySinkPersistsBeforeDelivery(t *testing.T) {
	sinks := map[view.NodeID]*persist.MemorySink{}
	var mu sync.Mutex
	persisted := map[view.NodeID][]string{}

	c := newTestCluster(t, 2, view.OneSubgroupEntireViewRaw, testParams(),
		func(id view.NodeID, o *Options, cb *CallbackSet) {
			sinks[id] = persist.NewMemorySink()
			o.Sink = sinks[id]
			global := cb.GlobalStability
			cb.LocalPersistence = func(_ uint32, _ view.NodeID, _ int64, payload []byte) {
				mu.Lock()
				persisted[id] = append(persisted[id], string(payload))
				mu.Unlock()
			}
			cb.GlobalStability = func(sg uint32, sender view.NodeID, index int64, payload []byte) {
				mu.Lock()
				seen := len(persisted[id])
				mu.Unlock()
				assert.Greater(t, seen, 0, "delivered before anything was persisted")
				global(sg, sender, index, payload)
			}
		})
	c.start()

	for i := 0; i < 2; i++ {
		for _, id := range c.view.Members {
			sendMessage(t, c.groups[id], 0, fmt.Sprintf("%d-%d", id, i), 0, false)
		}
	}
	c.waitDelivered(t, 4)

	for _, id := range c.view.Members {
		assert.Equal(t, 4, sinks[id].Stats().Records)
		rec, ok := sinks[id].Get(0, 2, 1)
		require.True(t, ok)
		assert.Equal(t, "2-1", string(rec.Payload))
		assert.Equal(t, int32(1), rec.ViewID)

		mu.Lock()
		assert.ElementsMatch(t, []string{"1-0", "2-0", "1-1", "2-1"}, persisted[id])
		mu.Unlock()
		assert.Equal(t, int64(3), c.table.Row(c.view.RankOf(id)).PersistedNum[0])
	}
}

// TestBoltLogFromParams checks that a persistence path makes the group keep
// its own log, closed with the group.
func TestBoltLogFromParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node-1.db")
	params := testParams()
	params.PersistenceLogPath = path

	c := newTestCluster(t, 1, view.OneSubgroupEntireViewRaw, params, nil)
	c.start()
	for i := 0; i < 3; i++ {
		sendMessage(t, c.groups[1], 0, fmt.Sprintf("m-%d", i), 0, false)
	}
	c.waitDelivered(t, 3)
	require.NoError(t, c.groups[1].Close())

	log, err := persist.OpenBoltLog(path, nil)
	require.NoError(t, err)
	defer log.Close()

	n, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	rec, err := log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "m-0", string(rec.Payload))
	assert.Equal(t, view.NodeID(1), rec.Sender)
}

type failingSink struct{}

func (failingSink) Persist(_ persist.Record, done func(error)) { done(errors.New("disk full")) }
func (failingSink) Close() error                               { return nil }

// TestPersistenceFailureHaltsDelivery checks that nothing is delivered past a
// message the sink could not write.
func TestPersistenceFailureHaltsDelivery(t *testing.T) {
	c := newTestCluster(t, 1, view.OneSubgroupEntireViewRaw, testParams(),
		func(_ view.NodeID, o *Options, _ *CallbackSet) {
			o.Sink = failingSink{}
		})
	c.start()

	sendMessage(t, c.groups[1], 0, "lost", 0, false)
	require.Eventually(t, func() bool {
		return c.table.Row(0).StableNum[0] == 0
	}, 2*time.Second, 2*time.Millisecond)

	assert.Never(t, func() bool {
		return c.rec.count(1) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int64(-1), c.table.Row(0).PersistedNum[0])
}
