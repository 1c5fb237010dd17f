package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/vsync/internal/multicast"
	"github.com/dreamware/vsync/internal/persist"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/transport"
	"github.com/dreamware/vsync/internal/view"
)

// TestSystem is a whole group run in-process: one multicast.Group per
// member over a shared loopback fabric and state table.
type TestSystem struct {
	t         *testing.T
	fabric    *transport.Fabric
	view      *view.View
	layout    view.Layout
	table     *sst.Table
	groups    map[view.NodeID]*multicast.Group
	delivered map[view.NodeID]map[uint32][]string
	mu        sync.Mutex
}

// NewTestSystem builds, but does not start, an n-member system.
func NewTestSystem(t *testing.T, n int, policy view.Partitioner, params multicast.Params) *TestSystem {
	t.Helper()
	members := make([]view.Member, n)
	for i := range members {
		members[i] = view.Member{ID: view.NodeID(i + 1), Addr: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	v, err := view.New(1, members)
	require.NoError(t, err)
	layout, err := policy.Partition(v)
	require.NoError(t, err)
	require.NoError(t, view.Validate(v, layout))

	ts := &TestSystem{
		t:         t,
		fabric:    transport.NewFabric(zaptest.NewLogger(t)),
		view:      v,
		layout:    layout,
		table:     sst.NewTable(n, len(layout), view.NumReceivedWidth(v, layout)),
		groups:    make(map[view.NodeID]*multicast.Group),
		delivered: make(map[view.NodeID]map[uint32][]string),
	}
	for _, id := range v.Members {
		ts.fabric.Attach(id)
		ts.delivered[id] = make(map[uint32][]string)
	}
	for _, id := range v.Members {
		asn, err := view.Assign(v, layout, id)
		require.NoError(t, err)
		p := params
		if p.PersistenceLogPath != "" {
			p.PersistenceLogPath = filepath.Join(p.PersistenceLogPath, fmt.Sprintf("node-%d.db", id))
		}
		g, err := multicast.New(v.Members, id, ts.table, ts.fabric.Attach(id),
			multicast.CallbackSet{GlobalStability: ts.record(id)}, asn, p,
			multicast.Options{ViewID: v.ID, Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		ts.groups[id] = g
	}
	t.Cleanup(ts.Stop)
	return ts
}

func (ts *TestSystem) record(id view.NodeID) multicast.MessageCallback {
	return func(sg uint32, _ view.NodeID, _ int64, payload []byte) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.delivered[id][sg] = append(ts.delivered[id][sg], string(payload))
	}
}

// Start launches every group.
func (ts *TestSystem) Start() {
	for _, g := range ts.groups {
		g.Start(context.Background())
	}
}

// Stop closes every group and the fabric. It is safe to call twice.
func (ts *TestSystem) Stop() {
	for _, g := range ts.groups {
		assert.NoError(ts.t, g.Close())
	}
	ts.fabric.Close()
}

// Send multicasts payload from id into subgroup sg, waiting for the window.
func (ts *TestSystem) Send(id view.NodeID, sg uint32, payload string) {
	ts.t.Helper()
	g := ts.groups[id]
	require.Eventually(ts.t, func() bool {
		buf, err := g.GetSendBuffer(sg, uint64(len(payload)), 0, false)
		require.NoError(ts.t, err)
		if buf == nil {
			return false
		}
		copy(buf, payload)
		require.NoError(ts.t, g.Send(sg))
		return true
	}, 5*time.Second, time.Millisecond, "node %d could not send into subgroup %d", id, sg)
}

// Delivered returns what id has delivered in sg so far.
func (ts *TestSystem) Delivered(id view.NodeID, sg uint32) []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.delivered[id][sg]...)
}

// WaitFor blocks until id has delivered n messages in sg.
func (ts *TestSystem) WaitFor(id view.NodeID, sg uint32, n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return len(ts.Delivered(id, sg)) >= n
	}, 10*time.Second, 2*time.Millisecond, "node %d delivered %d of %d in subgroup %d",
		id, len(ts.Delivered(id, sg)), n, sg)
}

// ChangeView installs the next view with the same members and a fresh table.
func (ts *TestSystem) ChangeView() {
	ts.t.Helper()
	next := sst.NewTable(len(ts.view.Members), len(ts.layout), view.NumReceivedWidth(ts.view, ts.layout))
	for _, id := range ts.view.Members {
		asn, err := view.Assign(ts.view, ts.layout, id)
		require.NoError(ts.t, err)
		g, err := multicast.NewFromPrevious(ts.groups[id], ts.view.Members, id, next,
			ts.fabric.Attach(id), asn, multicast.Options{})
		require.NoError(ts.t, err)
		ts.groups[id] = g
	}
	ts.table = next
	ts.Start()
}

func params() multicast.Params {
	p := multicast.DefaultParams()
	p.MaxPayloadSize = 128
	p.BlockSize = 32
	p.TimeoutMS = 0
	return p
}

func tag(id view.NodeID, sg uint32, i int) string {
	return fmt.Sprintf("sg%d/node%d/%03d", sg, id, i)
}

// assertFIFO checks that each sender's messages appear in the order sent.
func assertFIFO(t *testing.T, got []string) {
	t.Helper()
	last := map[string]string{}
	for _, m := range got {
		sender := m[:strings.LastIndex(m, "/")]
		if prev, ok := last[sender]; ok {
			assert.Less(t, prev, m, "out of order after %s", prev)
		}
		last[sender] = m
	}
}

// TestShardedMulticast runs two subgroups, each split into two shards of
// three, with every member sending into both subgroups concurrently.
func TestShardedMulticast(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 6, view.FixedShards{Subgroups: 2, ShardSize: 3, Mode: view.Raw}, params())
	ts.Start()

	const perSender = 8
	var wg sync.WaitGroup
	for _, id := range ts.view.Members {
		for sg := uint32(0); sg < 2; sg++ {
			wg.Add(1)
			go func(id view.NodeID, sg uint32) {
				defer wg.Done()
				for i := 0; i < perSender; i++ {
					ts.Send(id, sg, tag(id, sg, i))
				}
			}(id, sg)
		}
	}
	wg.Wait()

	for _, id := range ts.view.Members {
		for sg := uint32(0); sg < 2; sg++ {
			ts.WaitFor(id, sg, 3*perSender)
		}
	}

	t.Run("ShardsAgreeOnOrder", func(t *testing.T) {
		for sg := uint32(0); sg < 2; sg++ {
			for _, shard := range ts.layout[sg] {
				reference := ts.Delivered(shard.Members[0], sg)
				for _, id := range shard.Members[1:] {
					assert.Equal(t, reference, ts.Delivered(id, sg), "subgroup %d node %d", sg, id)
				}
			}
		}
	})

	t.Run("SenderOrder", func(t *testing.T) {
		for _, id := range ts.view.Members {
			for sg := uint32(0); sg < 2; sg++ {
				assertFIFO(t, ts.Delivered(id, sg))
			}
		}
	})

	t.Run("ShardIsolation", func(t *testing.T) {
		for sg := uint32(0); sg < 2; sg++ {
			for _, shard := range ts.layout[sg] {
				for _, id := range shard.Members {
					got := ts.Delivered(id, sg)
					assert.Len(t, got, 3*perSender)
					for _, m := range got {
						assert.True(t, strings.HasPrefix(m, fmt.Sprintf("sg%d/", sg)), m)
						var from view.NodeID
						_, err := fmt.Sscanf(m[strings.Index(m, "/node")+5:], "%d", &from)
						require.NoError(t, err)
						assert.GreaterOrEqual(t, shard.RankOf(from), 0, "node %d got %s from another shard", id, m)
					}
				}
			}
		}
	})

	t.Run("BuffersReturned", func(t *testing.T) {
		for _, id := range ts.view.Members {
			g := ts.groups[id]
			for sg := uint32(0); sg < 2; sg++ {
				require.Eventually(t, func() bool {
					s, err := g.BufferStats(sg)
					return err == nil && s.InUse == 0
				}, 2*time.Second, 2*time.Millisecond)
			}
		}
	})
}

// TestViewChangeContinuesDelivery delivers traffic in two consecutive views
// and checks that the second view picks up where the first one ended.
func TestViewChangeContinuesDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 3, view.OneSubgroupEntireViewRaw, params())
	ts.Start()

	for i := 0; i < 4; i++ {
		for _, id := range ts.view.Members {
			ts.Send(id, 0, tag(id, 0, i))
		}
	}
	for _, id := range ts.view.Members {
		ts.WaitFor(id, 0, 12)
	}

	ts.ChangeView()
	for _, id := range ts.view.Members {
		g := ts.groups[id]
		assert.Equal(t, int32(2), g.ViewID())
		assert.False(t, g.IsWedged())
	}
	for i := 4; i < 8; i++ {
		for _, id := range ts.view.Members {
			ts.Send(id, 0, tag(id, 0, i))
		}
	}
	for _, id := range ts.view.Members {
		ts.WaitFor(id, 0, 24)
	}

	reference := ts.Delivered(1, 0)
	assert.Len(t, reference, 24)
	for _, id := range ts.view.Members {
		got := ts.Delivered(id, 0)
		assert.Equal(t, reference, got, "node %d", id)
		assertFIFO(t, got)
	}
	for _, m := range reference[12:] {
		assert.GreaterOrEqual(t, m[strings.LastIndex(m, "/")+1:], "004", "view 1 message redelivered: %s", m)
	}
}

// TestPersistentShards writes every delivered message to a per-node log and
// reads the logs back after shutdown.
func TestPersistentShards(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dir := t.TempDir()
	p := params()
	p.PersistenceLogPath = dir
	ts := NewTestSystem(t, 4, view.FixedShards{Subgroups: 1, ShardSize: 2, Mode: view.Raw}, p)
	ts.Start()

	for i := 0; i < 5; i++ {
		for _, id := range ts.view.Members {
			ts.Send(id, 0, tag(id, 0, i))
		}
	}
	for _, id := range ts.view.Members {
		ts.WaitFor(id, 0, 10)
	}
	ts.Stop()

	for _, id := range ts.view.Members {
		log, err := persist.OpenBoltLog(filepath.Join(dir, fmt.Sprintf("node-%d.db", id)), nil)
		require.NoError(t, err)
		n, err := log.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(10), n, "node %d", id)
		viewID, err := log.LastView()
		require.NoError(t, err)
		assert.Equal(t, int32(1), viewID)

		var logged []string
		for i := uint64(1); i <= n; i++ {
			rec, err := log.Get(i)
			require.NoError(t, err)
			logged = append(logged, string(rec.Payload))
		}
		assert.Equal(t, ts.Delivered(id, 0), logged, "node %d logs in delivery order", id)
		require.NoError(t, log.Close())
	}
}
