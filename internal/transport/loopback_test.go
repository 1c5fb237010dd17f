package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/vsync/internal/view"
)

// recorder collects what a member's handlers observe.
type recorder struct {
	mu        sync.Mutex
	received  [][]byte
	blocks    int
	completed int
	failures  []view.NodeID
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Incoming: func(size int) []byte { return make([]byte, size) },
		Block: func(int) {
			r.mu.Lock()
			r.blocks++
			r.mu.Unlock()
		},
		Completion: func(data []byte) {
			r.mu.Lock()
			r.received = append(r.received, append([]byte(nil), data...))
			r.completed++
			r.mu.Unlock()
		},
		Failure: func(n view.NodeID) {
			r.mu.Lock()
			r.failures = append(r.failures, n)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Binomial, a)

	a, err = ParseAlgorithm("chain")
	require.NoError(t, err)
	assert.Equal(t, Chain, a)

	_, err = ParseAlgorithm("smoke-signals")
	assert.Error(t, err)
}

func TestInflightTracker(t *testing.T) {
	tr := NewInflightTracker(1)
	k := GroupKey{Subgroup: 1, Sender: 2}
	assert.True(t, tr.Acquire(k))
	assert.False(t, tr.Acquire(k))
	assert.True(t, tr.Acquire(GroupKey{Subgroup: 2, Sender: 2}))
	tr.Release(k)
	assert.Equal(t, 0, tr.Pending(k))
	assert.True(t, tr.Acquire(k))
}

func TestLoopbackMulticast(t *testing.T) {
	fab := NewFabric(nil)
	defer fab.Close()

	members := []view.NodeID{0, 1, 2}
	key := GroupKey{ViewID: 1, Subgroup: 0, Sender: 0}
	recs := make([]*recorder, len(members))
	for i, id := range members {
		recs[i] = &recorder{}
		fab.Attach(id)
	}
	for i, id := range members {
		require.NoError(t, fab.lookup(id).CreateGroup(key, members, 4, Binomial, recs[i].handlers()))
	}

	sender := fab.lookup(0)
	payload := []byte("hello, multicast")
	require.NoError(t, sender.Send(key, payload))

	for i := range recs {
		rec := recs[i]
		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	}
	for _, rec := range recs {
		assert.Equal(t, payload, rec.received[0])
	}
	// 16 bytes in 4-byte blocks at each receiver.
	assert.Equal(t, 4, recs[1].blocks)
	assert.Equal(t, 0, recs[0].blocks)
	require.Eventually(t, func() bool { return !sender.InFlight(key) }, time.Second, time.Millisecond)
}

// TestLoopbackOneSendInFlight checks that a group refuses a second send while
// the first is still outstanding.
func TestLoopbackOneSendInFlight(t *testing.T) {
	fab := NewFabric(nil)
	defer fab.Close()

	members := []view.NodeID{0, 1}
	key := GroupKey{Sender: 0}
	fab.Attach(0)
	fab.Attach(1)

	release := make(chan struct{})
	sendRec := &recorder{}
	require.NoError(t, fab.lookup(0).CreateGroup(key, members, 0, Chain, sendRec.handlers()))
	require.NoError(t, fab.lookup(1).CreateGroup(key, members, 0, Chain, Handlers{
		Incoming: func(size int) []byte {
			<-release
			return make([]byte, size)
		},
		Completion: func([]byte) {},
	}))

	require.NoError(t, fab.lookup(0).Send(key, []byte("a")))
	assert.ErrorIs(t, fab.lookup(0).Send(key, []byte("b")), ErrInFlight)
	close(release)

	require.Eventually(t, func() bool { return sendRec.count() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, fab.lookup(0).Send(key, []byte("c")))
}

func TestLoopbackErrors(t *testing.T) {
	fab := NewFabric(nil)
	defer fab.Close()
	ep := fab.Attach(0)

	err := ep.CreateGroup(GroupKey{Sender: 0}, []view.NodeID{0, 5}, 0, Binomial, Handlers{})
	assert.ErrorIs(t, err, ErrUnreachable)

	err = ep.CreateGroup(GroupKey{Sender: 1}, []view.NodeID{0, 1}, 0, Binomial, Handlers{})
	assert.Error(t, err, "sender must be listed first")

	assert.ErrorIs(t, ep.Send(GroupKey{Sender: 0}, nil), ErrNoGroup)
	assert.ErrorIs(t, ep.Send(GroupKey{Sender: 3}, nil), ErrNotSender)

	ep.Close()
	assert.ErrorIs(t, ep.Send(GroupKey{Sender: 0}, nil), ErrClosed)
}

// TestLoopbackParksEarlyTransfers sends before a receiver has joined the group.
func TestLoopbackParksEarlyTransfers(t *testing.T) {
	fab := NewFabric(nil)
	defer fab.Close()

	members := []view.NodeID{0, 1}
	key := GroupKey{Sender: 0}
	fab.Attach(0)
	fab.Attach(1)

	sendRec, recvRec := &recorder{}, &recorder{}
	require.NoError(t, fab.lookup(0).CreateGroup(key, members, 0, Binomial, sendRec.handlers()))
	require.NoError(t, fab.lookup(0).Send(key, []byte("early")))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, sendRec.count())

	require.NoError(t, fab.lookup(1).CreateGroup(key, members, 0, Binomial, recvRec.handlers()))
	require.Eventually(t, func() bool { return recvRec.count() == 1 && sendRec.count() == 1 }, time.Second, time.Millisecond)
}

// TestLoopbackDetachedReceiver checks that a crashed receiver neither blocks
// the sender nor goes unreported.
func TestLoopbackDetachedReceiver(t *testing.T) {
	fab := NewFabric(nil)
	defer fab.Close()

	members := []view.NodeID{0, 1, 2}
	key := GroupKey{Sender: 0}
	recs := []*recorder{{}, {}, {}}
	for _, id := range members {
		fab.Attach(id)
	}
	for i, id := range members {
		require.NoError(t, fab.lookup(id).CreateGroup(key, members, 0, Binomial, recs[i].handlers()))
	}

	fab.Detach(2)
	require.NoError(t, fab.lookup(0).Send(key, []byte("x")))

	require.Eventually(t, func() bool { return recs[0].count() == 1 && recs[1].count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, recs[2].count())
	recs[0].mu.Lock()
	assert.Equal(t, []view.NodeID{2}, recs[0].failures)
	recs[0].mu.Unlock()
}
