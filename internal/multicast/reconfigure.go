package multicast

import (
	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/buffer"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/transport"
	"github.com/dreamware/vsync/internal/view"
	"github.com/dreamware/vsync/internal/wire"
)

// NewFromPrevious builds the group of the next view from old.
//
// old is wedged and closed whatever the outcome. The new group keeps old's
// parameters, callbacks, RPC handler and free buffers. Messages old had
// accepted from the local client but not finished sending are sent again
// under fresh indices, and a buffer claimed but not yet sent stays claimed so
// the client's next Send goes out in the new view. Unset Options fields are
// taken from old, and a ViewID not above old's becomes old's plus one.
//
// If the new group cannot be built, old stays closed and the carried
// messages are lost, including a buffer the client claimed but has not sent.
// The caller must not call Send on old or on the missing new group; it
// resubmits from its own state once a later view is installed.
func NewFromPrevious(old *Group, members []view.NodeID, me view.NodeID, table *sst.Table,
	tr transport.Transport, asn view.Assignment, opts Options) (*Group, error) {
	old.Wedge()
	old.stopTasks()

	carry := &carryOver{
		free:  make(map[uint32][]*buffer.MessageBuffer),
		sends: make(map[uint32][]*message),
		next:  make(map[uint32]*message),
	}

	old.mu.Lock()
	carry.rpc = old.rpc
	callbacks := old.callbacks
	for _, st := range old.subgroups {
		if st == nil {
			continue
		}
		var sends []*message
		if st.currentSend != nil {
			sends = append(sends, st.currentSend)
			st.currentSend = nil
		}
		sends = append(sends, st.pending...)
		st.pending = nil
		st.outstanding = 0
		carried := len(sends)
		if st.nextSend != nil {
			carry.next[st.num] = st.nextSend
			st.nextSend = nil
			carried++
		}
		carry.sends[st.num] = sends
		old.metrics.buffersInUse.WithLabelValues(sgLabel(st.num)).Sub(float64(carried))
	}
	old.mu.Unlock()

	if err := old.Close(); err != nil {
		old.log.Warn("closing previous view", zap.Error(err))
	}

	old.mu.Lock()
	for _, st := range old.subgroups {
		if st != nil {
			carry.free[st.num] = old.pool.Drain(st.num)
		}
	}
	old.mu.Unlock()

	if opts.ViewID <= old.viewID {
		opts.ViewID = old.viewID + 1
	}
	if opts.Logger == nil {
		opts.Logger = old.baseLog
	}
	if opts.Registerer == nil {
		opts.Registerer = old.reg
	}
	if opts.OnSuspect == nil {
		opts.OnSuspect = old.onSuspect
	}
	if opts.Sink == nil && !old.ownsSink {
		opts.Sink = old.sink
	}

	g, err := build(members, me, table, tr, callbacks, asn, old.params, opts, carry)
	if err != nil {
		dropped := 0
		for _, sends := range carry.sends {
			dropped += len(sends)
		}
		old.log.Warn("next view could not be built, unsent messages are lost",
			zap.Int("messages", dropped),
			zap.Int("claimed", len(carry.next)),
			zap.Error(err))
		return nil, err
	}
	return g, nil
}

// adoptSends re-indexes the messages carried over from the previous view and
// queues them. Subgroups the node no longer belongs to drop theirs.
func (g *Group) adoptSends(carry *carryOver) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for sg, sends := range carry.sends {
		st, err := g.state(sg)
		if err != nil {
			if len(sends) > 0 {
				g.log.Warn("dropping unsent messages of a subgroup left in the view change",
					zap.Uint32("subgroup", sg), zap.Int("messages", len(sends)))
			}
			continue
		}
		for _, m := range sends {
			g.adoptLocked(st, m)
			st.pending = append(st.pending, m)
			st.outstanding++
		}
		if len(sends) > 0 {
			g.log.Info("resending messages from the previous view",
				zap.Uint32("subgroup", sg), zap.Int("messages", len(sends)))
		}
	}
	for sg, m := range carry.next {
		st, err := g.state(sg)
		if err != nil {
			continue
		}
		g.adoptLocked(st, m)
		st.nextSend = m
	}
	g.cond.Broadcast()
}

// adoptLocked gives m the next index of st.
func (g *Group) adoptLocked(st *subgroupState, m *message) {
	g.pool.AdoptInUse(st.num, m.buf)
	g.metrics.buffersInUse.WithLabelValues(sgLabel(st.num)).Inc()
	pause := int64(0)
	if h, err := wire.Parse(m.bytes()); err == nil {
		pause = int64(h.PauseSendingTurns)
	}
	m.index = st.futureIndex
	m.sender = st.myRank
	st.futureIndex += pause + 1
}
