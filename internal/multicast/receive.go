package multicast

import (
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vsync/internal/failure"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/view"
	"github.com/dreamware/vsync/internal/wire"
)

// incoming hands the transport a buffer for a message arriving from sender.
// Receives may grow the pool since an arriving message cannot be refused.
func (g *Group) incoming(st *subgroupState, sender int, size int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wedged.Load() {
		return nil
	}
	if size > g.pool.BufferSize() {
		g.log.Warn("incoming message larger than the buffer size",
			zap.Uint32("subgroup", st.num),
			zap.Uint32("sender", uint32(st.members[sender])),
			zap.Int("size", size))
		return nil
	}
	if old, ok := st.currentReceives[sender]; ok {
		g.releaseLocked(st, old)
	}
	buf := g.acquireLocked(st, true)
	st.currentReceives[sender] = &message{buf: buf, size: size, sender: sender}
	return buf.Bytes()
}

// receiveCompleted files a fully received message. Its index is one past the
// sender's receive counter; the header's pause turns advance the counter
// further.
func (g *Group) receiveCompleted(st *subgroupState, sender int, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, ok := st.currentReceives[sender]
	if !ok {
		return
	}
	delete(st.currentReceives, sender)
	if g.wedged.Load() {
		g.releaseLocked(st, msg)
		return
	}
	h, err := wire.Parse(data)
	if err != nil {
		g.log.Warn("dropping message with bad header",
			zap.Uint32("subgroup", st.num),
			zap.Uint32("sender", uint32(st.members[sender])),
			zap.Error(err))
		g.releaseLocked(st, msg)
		return
	}
	msg.size = len(data)
	msg.index = st.received[sender] + 1
	g.recordReceivedLocked(st, msg, sender, int64(h.PauseSendingTurns))
	g.metrics.received.WithLabelValues(sgLabel(st.num)).Inc()
	g.log.Debug("message received",
		zap.Uint32("subgroup", st.num),
		zap.Uint32("sender", uint32(st.members[sender])),
		zap.Int64("index", msg.index))
}

// reportFailure is the transport's failure hook.
func (g *Group) reportFailure(node view.NodeID) {
	if g.monitor != nil {
		g.monitor.Report(node, "transport failure")
		return
	}
	g.markSuspected(node)
}

// markSuspected records a suspicion in the local row and passes it on to the
// membership layer. Each member is passed on once.
func (g *Group) markSuspected(member view.NodeID) {
	row := slices.Index(g.members, member)
	if row < 0 {
		return
	}

	g.mu.Lock()
	if g.suspected[row] {
		g.mu.Unlock()
		return
	}
	g.suspected[row] = true
	g.table.Update(g.myRow, func(r *sst.Row) {
		r.Suspected[row] = true
	})
	cb := g.onSuspect
	g.mu.Unlock()

	g.metrics.suspicions.Inc()
	g.log.Warn("member suspected", zap.Uint32("member", uint32(member)))
	if cb != nil {
		cb(member)
	}
}

// observations samples every live shard peer's sequence number for the
// failure monitor. A peer lags when another live member of its shard is
// ahead of it.
func (g *Group) observations() []failure.Observation {
	var obs []failure.Observation
	g.table.Read(func(rows []sst.Row) {
		for _, st := range g.subgroups {
			if st == nil {
				continue
			}
			highest := int64(-1)
			for i, r := range st.rows {
				if st.live[i] && rows[r].SeqNum[st.num] > highest {
					highest = rows[r].SeqNum[st.num]
				}
			}
			for i, r := range st.rows {
				if !st.live[i] || i == st.myRank {
					continue
				}
				progress := rows[r].SeqNum[st.num]
				obs = append(obs, failure.Observation{
					Subgroup: st.num,
					Member:   st.members[i],
					Progress: progress,
					Lagging:  progress < highest,
				})
			}
		}
	})
	return obs
}
