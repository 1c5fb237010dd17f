package multicast

import (
	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/persist"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/wire"
)

func (g *Group) registerPredicates() {
	for _, st := range g.subgroups {
		if st == nil {
			continue
		}
		st := st
		stable := g.preds.Insert(
			func(t *sst.Table) bool {
				_, ok := g.stableCandidate(t, st)
				return ok
			},
			func(*sst.Table) { g.advanceStability(st) },
			sst.Recurrent)
		deliver := g.preds.Insert(
			func(t *sst.Table) bool {
				_, ok := g.deliveryCandidate(t, st)
				return ok
			},
			func(t *sst.Table) {
				if ceiling, ok := g.deliveryCandidate(t, st); ok {
					g.DeliverMessagesUpto(senderCeilings(ceiling, st.size()), st.num, st.size())
				}
			},
			sst.Recurrent)
		st.handles = []sst.Handle{stable, deliver}
	}
}

// stableCandidate returns the lowest sequence number over the live shard rows
// and whether it is ahead of the local stable watermark.
func (g *Group) stableCandidate(t *sst.Table, st *subgroupState) (int64, bool) {
	var lowest int64
	var ahead bool
	t.Read(func(rows []sst.Row) {
		first := true
		for i, r := range st.rows {
			if !st.live[i] {
				continue
			}
			if v := rows[r].SeqNum[st.num]; first || v < lowest {
				lowest, first = v, false
			}
		}
		ahead = lowest > rows[g.myRow].StableNum[st.num]
	})
	return lowest, ahead
}

// deliveryCandidate returns how far st may be delivered: the stable
// watermark, held back by the persisted watermark when a sink is configured.
func (g *Group) deliveryCandidate(t *sst.Table, st *subgroupState) (int64, bool) {
	var ceiling int64
	var ahead bool
	t.Read(func(rows []sst.Row) {
		me := rows[g.myRow]
		ceiling = me.StableNum[st.num]
		if g.sink != nil && me.PersistedNum[st.num] < ceiling {
			ceiling = me.PersistedNum[st.num]
		}
		ahead = ceiling > me.DeliveredNum[st.num]
	})
	return ceiling, ahead
}

// senderCeilings converts a sequence number into the highest index of each
// of n senders at or below it.
func senderCeilings(seq int64, n int) []int64 {
	out := make([]int64, n)
	for k := range out {
		if seq >= int64(k) {
			out[k] = (seq - int64(k)) / int64(n)
		} else {
			out[k] = -1
		}
	}
	return out
}

// advanceStability publishes a new stable watermark for st and, when a sink
// is configured, submits the newly stable messages for persistence.
func (g *Group) advanceStability(st *subgroupState) {
	g.mu.Lock()
	if g.wedged.Load() {
		g.mu.Unlock()
		return
	}
	stable, ok := g.stableCandidate(g.table, st)
	if !ok {
		g.mu.Unlock()
		return
	}
	g.table.Update(g.myRow, func(r *sst.Row) {
		if stable > r.StableNum[st.num] {
			r.StableNum[st.num] = stable
		}
	})

	var batch []*message
	persistedNow := false
	if g.sink != nil && stable > st.persistSubmitted {
		for seq := st.persistSubmitted + 1; seq <= stable; seq++ {
			if m, ok := st.locallyStable[seq]; ok {
				batch = append(batch, m)
			}
		}
		st.persistSubmitted = stable
		st.persistInFlight += len(batch)
		// Nothing but pause turns became stable.
		if st.persistInFlight == 0 && !st.persistFailed {
			st.persisted = stable
			persistedNow = true
		}
	}
	g.mu.Unlock()

	g.log.Debug("stable watermark advanced", zap.Uint32("subgroup", st.num), zap.Int64("stable", stable))
	if persistedNow {
		g.publishPersisted(st, stable)
	}
	for _, m := range batch {
		g.submitPersist(st, m)
	}
}

func (g *Group) submitPersist(st *subgroupState, m *message) {
	_, payload, err := wire.Payload(m.bytes())
	if err != nil {
		payload = nil
	}
	seq := m.seq(st.size())
	rec := persist.Record{
		ViewID:   g.viewID,
		Subgroup: st.num,
		Sender:   st.members[m.sender],
		Index:    m.index,
		Payload:  payload,
	}
	g.sink.Persist(rec, func(err error) {
		g.persistDone(st, rec, seq, err)
	})
}

// persistDone handles one sink acknowledgment. Acks arrive in submission
// order, so the persisted watermark moves up to the acknowledged message, and
// up to everything submitted once nothing is outstanding. A failed write
// freezes the watermark.
func (g *Group) persistDone(st *subgroupState, rec persist.Record, seq int64, err error) {
	g.mu.Lock()
	st.persistInFlight--
	if err != nil || st.persistFailed {
		if err != nil && !st.persistFailed {
			st.persistFailed = true
			g.log.Error("persistence failed, delivery halted",
				zap.Uint32("subgroup", st.num),
				zap.Uint32("sender", uint32(rec.Sender)),
				zap.Int64("index", rec.Index),
				zap.Error(err))
		}
		g.mu.Unlock()
		return
	}
	if seq > st.persisted {
		st.persisted = seq
	}
	if st.persistInFlight == 0 && st.persistSubmitted > st.persisted {
		st.persisted = st.persistSubmitted
	}
	persisted := st.persisted
	cb := g.callbacks.LocalPersistence
	g.mu.Unlock()

	g.metrics.persisted.WithLabelValues(sgLabel(st.num)).Inc()
	if cb != nil {
		cb(rec.Subgroup, rec.Sender, rec.Index, rec.Payload)
	}
	g.publishPersisted(st, persisted)
}

func (g *Group) publishPersisted(st *subgroupState, persisted int64) {
	g.table.Update(g.myRow, func(r *sst.Row) {
		if persisted > r.PersistedNum[st.num] {
			r.PersistedNum[st.num] = persisted
		}
	})
}
