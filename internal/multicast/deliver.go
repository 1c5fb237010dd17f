package multicast

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/view"
	"github.com/dreamware/vsync/internal/wire"
)

// DeliverMessagesUpto delivers the locally stable messages of subgroup sg
// whose index does not exceed maxIndices[sender rank]. Messages are handed to
// the client in sequence order, which takes one message from each sender in
// turn, by ascending rank. A sender's messages are never delivered past a
// gap: ceilings are capped at what has arrived from each live sender and at
// the local stable watermark. maxIndices must have shardSize entries.
//
// Cooked messages of cooked shards go to the RPC handler when one is
// registered; everything else goes to the stability callback. Callbacks run
// on the calling goroutine and must not call DeliverMessagesUpto or Close.
func (g *Group) DeliverMessagesUpto(maxIndices []int64, sg uint32, shardSize int) {
	if len(maxIndices) != shardSize {
		panic(fmt.Sprintf("multicast: DeliverMessagesUpto got %d indices for a shard of %d", len(maxIndices), shardSize))
	}
	st, err := g.state(sg)
	if err != nil {
		g.log.Warn("delivery requested for unknown subgroup", zap.Uint32("subgroup", sg))
		return
	}
	if shardSize != st.size() {
		panic(fmt.Sprintf("multicast: DeliverMessagesUpto shard size %d, subgroup %d has %d members", shardSize, sg, st.size()))
	}

	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()

	n := int64(shardSize)

	g.mu.Lock()
	// Ceilings never pass the local stable watermark, nor what has arrived
	// from a live sender. Failed senders send nothing more, so their slots
	// are skipped.
	var stable int64
	g.table.Read(func(rows []sst.Row) {
		stable = rows[g.myRow].StableNum[sg]
	})
	ceilings := senderCeilings(stable, shardSize)
	maxSeq := int64(-1)
	for k, idx := range maxIndices {
		c := min(idx, ceilings[k])
		if st.live[k] {
			c = min(c, st.received[k])
		}
		ceilings[k] = c
		if c < 0 {
			continue
		}
		if s := c*n + int64(k); s > maxSeq {
			maxSeq = s
		}
	}

	var batch []*message
	watermark := st.delivered
	contiguous := true
	for seq := st.delivered + 1; seq <= maxSeq; seq++ {
		sender := int(seq % n)
		if seq/n > ceilings[sender] {
			contiguous = false
			continue
		}
		// Below the sender's receive counter, a missing message is a pause
		// turn or was delivered earlier.
		if m, ok := st.locallyStable[seq]; ok {
			delete(st.locallyStable, seq)
			batch = append(batch, m)
		}
		if contiguous {
			watermark = seq
		}
	}
	st.delivered = watermark
	callbacks, rpc := g.callbacks, g.rpc
	g.mu.Unlock()

	for _, m := range batch {
		h, payload, err := wire.Payload(m.bytes())
		if err != nil {
			g.log.Error("undeliverable message", zap.Uint32("subgroup", sg), zap.Int64("index", m.index), zap.Error(err))
			continue
		}
		sender := st.members[m.sender]
		switch {
		case h.Cooked && st.mode == view.Cooked && rpc != nil:
			rpc(sender, payload)
		case callbacks.GlobalStability != nil:
			callbacks.GlobalStability(sg, sender, m.index, payload)
		}
	}

	g.mu.Lock()
	for _, m := range batch {
		if m.sender == st.myRank && st.outstanding > 0 {
			st.outstanding--
		}
		if m.buf != nil {
			g.releaseLocked(st, m)
		}
	}
	g.table.Update(g.myRow, func(r *sst.Row) {
		if watermark > r.DeliveredNum[sg] {
			r.DeliveredNum[sg] = watermark
		}
	})
	g.mu.Unlock()

	if len(batch) > 0 {
		g.metrics.delivered.WithLabelValues(sgLabel(sg)).Add(float64(len(batch)))
		g.log.Debug("messages delivered",
			zap.Uint32("subgroup", sg),
			zap.Int("count", len(batch)),
			zap.Int64("delivered", watermark))
	}
}
