package multicast

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/wire"
)

// GetSendBuffer claims the buffer for the local node's next message in
// subgroup sg and returns the payloadSize bytes the caller must fill before
// calling Send.
//
// It never blocks. When the send window is full or no buffer is free it
// returns (nil, nil) and the caller retries later. pauseTurns makes the node
// skip that many of its following send turns; cooked marks the payload for
// the RPC handler instead of the stability callback.
//
// Calling GetSendBuffer again before Send panics.
func (g *Group) GetSendBuffer(sg uint32, payloadSize uint64, pauseTurns uint32, cooked bool) ([]byte, error) {
	if g.wedged.Load() {
		return nil, ErrWedged
	}
	st, err := g.state(sg)
	if err != nil {
		return nil, err
	}
	if payloadSize > g.params.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payloadSize, g.params.MaxPayloadSize)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wedged.Load() {
		return nil, ErrWedged
	}
	if st.nextSend != nil {
		panic(fmt.Sprintf("multicast: GetSendBuffer called twice on subgroup %d without Send", sg))
	}
	if !g.windowOpenLocked(st) {
		return nil, nil
	}
	buf := g.acquireLocked(st, false)
	if buf == nil {
		return nil, nil
	}

	size := wire.HeaderSize + int(payloadSize)
	if err := wire.NewHeader(pauseTurns, cooked).Put(buf.Bytes()); err != nil {
		m := &message{buf: buf}
		g.releaseLocked(st, m)
		return nil, err
	}
	st.nextSend = &message{
		buf:    buf,
		size:   size,
		index:  st.futureIndex,
		sender: st.myRank,
	}
	st.futureIndex += int64(pauseTurns) + 1
	return buf.Bytes()[wire.HeaderSize:size], nil
}

// windowOpenLocked reports whether the next index may be claimed: fewer than
// WindowSize own messages are undelivered locally, and every live shard member
// has delivered the message WindowSize turns back.
func (g *Group) windowOpenLocked(st *subgroupState) bool {
	window := int64(g.params.WindowSize)
	if int64(st.outstanding) >= window {
		return false
	}
	need := (st.futureIndex-window)*int64(st.size()) + int64(st.myRank)
	if need < 0 {
		return true
	}
	open := true
	g.table.Read(func(rows []sst.Row) {
		for i, r := range st.rows {
			if st.live[i] && rows[r].DeliveredNum[st.num] < need {
				open = false
				return
			}
		}
	})
	return open
}

// Send queues the message claimed by the last GetSendBuffer on sg and wakes
// the sender task. It returns ErrWedged after Wedge and panics when there is
// no claimed message.
func (g *Group) Send(sg uint32) error {
	if g.wedged.Load() {
		return ErrWedged
	}
	st, err := g.state(sg)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wedged.Load() {
		return ErrWedged
	}
	if st.nextSend == nil {
		panic(fmt.Sprintf("multicast: Send on subgroup %d without a claimed buffer", sg))
	}
	st.pending = append(st.pending, st.nextSend)
	st.nextSend = nil
	st.outstanding++
	g.cond.Broadcast()
	return nil
}

// sendLoop is the sender task. It hands one ready message at a time to the
// transport, visiting subgroups round-robin, and never has more than one
// message per subgroup on the wire.
func (g *Group) sendLoop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := 0
	for {
		var st *subgroupState
		for {
			if g.shutdown {
				g.log.Debug("sender task stopped")
				return
			}
			st, next = g.nextReadyLocked(next)
			if st != nil {
				break
			}
			g.cond.Wait()
		}

		msg := st.pending[0]
		st.pending[0] = nil
		st.pending = st.pending[1:]
		st.currentSend = msg
		key := st.keys[st.myRank]
		data := msg.bytes()

		g.mu.Unlock()
		err := g.transport.Send(key, data)
		g.mu.Lock()

		if err != nil {
			// The message stays in currentSend; the subgroup is stuck until
			// the view changes and the message is carried over.
			g.log.Error("transport send failed",
				zap.Uint32("subgroup", st.num),
				zap.Int64("index", msg.index),
				zap.Error(err))
			continue
		}
		g.log.Debug("message sent",
			zap.Uint32("subgroup", st.num),
			zap.Int64("index", msg.index),
			zap.Int("bytes", msg.size))
	}
}

func (g *Group) nextReadyLocked(start int) (*subgroupState, int) {
	if g.wedged.Load() {
		return nil, start
	}
	n := len(g.subgroups)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		st := g.subgroups[idx]
		if st != nil && st.currentSend == nil && len(st.pending) > 0 {
			return st, idx + 1
		}
	}
	return nil, start
}

// sendCompleted runs once every receiver has the current message of st. The
// message becomes locally stable and the local row records it as received.
func (g *Group) sendCompleted(st *subgroupState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg := st.currentSend
	if msg == nil || g.wedged.Load() {
		return
	}
	h, err := wire.Parse(msg.bytes())
	if err != nil {
		g.log.Error("own message has a corrupt header", zap.Uint32("subgroup", st.num), zap.Error(err))
		return
	}
	st.currentSend = nil
	g.recordReceivedLocked(st, msg, st.myRank, int64(h.PauseSendingTurns))
	g.metrics.sent.WithLabelValues(sgLabel(st.num)).Inc()
	g.cond.Broadcast()
}

// recordReceivedLocked files msg as locally stable and publishes the new
// receive counter and sequence number of st in the local row.
func (g *Group) recordReceivedLocked(st *subgroupState, msg *message, sender int, pause int64) {
	st.locallyStable[msg.seq(st.size())] = msg
	st.received[sender] = msg.index + pause
	received := st.received[sender]
	seqNum := st.seqNum()
	col := st.offset + sender
	g.table.Update(g.myRow, func(r *sst.Row) {
		r.NumReceived[col] = received
		if seqNum > r.SeqNum[st.num] {
			r.SeqNum[st.num] = seqNum
		}
	})
}
