// Package multicast implements ordered, stability-tracked multicast within
// the shards of a view.
//
// # Overview
//
// A Group is built for one view from the ordered member list, the local
// node's subgroup assignment and a shared state table. For every subgroup the
// node belongs to it runs a pipeline:
//
//	GetSendBuffer -> fill payload -> Send
//	    -> pending queue -> sender task -> transport
//	    -> locally stable -> stable (every shard member has it)
//	    -> [persisted] -> delivered to the client
//
// Every message of a shard gets a global sequence number,
// index*shardSize + senderRank. A member publishes in its table row the
// highest sequence number it has received contiguously; the minimum over the
// shard is the stable watermark, and delivery walks sequence numbers up to it.
// This yields per-sender FIFO order and a round-robin interleaving of senders.
//
// # Concurrency
//
// One mutex guards all pipeline state and the buffer pool. The sender task
// waits on a condition variable tied to it. Transport sends, sink writes and
// client callbacks run without the mutex held; deliveries are serialized
// among themselves.
//
// # Errors
//
// Running out of buffers or window is not an error: GetSendBuffer returns
// nil and the caller retries. Contract violations (Send without a claimed
// buffer, a second claim before Send) panic. After Wedge every send operation
// fails with ErrWedged.
//
// # Usage
//
//	g, err := multicast.New(members, me, table, endpoint, callbacks, asn, params, opts)
//	if err != nil {
//		return err
//	}
//	g.Start(ctx)
//	defer g.Close()
//
//	for {
//		buf, err := g.GetSendBuffer(0, uint64(len(payload)), 0, false)
//		if err != nil {
//			return err
//		}
//		if buf != nil {
//			copy(buf, payload)
//			return g.Send(0)
//		}
//		time.Sleep(time.Millisecond)
//	}
package multicast
