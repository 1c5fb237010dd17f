// Package failure implements the progress-based failure detector used by the
// multicast core.
//
// # Overview
//
// The detector never contacts peers. It reads the counters each member publishes
// in the shared state table and compares them across a shard. A member that is
// behind the shard maximum and has not moved for longer than the timeout is
// suspected. Members that are merely idle (nothing to receive) are never
// suspected.
//
// # Usage
//
//	m := failure.NewMonitor(timeout, logger)
//	m.SetOnSuspect(group.Suspect)
//	go m.Start(ctx, group.Observations)
//	defer m.Stop()
//
// Transport-level failures are folded in through Report, so each member is
// handed to the suspicion callback at most once until it recovers.
package failure
