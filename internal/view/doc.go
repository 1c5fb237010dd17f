// Package view describes group membership as the multicast core sees it:
// an ordered member list, the subgroups carved out of it, and the shards each
// subgroup is replicated on.
//
// # Partitioning
//
// A Partitioner maps a View to a Layout. Every node runs the same partitioner
// over the same view and must arrive at the same layout, so policies may only
// depend on the view's contents and order. Two canonical single-shard policies
// are provided (OneSubgroupEntireView and OneSubgroupEntireViewRaw) along with
// FixedShards, which cuts the view into equal consecutive shards.
//
// # Assignment
//
// Assign turns a validated Layout into the per-node Assignment that the
// multicast orchestrator is constructed from:
//
//	v, _ := view.New(1, members)
//	layout, err := view.OneSubgroupEntireViewRaw.Partition(v)
//	if err != nil { ... }
//	asn, err := view.Assign(v, layout, me)
//
// Layouts with empty shards, members outside the view, or view members left
// out of every shard are rejected.
package view
