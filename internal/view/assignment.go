package view

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// ShardPosition locates a node inside one subgroup: which shard it belongs to
// and its shard-relative index (its sender rank within that shard).
type ShardPosition struct {
	Shard uint32
	Index uint32
}

// Assignment is one node's slice of a Layout, in the shape the multicast core
// consumes at construction.
//
// The membership layer computes an Assignment for the local node after every
// view change; the multicast core never derives it on its own.
//
// Fields:
//   - TotalSubgroups: number of subgroups in the layout, whether or not the
//     node belongs to them
//   - ShardAndIndex: subgroup -> (shard number, index in shard) for every
//     subgroup the node belongs to
//   - NumReceivedOffset: subgroup -> first column of the node's per-sender
//     receive counters in the shared table
//   - Membership: subgroup -> ordered members of the node's shard
//   - Modes: subgroup -> delivery mode of the node's shard
//
// Example:
//
//	layout, _ := view.OneSubgroupEntireView.Partition(v)
//	asn, _ := view.Assign(v, layout, myID)
//	width := view.NumReceivedWidth(v, layout)
type Assignment struct {
	ShardAndIndex     map[uint32]ShardPosition
	NumReceivedOffset map[uint32]uint32
	Membership        map[uint32][]NodeID
	Modes             map[uint32]Mode
	TotalSubgroups    uint32
}

// Assign validates layout against v and extracts the assignment of node me.
//
// Receive-counter offsets are laid out densely in ascending subgroup order, so
// a node in shards of size 3 (subgroup 0) and 2 (subgroup 1) gets offsets 0
// and 3. The total width needed by any node is given by NumReceivedWidth.
//
// Parameters:
//   - v: the current view
//   - layout: the partitioner's output for v
//   - me: the local node
//
// Returns:
//   - Assignment for me (possibly with no subgroups if me is in none)
//   - Error if the layout fails Validate or me is not in the view
func Assign(v *View, layout Layout, me NodeID) (Assignment, error) {
	if err := Validate(v, layout); err != nil {
		return Assignment{}, err
	}
	if !v.Contains(me) {
		return Assignment{}, fmt.Errorf("%w: local node %d", ErrUnknownMember, me)
	}

	asn := Assignment{
		ShardAndIndex:     make(map[uint32]ShardPosition),
		NumReceivedOffset: make(map[uint32]uint32),
		Membership:        make(map[uint32][]NodeID),
		Modes:             make(map[uint32]Mode),
		TotalSubgroups:    uint32(len(layout)),
	}

	var offset uint32
	for sg, shards := range layout {
		for sh, shard := range shards {
			idx := shard.RankOf(me)
			if idx < 0 {
				continue
			}
			sgNum := uint32(sg)
			asn.ShardAndIndex[sgNum] = ShardPosition{Shard: uint32(sh), Index: uint32(idx)}
			asn.NumReceivedOffset[sgNum] = offset
			asn.Membership[sgNum] = append([]NodeID(nil), shard.Members...)
			asn.Modes[sgNum] = shard.Mode
			offset += uint32(len(shard.Members))
			break
		}
	}
	return asn, nil
}

// Subgroups returns the subgroups the node belongs to, in ascending order.
func (a Assignment) Subgroups() []uint32 {
	out := make([]uint32, 0, len(a.ShardAndIndex))
	for sg := range a.ShardAndIndex {
		out = append(out, sg)
	}
	slices.Sort(out)
	return out
}

// NumReceivedWidth returns the number of receive-counter columns the shared
// table needs so that every member's offsets fit.
func NumReceivedWidth(v *View, layout Layout) int {
	width := 0
	for _, id := range v.Members {
		total := 0
		for _, shards := range layout {
			for _, shard := range shards {
				if shard.RankOf(id) >= 0 {
					total += len(shard.Members)
					break
				}
			}
		}
		if total > width {
			width = total
		}
	}
	return width
}

// ShardsOf returns, per subgroup, the shard number that id belongs to, or
// nothing for subgroups it is not part of.
func ShardsOf(layout Layout, id NodeID) map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for sg, shards := range layout {
		for sh, shard := range shards {
			if shard.RankOf(id) >= 0 {
				out[uint32(sg)] = uint32(sh)
				break
			}
		}
	}
	return out
}
