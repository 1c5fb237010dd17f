package view

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyShard is returned when a layout contains a shard with no members.
	ErrEmptyShard = errors.New("view: empty shard")
	// ErrUnknownMember is returned when a shard names a node outside the view.
	ErrUnknownMember = errors.New("view: shard member not in view")
	// ErrOmittedMember is returned when a view member belongs to no shard.
	ErrOmittedMember = errors.New("view: member not assigned to any shard")
	// ErrDuplicateMember is returned when a member appears twice where it must be unique.
	ErrDuplicateMember = errors.New("view: duplicate member")
	// ErrUnknownPolicy is returned by PolicyByName for an unrecognised name.
	ErrUnknownPolicy = errors.New("view: unknown partition policy")
)

// Layout maps each subgroup (by index) to its shards.
type Layout [][]SubView

// Partitioner maps a view to a subgroup/shard layout. Implementations must be
// deterministic: every node computes its layout independently and all of them
// must agree.
type Partitioner interface {
	Partition(v *View) (Layout, error)
}

// PartitionerFunc adapts a plain function to the Partitioner interface.
type PartitionerFunc func(v *View) (Layout, error)

// Partition calls f(v).
func (f PartitionerFunc) Partition(v *View) (Layout, error) {
	return f(v)
}

// OneSubgroupEntireView places every member in a single cooked shard of a
// single subgroup.
var OneSubgroupEntireView Partitioner = PartitionerFunc(func(v *View) (Layout, error) {
	return Layout{{v.SubView(v.Members, Cooked)}}, nil
})

// OneSubgroupEntireViewRaw is OneSubgroupEntireView with raw delivery.
var OneSubgroupEntireViewRaw Partitioner = PartitionerFunc(func(v *View) (Layout, error) {
	return Layout{{v.SubView(v.Members, Raw)}}, nil
})

// FixedShards splits the view, in rank order, into shards of ShardSize members
// and repeats that sharding for each of Subgroups subgroups. A trailing
// remainder smaller than ShardSize is folded into the last shard.
type FixedShards struct {
	Subgroups int
	ShardSize int
	Mode      Mode
}

// Partition implements Partitioner.
func (f FixedShards) Partition(v *View) (Layout, error) {
	if f.Subgroups <= 0 || f.ShardSize <= 0 {
		return nil, fmt.Errorf("view: fixed shards needs positive subgroup count and shard size, got %d/%d", f.Subgroups, f.ShardSize)
	}
	if len(v.Members) < f.ShardSize {
		return nil, fmt.Errorf("%w: %d members cannot fill a shard of %d", ErrEmptyShard, len(v.Members), f.ShardSize)
	}

	numShards := len(v.Members) / f.ShardSize
	layout := make(Layout, f.Subgroups)
	for sg := range layout {
		shards := make([]SubView, 0, numShards)
		for i := 0; i < numShards; i++ {
			start := i * f.ShardSize
			end := start + f.ShardSize
			if i == numShards-1 {
				end = len(v.Members)
			}
			shards = append(shards, v.SubView(v.Members[start:end], f.Mode))
		}
		layout[sg] = shards
	}
	return layout, nil
}

// PolicyByName resolves the partition policies that can be selected from
// configuration: "entire-view", "entire-view-raw" and "fixed".
func PolicyByName(name string, subgroups, shardSize int) (Partitioner, error) {
	switch name {
	case "", "entire-view":
		return OneSubgroupEntireView, nil
	case "entire-view-raw":
		return OneSubgroupEntireViewRaw, nil
	case "fixed":
		return FixedShards{Subgroups: subgroups, ShardSize: shardSize, Mode: Raw}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Validate checks a layout produced for v: every shard is non-empty, every
// shard member belongs to the view and appears at most once per subgroup,
// and every view member is placed in at least one shard.
func Validate(v *View, layout Layout) error {
	placed := make(map[NodeID]bool, len(v.Members))
	for sg, shards := range layout {
		seen := make(map[NodeID]bool)
		for sh, shard := range shards {
			if len(shard.Members) == 0 {
				return fmt.Errorf("%w: subgroup %d shard %d", ErrEmptyShard, sg, sh)
			}
			for _, id := range shard.Members {
				if !v.Contains(id) {
					return fmt.Errorf("%w: node %d in subgroup %d shard %d", ErrUnknownMember, id, sg, sh)
				}
				if seen[id] {
					return fmt.Errorf("%w: node %d twice in subgroup %d", ErrDuplicateMember, id, sg)
				}
				seen[id] = true
				placed[id] = true
			}
		}
	}
	for _, id := range v.Members {
		if !placed[id] {
			return fmt.Errorf("%w: node %d", ErrOmittedMember, id)
		}
	}
	return nil
}
