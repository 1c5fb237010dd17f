package view

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// NodeID is the opaque integer identity of a member. It is unique and stable
// for the lifetime of a view.
type NodeID uint32

// Mode selects how a shard's messages are interpreted on delivery.
type Mode int

const (
	// Cooked shards carry RPC-shaped payloads dispatched by an upper layer.
	Cooked Mode = iota
	// Raw shards carry opaque byte payloads handed straight to the client.
	Raw
)

// String returns the lower-case name of the mode.
func (m Mode) String() string {
	switch m {
	case Cooked:
		return "cooked"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Member pairs a member identity with its transport address.
type Member struct {
	ID   NodeID `json:"id" mapstructure:"id"`
	Addr string `json:"addr" mapstructure:"addr"`
}

// View is the agreed, ordered member list of a group. A View is owned by the
// membership layer and must be treated as read-only once built.
type View struct {
	// ID numbers views in installation order.
	ID int32
	// Members in rank order. A member's rank is its index here and also its
	// row in the shared table.
	Members []NodeID
	// Addresses maps each member to its transport address.
	Addresses map[NodeID]string
	// Failed marks members, by rank, that are already known to have failed.
	Failed []bool
}

// New builds a view from an ordered member list.
func New(id int32, members []Member) (*View, error) {
	v := &View{
		ID:        id,
		Members:   make([]NodeID, 0, len(members)),
		Addresses: make(map[NodeID]string, len(members)),
		Failed:    make([]bool, len(members)),
	}
	for _, m := range members {
		if _, dup := v.Addresses[m.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateMember, m.ID)
		}
		v.Members = append(v.Members, m.ID)
		v.Addresses[m.ID] = m.Addr
	}
	return v, nil
}

// RankOf returns the rank of id, or -1 if id is not a member.
func (v *View) RankOf(id NodeID) int {
	return slices.Index(v.Members, id)
}

// Contains reports whether id is a member of the view.
func (v *View) Contains(id NodeID) bool {
	return v.RankOf(id) >= 0
}

// SubView returns a shard over the given members. The member slice is copied.
func (v *View) SubView(members []NodeID, mode Mode) SubView {
	return SubView{Members: slices.Clone(members), Mode: mode}
}

// SubView is one shard of a subgroup: an ordered member list plus a delivery
// mode. A member's shard-relative index is its position in Members.
type SubView struct {
	Members []NodeID
	Mode    Mode
}

// RankOf returns the shard-relative index of id, or -1.
func (s SubView) RankOf(id NodeID) int {
	return slices.Index(s.Members, id)
}
