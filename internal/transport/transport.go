// Package transport defines the reliable, block-pipelined multicast primitive
// the multicast core sends through, and provides an in-process loopback
// implementation of it.
package transport

import (
	"errors"
	"fmt"

	"github.com/dreamware/vsync/internal/view"
)

var (
	// ErrUnreachable is returned by CreateGroup when a member is not reachable.
	ErrUnreachable = errors.New("transport: member unreachable")
	// ErrNoGroup is returned when sending on a group that does not exist.
	ErrNoGroup = errors.New("transport: no such group")
	// ErrNotSender is returned when a node sends on a group it does not lead.
	ErrNotSender = errors.New("transport: local node is not the group's sender")
	// ErrInFlight is returned when a group already has a send outstanding.
	ErrInFlight = errors.New("transport: send already in flight")
	// ErrClosed is returned after the endpoint has been closed.
	ErrClosed = errors.New("transport: endpoint closed")
)

// Algorithm selects how a multicast is built from point-to-point transfers.
// The multicast core passes it through untouched.
type Algorithm string

const (
	Binomial   Algorithm = "binomial"
	Chain      Algorithm = "chain"
	Sequential Algorithm = "sequential"
	Tree       Algorithm = "tree"
)

// ParseAlgorithm validates an algorithm name. The empty string selects Binomial.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case "":
		return Binomial, nil
	case Binomial, Chain, Sequential, Tree:
		return a, nil
	default:
		return "", fmt.Errorf("transport: unknown send algorithm %q", s)
	}
}

// GroupKey names one single-sender multicast group.
type GroupKey struct {
	ViewID   int32
	Subgroup uint32
	Sender   view.NodeID
}

func (k GroupKey) String() string {
	return fmt.Sprintf("v%d/sg%d/from%d", k.ViewID, k.Subgroup, k.Sender)
}

// Handlers are the callbacks a member registers for one group.
type Handlers struct {
	// Incoming is called on a receiver when a transfer of size bytes starts.
	// It returns the buffer to receive into, or nil to drop the transfer.
	Incoming func(size int) []byte
	// Block is called after each block lands. Optional.
	Block func(block int)
	// Completion is called on each receiver once the whole message is in
	// place, and on the sender once every receiver has finished.
	Completion func(data []byte)
	// Failure reports a member the transfer could not reach. Optional.
	Failure func(node view.NodeID)
}

// Transport is the multicast primitive. Sends on a group are strictly one at
// a time: a second Send before the first completes fails with ErrInFlight.
type Transport interface {
	// CreateGroup joins the group named by key. members lists the sender
	// first, then every receiver.
	CreateGroup(key GroupKey, members []view.NodeID, blockSize uint64, alg Algorithm, h Handlers) error
	// Send starts multicasting data on a group the local node leads. It does
	// not wait for delivery; completion is signalled through Handlers.
	Send(key GroupKey, data []byte) error
	// DestroyGroup leaves the group. Transfers still arriving are dropped.
	DestroyGroup(key GroupKey)
}
