package multicast

import "github.com/dreamware/vsync/internal/view"

// MessageCallback is invoked for one message of a subgroup. payload aliases a
// pooled buffer and is only valid until the callback returns.
type MessageCallback func(subgroup uint32, sender view.NodeID, index int64, payload []byte)

// CallbackSet holds the client's callbacks. Either may be nil.
type CallbackSet struct {
	// GlobalStability is called exactly once per delivered raw message, in
	// delivery order.
	GlobalStability MessageCallback
	// LocalPersistence is called once a message has been durably written.
	LocalPersistence MessageCallback
}

// RPCHandler receives delivered cooked messages.
type RPCHandler func(sender view.NodeID, payload []byte)
