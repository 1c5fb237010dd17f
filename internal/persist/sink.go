// Package persist provides the sinks the multicast core hands received
// messages to when durable logging is configured.
package persist

import (
	"errors"

	"github.com/dreamware/vsync/internal/view"
)

// ErrClosed is reported to callbacks of records submitted after Close.
var ErrClosed = errors.New("persist: sink closed")

// Record is one message as written to a sink.
type Record struct {
	Payload  []byte      `msgpack:"payload"`
	Index    int64       `msgpack:"index"`
	ViewID   int32       `msgpack:"view"`
	Subgroup uint32      `msgpack:"subgroup"`
	Sender   view.NodeID `msgpack:"sender"`
}

// Sink durably stores records.
//
// Persist must not block on the durable write. done is called exactly once,
// after the record is durable or with the error that prevented it. Records
// submitted by one caller are acknowledged in submission order. The payload
// slice is only valid until done runs.
type Sink interface {
	Persist(rec Record, done func(error))
	Close() error
}
