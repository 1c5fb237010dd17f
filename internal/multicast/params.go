package multicast

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/vsync/internal/buffer"
	"github.com/dreamware/vsync/internal/transport"
)

// Params are the construction-time settings of a Group. They cannot change
// for the lifetime of a Group; a new view may carry different values.
type Params struct {
	// MaxPayloadSize is the largest payload a single message may carry.
	MaxPayloadSize uint64 `msgpack:"max_payload_size" mapstructure:"max_payload_size"`
	// BlockSize is the transport's pipelining granularity.
	BlockSize uint64 `msgpack:"block_size" mapstructure:"block_size"`
	// PersistenceLogPath enables durable logging of messages before delivery.
	// Empty disables it.
	PersistenceLogPath string `msgpack:"persistence_log_path" mapstructure:"persistence_log_path"`
	// WindowSize bounds the number of a sender's messages outstanding per
	// subgroup.
	WindowSize uint32 `msgpack:"window_size" mapstructure:"window_size"`
	// TimeoutMS is the failure-suspicion threshold. Zero disables the
	// failure monitor.
	TimeoutMS uint32 `msgpack:"timeout_ms" mapstructure:"timeout_ms"`
	// SendAlgorithm is handed to the transport untouched.
	SendAlgorithm string `msgpack:"send_algorithm" mapstructure:"send_algorithm"`
	// RPCPort is used by the RPC layer only.
	RPCPort uint16 `msgpack:"rpc_port" mapstructure:"rpc_port"`
}

// DefaultParams returns the settings used when nothing is configured.
func DefaultParams() Params {
	return Params{
		MaxPayloadSize: 10240,
		BlockSize:      1024,
		WindowSize:     3,
		TimeoutMS:      1,
		SendAlgorithm:  string(transport.Binomial),
		RPCPort:        12487,
	}
}

// Validate checks the parameters for values no Group can run with.
func (p Params) Validate() error {
	if p.MaxPayloadSize == 0 {
		return fmt.Errorf("multicast: max_payload_size must be positive")
	}
	if p.BlockSize == 0 {
		return fmt.Errorf("multicast: block_size must be positive")
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("multicast: window_size must be at least 1")
	}
	if _, err := transport.ParseAlgorithm(p.SendAlgorithm); err != nil {
		return err
	}
	return nil
}

// Timeout returns TimeoutMS as a duration.
func (p Params) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// MaxMessageSize is the buffer size every message of this group occupies.
func (p Params) MaxMessageSize() uint64 {
	return ComputeMaxMsgSize(p.MaxPayloadSize, p.BlockSize)
}

// paramsWire has Params' fields without its methods, so msgpack encodes the
// struct instead of calling back into MarshalBinary.
type paramsWire Params

// MarshalBinary encodes the parameters so a leader can ship them to joiners.
func (p Params) MarshalBinary() ([]byte, error) {
	w := paramsWire(p)
	return msgpack.Marshal(&w)
}

// UnmarshalBinary decodes parameters written by MarshalBinary.
func (p *Params) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*paramsWire)(p))
}

// ComputeMaxMsgSize returns the size of a message buffer able to hold a
// payload of maxPayload bytes plus the header, rounded up to whole blocks.
func ComputeMaxMsgSize(maxPayload, blockSize uint64) uint64 {
	return buffer.MaxMessageSize(maxPayload, blockSize)
}
