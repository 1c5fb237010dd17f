// Package buffer manages the fixed-size message buffers that the multicast
// core hands to the transport.
package buffer

import (
	"fmt"

	"github.com/dreamware/vsync/internal/wire"
)

// MaxMessageSize returns the buffer size needed for payloads of up to
// maxPayload bytes: payload plus header, rounded up to a whole number of
// transport blocks.
func MaxMessageSize(maxPayload, blockSize uint64) uint64 {
	size := maxPayload + wire.HeaderSize
	if blockSize == 0 {
		return size
	}
	if rem := size % blockSize; rem != 0 {
		size += blockSize - rem
	}
	return size
}

// MessageBuffer is a block of memory registered with the transport. It has a
// single owner at a time: the pool while free, otherwise the message it was
// handed to. Never copy a MessageBuffer value; pass the pointer.
type MessageBuffer struct {
	data     []byte
	subgroup uint32
	inUse    bool
}

// Bytes returns the whole buffer.
func (b *MessageBuffer) Bytes() []byte { return b.data }

// Len returns the buffer capacity in bytes.
func (b *MessageBuffer) Len() int { return len(b.data) }

// Subgroup returns the subgroup whose pool owns the buffer.
func (b *MessageBuffer) Subgroup() uint32 { return b.subgroup }

// Stats is a point-in-time count of one subgroup's buffers.
type Stats struct {
	Free      int
	InUse     int
	Allocated int
	Acquired  uint64
	Released  uint64
}

// Pool keeps a free list of equally sized buffers per subgroup.
//
// Pool is not safe for concurrent use. The multicast group guards it with the
// same mutex that protects its message queues.
type Pool struct {
	bufSize int
	free    [][]*MessageBuffer
	stats   []Stats
}

// NewPool creates an empty pool for subgroups [0, numSubgroups) whose buffers
// are bufSize bytes long.
func NewPool(numSubgroups int, bufSize uint64) *Pool {
	return &Pool{
		bufSize: int(bufSize),
		free:    make([][]*MessageBuffer, numSubgroups),
		stats:   make([]Stats, numSubgroups),
	}
}

// BufferSize returns the size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Reserve pre-allocates n free buffers for subgroup sg.
func (p *Pool) Reserve(sg uint32, n int) {
	for i := 0; i < n; i++ {
		p.free[sg] = append(p.free[sg], p.alloc(sg))
	}
}

func (p *Pool) alloc(sg uint32) *MessageBuffer {
	p.stats[sg].Allocated++
	return &MessageBuffer{data: make([]byte, p.bufSize), subgroup: sg}
}

// Acquire takes a free buffer for subgroup sg. It returns nil when the free
// list is empty; callers are expected to retry later.
func (p *Pool) Acquire(sg uint32) *MessageBuffer {
	list := p.free[sg]
	if len(list) == 0 {
		return nil
	}
	b := list[len(list)-1]
	list[len(list)-1] = nil
	p.free[sg] = list[:len(list)-1]
	p.take(b)
	return b
}

// AcquireOrAlloc is Acquire but allocates a fresh buffer instead of failing.
// The receive path uses it since an incoming transfer cannot be refused.
func (p *Pool) AcquireOrAlloc(sg uint32) *MessageBuffer {
	if b := p.Acquire(sg); b != nil {
		return b
	}
	b := p.alloc(sg)
	p.take(b)
	return b
}

func (p *Pool) take(b *MessageBuffer) {
	b.inUse = true
	p.stats[b.subgroup].Acquired++
}

// Release returns b to its subgroup's free list. Releasing a buffer that is
// already free panics, since it means two owners believed they held it.
func (p *Pool) Release(b *MessageBuffer) {
	if b == nil {
		return
	}
	if !b.inUse {
		panic(fmt.Sprintf("buffer: double release in subgroup %d", b.subgroup))
	}
	b.inUse = false
	p.stats[b.subgroup].Released++
	p.free[b.subgroup] = append(p.free[b.subgroup], b)
}

// Stats returns the counters for subgroup sg.
func (p *Pool) Stats(sg uint32) Stats {
	s := p.stats[sg]
	s.Free = len(p.free[sg])
	s.InUse = int(s.Acquired - s.Released)
	return s
}

// Drain removes and returns every free buffer of subgroup sg. It is used to
// hand a subgroup's buffers to a successor pool on a view change.
func (p *Pool) Drain(sg uint32) []*MessageBuffer {
	out := p.free[sg]
	p.free[sg] = nil
	p.stats[sg].Allocated -= len(out)
	return out
}

// Adopt adds free buffers taken from another pool to subgroup sg. Buffers of
// a different size are dropped.
func (p *Pool) Adopt(sg uint32, bufs []*MessageBuffer) {
	for _, b := range bufs {
		if b == nil || b.inUse || len(b.data) != p.bufSize {
			continue
		}
		b.subgroup = sg
		p.stats[sg].Allocated++
		p.free[sg] = append(p.free[sg], b)
	}
}

// AdoptInUse takes ownership of a buffer that is still held by a message
// carried over from another pool. It is released into this pool later.
func (p *Pool) AdoptInUse(sg uint32, b *MessageBuffer) {
	b.subgroup = sg
	p.stats[sg].Allocated++
	p.stats[sg].Acquired++
}
