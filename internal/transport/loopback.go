package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vsync/internal/view"
)

// Fabric connects in-process endpoints. It stands in for a network of
// point-to-point links: every attached node can reach every other attached
// node, and a detached node behaves like a crashed one.
type Fabric struct {
	endpoints map[view.NodeID]*Endpoint
	log       *zap.Logger
	mu        sync.RWMutex
}

// NewFabric creates an empty fabric. A nil logger disables logging.
func NewFabric(logger *zap.Logger) *Fabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fabric{
		endpoints: make(map[view.NodeID]*Endpoint),
		log:       logger,
	}
}

// Attach connects node id and returns its endpoint. Attaching an already
// attached node returns the existing endpoint.
func (f *Fabric) Attach(id view.NodeID) *Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		id:        id,
		fabric:    f,
		log:       f.log.With(zap.Uint32("node", uint32(id))),
		groups:    make(map[GroupKey]*group),
		destroyed: make(map[GroupKey]bool),
		parked:    make(map[GroupKey][]*transfer),
		inflight:  NewInflightTracker(1),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
	}
	f.endpoints[id] = ep
	ep.wg.Add(1)
	go ep.run()
	return ep
}

// Detach disconnects node id, as if it had crashed. Transfers addressed to it
// are dropped from then on.
func (f *Fabric) Detach(id view.NodeID) {
	f.mu.RLock()
	ep := f.endpoints[id]
	f.mu.RUnlock()
	if ep != nil {
		ep.Close()
	}
}

// Close detaches every endpoint.
func (f *Fabric) Close() {
	f.mu.RLock()
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.RUnlock()
	for _, ep := range eps {
		ep.Close()
	}
}

func (f *Fabric) lookup(id view.NodeID) *Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.endpoints[id]
}

func (f *Fabric) remove(ep *Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endpoints[ep.id] == ep {
		delete(f.endpoints, ep.id)
	}
}

type group struct {
	members   []view.NodeID
	h         Handlers
	alg       Algorithm
	blockSize uint64
}

type transfer struct {
	sender    *Endpoint
	data      []byte
	blockSize uint64
	remaining atomic.Int32
	key       GroupKey
}

// finish marks one receiver done; the last one hands completion back to the
// sender's worker.
func (t *transfer) finish() {
	if t.remaining.Add(-1) == 0 {
		t.sender.post(event{t: t, complete: true})
	}
}

// Endpoint is one node's attachment to a Fabric. It implements Transport.
// All handler callbacks for a node run on the endpoint's worker goroutine,
// except Failure, which runs inside Send.
type Endpoint struct {
	fabric    *Fabric
	log       *zap.Logger
	groups    map[GroupKey]*group
	destroyed map[GroupKey]bool
	parked    map[GroupKey][]*transfer
	inflight  *InflightTracker
	queue     *eventQueue
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	id        view.NodeID
}

var _ Transport = (*Endpoint)(nil)

// ID returns the node this endpoint belongs to.
func (e *Endpoint) ID() view.NodeID { return e.id }

// CreateGroup implements Transport.
func (e *Endpoint) CreateGroup(key GroupKey, members []view.NodeID, blockSize uint64, alg Algorithm, h Handlers) error {
	if len(members) == 0 || members[0] != key.Sender {
		return fmt.Errorf("transport: group %s must list its sender first", key)
	}
	if !slices.Contains(members, e.id) {
		return fmt.Errorf("transport: node %d is not a member of group %s", e.id, key)
	}
	for _, m := range members {
		if e.fabric.lookup(m) == nil {
			return fmt.Errorf("%w: node %d in group %s", ErrUnreachable, m, key)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.groups[key] = &group{
		members:   slices.Clone(members),
		h:         h,
		alg:       alg,
		blockSize: blockSize,
	}
	delete(e.destroyed, key)
	parked := e.parked[key]
	delete(e.parked, key)
	e.mu.Unlock()

	e.log.Debug("group created", zap.Stringer("group", key), zap.Int("members", len(members)), zap.String("algorithm", string(alg)))
	for _, t := range parked {
		e.post(event{t: t})
	}
	return nil
}

// DestroyGroup implements Transport.
func (e *Endpoint) DestroyGroup(key GroupKey) {
	e.mu.Lock()
	delete(e.groups, key)
	e.destroyed[key] = true
	parked := e.parked[key]
	delete(e.parked, key)
	e.mu.Unlock()

	for _, t := range parked {
		t.finish()
	}
}

// Send implements Transport. data must stay untouched until the sender's
// Completion handler runs.
func (e *Endpoint) Send(key GroupKey, data []byte) error {
	if key.Sender != e.id {
		return ErrNotSender
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	g, ok := e.groups[key]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGroup, key)
	}
	if !e.inflight.Acquire(key) {
		return fmt.Errorf("%w: %s", ErrInFlight, key)
	}

	receivers := g.members[1:]
	t := &transfer{sender: e, data: data, blockSize: g.blockSize, key: key}
	// One extra count keeps completion from firing before every receiver
	// has been handed the transfer.
	t.remaining.Store(int32(len(receivers)) + 1)

	for _, r := range receivers {
		ep := e.fabric.lookup(r)
		if ep == nil || !ep.post(event{t: t}) {
			e.log.Warn("receiver unreachable, dropping transfer", zap.Stringer("group", key), zap.Uint32("receiver", uint32(r)))
			if g.h.Failure != nil {
				g.h.Failure(r)
			}
			t.finish()
		}
	}
	t.finish()
	return nil
}

// InFlight reports whether a send on key has not yet completed.
func (e *Endpoint) InFlight(key GroupKey) bool {
	return e.inflight.Pending(key) > 0
}

// Close detaches the endpoint. Transfers it had not yet processed are
// counted as finished so that their senders are not held up.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.fabric.remove(e)
	close(e.done)
	e.wg.Wait()

	for _, ev := range e.queue.close() {
		if !ev.complete {
			ev.t.finish()
		}
	}
	e.mu.Lock()
	parked := e.parked
	e.parked = make(map[GroupKey][]*transfer)
	e.mu.Unlock()
	for _, ts := range parked {
		for _, t := range ts {
			t.finish()
		}
	}
	e.log.Debug("endpoint closed")
}

func (e *Endpoint) post(ev event) bool {
	return e.queue.push(ev)
}

func (e *Endpoint) run() {
	defer e.wg.Done()
	for {
		ev, ok := e.queue.pop(e.done)
		if !ok {
			return
		}
		if ev.complete {
			e.complete(ev.t)
		} else {
			e.receive(ev.t)
		}
	}
}

func (e *Endpoint) receive(t *transfer) {
	e.mu.Lock()
	g, ok := e.groups[t.key]
	if !ok {
		if e.destroyed[t.key] {
			e.mu.Unlock()
			t.finish()
			return
		}
		// The sender got here before we created the group.
		e.parked[t.key] = append(e.parked[t.key], t)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	size := len(t.data)
	buf := g.h.Incoming(size)
	if buf == nil || len(buf) < size {
		e.log.Debug("transfer refused", zap.Stringer("group", t.key), zap.Int("size", size))
		t.finish()
		return
	}

	bs := int(t.blockSize)
	if bs <= 0 {
		bs = size
	}
	for off, blk := 0, 0; off < size; off, blk = off+bs, blk+1 {
		end := off + bs
		if end > size {
			end = size
		}
		copy(buf[off:end], t.data[off:end])
		if g.h.Block != nil {
			g.h.Block(blk)
		}
	}
	g.h.Completion(buf[:size])
	t.finish()
}

func (e *Endpoint) complete(t *transfer) {
	e.inflight.Release(t.key)
	e.mu.Lock()
	g, ok := e.groups[t.key]
	e.mu.Unlock()
	if !ok {
		return
	}
	g.h.Completion(t.data)
}

type event struct {
	t        *transfer
	complete bool
}

// eventQueue is an unbounded FIFO. Workers post to each other's queues, so a
// bounded channel could deadlock two endpoints waiting on one another.
type eventQueue struct {
	items  []event
	signal chan struct{}
	mu     sync.Mutex
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) pop(done <-chan struct{}) (event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-done:
			return event{}, false
		}
	}
}

// close stops the queue and returns whatever was still in it.
func (q *eventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
