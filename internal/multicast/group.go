package multicast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vsync/internal/buffer"
	"github.com/dreamware/vsync/internal/failure"
	"github.com/dreamware/vsync/internal/persist"
	"github.com/dreamware/vsync/internal/sst"
	"github.com/dreamware/vsync/internal/transport"
	"github.com/dreamware/vsync/internal/view"
)

var (
	// ErrWedged is returned by send operations once Wedge has been called.
	ErrWedged = errors.New("multicast: group is wedged")
	// ErrNotMember is returned for subgroups the local node has no shard in.
	ErrNotMember = errors.New("multicast: not a member of subgroup")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("multicast: payload exceeds max_payload_size")
	// ErrInvalidLayout is returned by New when the assignment does not match
	// the member list or the shared table.
	ErrInvalidLayout = errors.New("multicast: invalid subgroup layout")
	// ErrTransportFailed is returned by New when a multicast group could not
	// be formed.
	ErrTransportFailed = errors.New("multicast: transport group creation failed")
)

// Options carries the optional construction inputs of a Group.
type Options struct {
	// ViewID distinguishes this view's transport groups from earlier ones.
	ViewID int32
	// AlreadyFailed marks, by position in the member list, members known to
	// have failed. They are never sent to and never waited on.
	AlreadyFailed []bool
	// Logger receives the group's logs. Nil disables logging.
	Logger *zap.Logger
	// Registerer receives the group's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Sink, when set, persists every message before it is delivered. It
	// takes precedence over Params.PersistenceLogPath and is not closed by
	// the group.
	Sink persist.Sink
	// OnSuspect is told about every member suspected of having failed.
	OnSuspect func(member view.NodeID)
}

// message is one multicast message owned by the pipeline.
type message struct {
	buf    *buffer.MessageBuffer
	size   int
	index  int64
	sender int
}

func (m *message) seq(shardSize int) int64 {
	return m.index*int64(shardSize) + int64(m.sender)
}

func (m *message) bytes() []byte {
	return m.buf.Bytes()[:m.size]
}

// subgroupState is the pipeline of one subgroup the local node belongs to.
// Everything below keys is guarded by Group.mu.
type subgroupState struct {
	num     uint32
	shard   uint32
	members []view.NodeID
	rows    []int
	live    []bool
	myRank  int
	offset  int
	mode    view.Mode
	keys    []transport.GroupKey
	handles []sst.Handle

	futureIndex     int64
	nextSend        *message
	pending         []*message
	currentSend     *message
	currentReceives map[int]*message
	locallyStable   map[int64]*message
	received        []int64
	delivered       int64
	outstanding     int

	persistSubmitted int64
	persistInFlight  int
	persisted        int64
	persistFailed    bool
}

func (st *subgroupState) size() int {
	return len(st.members)
}

// seqNum is the highest sequence number up to which every message of every
// live sender has been received.
func (st *subgroupState) seqNum() int64 {
	n := int64(st.size())
	lowest := int64(-1)
	first := true
	for s, r := range st.received {
		if !st.live[s] {
			continue
		}
		v := (r+1)*n + int64(s) - 1
		if first || v < lowest {
			lowest, first = v, false
		}
	}
	return lowest
}

// Group is the ordered multicast core of one view. It owns the send and
// receive pipelines of every subgroup the local node belongs to and drives
// stability and delivery from the shared table.
//
// Lock order is Group.mu before the table lock. Client callbacks and
// transport sends run without Group.mu held.
type Group struct {
	members   []view.NodeID
	me        view.NodeID
	myRow     int
	viewID    int32
	failed    []bool
	table     *sst.Table
	preds     *sst.Predicates
	transport transport.Transport
	alg       transport.Algorithm
	asn       view.Assignment
	params    Params
	baseLog   *zap.Logger
	log       *zap.Logger
	reg       prometheus.Registerer
	metrics   *metrics
	monitor   *failure.Monitor
	sink      persist.Sink
	ownsSink  bool
	onSuspect func(member view.NodeID)
	created   []transport.GroupKey
	subgroups []*subgroupState

	mu        sync.Mutex
	cond      *sync.Cond
	pool      *buffer.Pool
	callbacks CallbackSet
	rpc       RPCHandler
	suspected []bool
	shutdown  bool
	started   bool
	closed    bool
	cancel    context.CancelFunc
	tasks     *errgroup.Group

	// deliverMu serializes deliveries so callbacks never overlap.
	deliverMu sync.Mutex
	wedged    atomic.Bool
}

// New constructs the Group of the local node me for one view.
//
// members is the ordered member list; a member's position in it is its row in
// table. asn is the local node's slice of the subgroup layout as computed by
// the membership layer. New fails with ErrInvalidLayout when asn does not fit
// members or table, and with ErrTransportFailed when a multicast group cannot
// be formed. The group does nothing until Start is called.
func New(members []view.NodeID, me view.NodeID, table *sst.Table, tr transport.Transport,
	callbacks CallbackSet, asn view.Assignment, params Params, opts Options) (*Group, error) {
	return build(members, me, table, tr, callbacks, asn, params, opts, nil)
}

// carryOver is what a group inherits from its predecessor.
type carryOver struct {
	rpc   RPCHandler
	free  map[uint32][]*buffer.MessageBuffer
	sends map[uint32][]*message
	next  map[uint32]*message
}

func build(members []view.NodeID, me view.NodeID, table *sst.Table, tr transport.Transport,
	callbacks CallbackSet, asn view.Assignment, params Params, opts Options, carry *carryOver) (*Group, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	alg, _ := transport.ParseAlgorithm(params.SendAlgorithm)

	myRow := slices.Index(members, me)
	if myRow < 0 {
		return nil, fmt.Errorf("%w: node %d is not in the member list", ErrInvalidLayout, me)
	}
	if table.NumRows() != len(members) {
		return nil, fmt.Errorf("%w: table has %d rows for %d members", ErrInvalidLayout, table.NumRows(), len(members))
	}
	failed := make([]bool, len(members))
	copy(failed, opts.AlreadyFailed)
	if failed[myRow] {
		return nil, fmt.Errorf("%w: local node %d is marked as failed", ErrInvalidLayout, me)
	}

	base := opts.Logger
	if base == nil {
		base = zap.NewNop()
	}
	logger := base.With(zap.Uint32("node", uint32(me)), zap.Int32("view", opts.ViewID))

	g := &Group{
		members:   slices.Clone(members),
		me:        me,
		myRow:     myRow,
		viewID:    opts.ViewID,
		failed:    failed,
		table:     table,
		transport: tr,
		alg:       alg,
		asn:       asn,
		params:    params,
		baseLog:   base,
		log:       logger,
		reg:       opts.Registerer,
		metrics:   newMetrics(opts.Registerer, me),
		onSuspect: opts.OnSuspect,
		subgroups: make([]*subgroupState, asn.TotalSubgroups),
		pool:      buffer.NewPool(int(asn.TotalSubgroups), params.MaxMessageSize()),
		callbacks: callbacks,
		suspected: make([]bool, len(members)),
	}
	g.cond = sync.NewCond(&g.mu)
	if carry != nil {
		g.rpc = carry.rpc
	}

	row := table.Row(myRow)
	if int(asn.TotalSubgroups) > len(row.SeqNum) {
		return nil, fmt.Errorf("%w: %d subgroups but the table has %d subgroup columns", ErrInvalidLayout, asn.TotalSubgroups, len(row.SeqNum))
	}
	for _, sg := range asn.Subgroups() {
		if sg >= asn.TotalSubgroups {
			return nil, fmt.Errorf("%w: subgroup %d out of range", ErrInvalidLayout, sg)
		}
		st, err := g.newSubgroupState(sg, len(row.NumReceived))
		if err != nil {
			return nil, err
		}
		g.subgroups[sg] = st

		want := int(params.WindowSize) * st.size()
		if carry != nil {
			g.pool.Adopt(sg, carry.free[sg])
			want -= g.pool.Stats(sg).Free + len(carry.sends[sg])
			if carry.next[sg] != nil {
				want--
			}
		}
		if want > 0 {
			g.pool.Reserve(sg, want)
		}
	}

	switch {
	case opts.Sink != nil:
		g.sink = opts.Sink
	case params.PersistenceLogPath != "":
		sink, err := persist.OpenBoltLog(params.PersistenceLogPath, logger)
		if err != nil {
			return nil, err
		}
		g.sink, g.ownsSink = sink, true
	}

	if err := g.createTransportGroups(); err != nil {
		g.destroyTransportGroups()
		if g.ownsSink {
			g.sink.Close()
		}
		return nil, err
	}

	if carry != nil {
		g.adoptSends(carry)
	}

	g.preds = sst.NewPredicates(table, logger)
	g.registerPredicates()

	if params.TimeoutMS > 0 {
		g.monitor = failure.NewMonitor(params.Timeout(), logger)
		g.monitor.SetOnSuspect(g.markSuspected)
	}

	g.log.Info("multicast group created",
		zap.Int("members", len(members)),
		zap.Int("subgroups", len(asn.ShardAndIndex)),
		zap.Uint32("window", params.WindowSize),
		zap.Bool("persistent", g.sink != nil))
	return g, nil
}

func (g *Group) newSubgroupState(sg uint32, numReceived int) (*subgroupState, error) {
	shard := g.asn.Membership[sg]
	pos := g.asn.ShardAndIndex[sg]
	if len(shard) == 0 {
		return nil, fmt.Errorf("%w: subgroup %d has an empty shard", ErrInvalidLayout, sg)
	}
	if int(pos.Index) >= len(shard) || shard[pos.Index] != g.me {
		return nil, fmt.Errorf("%w: node %d is not at index %d of subgroup %d", ErrInvalidLayout, g.me, pos.Index, sg)
	}
	offset := int(g.asn.NumReceivedOffset[sg])
	if offset+len(shard) > numReceived {
		return nil, fmt.Errorf("%w: receive columns %d..%d of subgroup %d exceed table width %d",
			ErrInvalidLayout, offset, offset+len(shard)-1, sg, numReceived)
	}

	st := &subgroupState{
		num:              sg,
		shard:            pos.Shard,
		members:          slices.Clone(shard),
		rows:             make([]int, len(shard)),
		live:             make([]bool, len(shard)),
		myRank:           int(pos.Index),
		offset:           offset,
		mode:             g.asn.Modes[sg],
		keys:             make([]transport.GroupKey, len(shard)),
		currentReceives:  make(map[int]*message),
		locallyStable:    make(map[int64]*message),
		received:         make([]int64, len(shard)),
		delivered:        -1,
		persistSubmitted: -1,
		persisted:        -1,
	}
	for i, id := range shard {
		r := slices.Index(g.members, id)
		if r < 0 {
			return nil, fmt.Errorf("%w: shard member %d of subgroup %d is not in the view", ErrInvalidLayout, id, sg)
		}
		st.rows[i] = r
		st.live[i] = !g.failed[r]
		st.keys[i] = transport.GroupKey{ViewID: g.viewID, Subgroup: sg, Sender: id}
		st.received[i] = -1
	}
	return st, nil
}

// createTransportGroups joins one single-sender group per live sender of
// every shard the local node is in.
func (g *Group) createTransportGroups() error {
	for _, st := range g.subgroups {
		if st == nil {
			continue
		}
		for s, sender := range st.members {
			if !st.live[s] {
				continue
			}
			groupMembers := []view.NodeID{sender}
			for r, id := range st.members {
				if r != s && st.live[r] {
					groupMembers = append(groupMembers, id)
				}
			}
			key := st.keys[s]
			if err := g.transport.CreateGroup(key, groupMembers, g.params.BlockSize, g.alg, g.handlers(st, s)); err != nil {
				g.log.Error("transport group creation failed", zap.Stringer("group", key), zap.Error(err))
				return fmt.Errorf("%w: %s: %w", ErrTransportFailed, key, err)
			}
			g.created = append(g.created, key)
		}
	}
	return nil
}

func (g *Group) destroyTransportGroups() {
	for _, key := range g.created {
		g.transport.DestroyGroup(key)
	}
}

func (g *Group) handlers(st *subgroupState, sender int) transport.Handlers {
	if sender == st.myRank {
		return transport.Handlers{
			Incoming:   func(int) []byte { return nil },
			Completion: func([]byte) { g.sendCompleted(st) },
			Failure:    g.reportFailure,
		}
	}
	return transport.Handlers{
		Incoming:   func(size int) []byte { return g.incoming(st, sender, size) },
		Completion: func(data []byte) { g.receiveCompleted(st, sender, data) },
		Failure:    g.reportFailure,
	}
}

// Start launches the sender task, the predicate evaluator and, when a timeout
// is configured, the failure monitor. It returns immediately. Canceling ctx
// stops the tasks; Close does the same and waits for them.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started || g.closed {
		g.mu.Unlock()
		return
	}
	g.started = true
	ctx, cancel := context.WithCancel(ctx)
	tasks, ctx := errgroup.WithContext(ctx)
	g.cancel, g.tasks = cancel, tasks
	g.mu.Unlock()

	context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.shutdown = true
		g.cond.Broadcast()
		g.mu.Unlock()
	})

	tasks.Go(func() error {
		g.sendLoop()
		return nil
	})
	tasks.Go(func() error {
		return g.preds.Run(ctx)
	})
	if g.monitor != nil {
		tasks.Go(func() error {
			return g.monitor.Start(ctx, g.observations)
		})
	}
	g.log.Info("multicast group started")
}

// stopTasks signals shutdown and joins the background tasks.
func (g *Group) stopTasks() {
	g.mu.Lock()
	g.shutdown = true
	g.cond.Broadcast()
	cancel, tasks := g.cancel, g.tasks
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := tasks.Wait(); err != nil {
			g.log.Warn("background task failed", zap.Error(err))
		}
	}
	if g.monitor != nil {
		g.monitor.Stop()
	}
}

// Close wedges the group, joins its background tasks, closes a persistence
// log the group opened itself and returns every buffer to the pool. It is
// safe to call more than once.
func (g *Group) Close() error {
	g.Wedge()
	g.stopTasks()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	var err error
	if g.ownsSink {
		err = g.sink.Close()
	}

	g.mu.Lock()
	for _, st := range g.subgroups {
		if st != nil {
			g.releaseAllLocked(st)
		}
	}
	g.mu.Unlock()

	g.log.Info("multicast group closed")
	return err
}

func (g *Group) releaseAllLocked(st *subgroupState) {
	if st.nextSend != nil {
		g.releaseLocked(st, st.nextSend)
		st.nextSend = nil
	}
	if st.currentSend != nil {
		g.releaseLocked(st, st.currentSend)
		st.currentSend = nil
	}
	for _, m := range st.pending {
		g.releaseLocked(st, m)
	}
	st.pending = nil
	for s, m := range st.currentReceives {
		g.releaseLocked(st, m)
		delete(st.currentReceives, s)
	}
	for seq, m := range st.locallyStable {
		g.releaseLocked(st, m)
		delete(st.locallyStable, seq)
	}
	st.outstanding = 0
}

func (g *Group) acquireLocked(st *subgroupState, grow bool) *buffer.MessageBuffer {
	var b *buffer.MessageBuffer
	if grow {
		b = g.pool.AcquireOrAlloc(st.num)
	} else {
		b = g.pool.Acquire(st.num)
	}
	if b != nil {
		g.metrics.buffersInUse.WithLabelValues(sgLabel(st.num)).Inc()
	}
	return b
}

func (g *Group) releaseLocked(st *subgroupState, m *message) {
	g.pool.Release(m.buf)
	m.buf = nil
	g.metrics.buffersInUse.WithLabelValues(sgLabel(st.num)).Dec()
}

func (g *Group) state(sg uint32) (*subgroupState, error) {
	if int(sg) >= len(g.subgroups) || g.subgroups[sg] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotMember, sg)
	}
	return g.subgroups[sg], nil
}

// RegisterRPCCallback installs the handler for cooked messages, replacing
// any earlier one.
func (g *Group) RegisterRPCCallback(h RPCHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rpc = h
}

// ID returns the local node.
func (g *Group) ID() view.NodeID { return g.me }

// ViewID returns the view this group was built for.
func (g *Group) ViewID() int32 { return g.viewID }

// Members returns a copy of the member list.
func (g *Group) Members() []view.NodeID { return slices.Clone(g.members) }

// Params returns the group's parameters.
func (g *Group) Params() Params { return g.params }

// Assignment returns the subgroup assignment the group was built with.
func (g *Group) Assignment() view.Assignment { return g.asn }

// IsWedged reports whether Wedge has been called.
func (g *Group) IsWedged() bool { return g.wedged.Load() }

// ShardMembers returns the members of the local node's shard of sg, in shard
// order.
func (g *Group) ShardMembers(sg uint32) ([]view.NodeID, error) {
	st, err := g.state(sg)
	if err != nil {
		return nil, err
	}
	return slices.Clone(st.members), nil
}

// ReceivedIndices returns, per shard member, the highest message index
// received from it in sg. Pause turns count as received. A reconfiguration
// protocol uses this to agree on where the old view ends.
func (g *Group) ReceivedIndices(sg uint32) ([]int64, error) {
	st, err := g.state(sg)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(st.received), nil
}

// BufferStats returns the buffer pool counters of sg.
func (g *Group) BufferStats(sg uint32) (buffer.Stats, error) {
	if _, err := g.state(sg); err != nil {
		return buffer.Stats{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool.Stats(sg), nil
}

// Suspected returns the members this node has suspected, in member order.
func (g *Group) Suspected() []view.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []view.NodeID
	for r, s := range g.suspected {
		if s {
			out = append(out, g.members[r])
		}
	}
	return out
}
