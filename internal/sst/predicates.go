package sst

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind controls whether a predicate stays registered after it fires.
type Kind int

const (
	// Recurrent predicates are evaluated on every pass until removed.
	Recurrent Kind = iota
	// OneTime predicates are removed the first time they fire.
	OneTime
)

// Handle identifies a registered predicate.
type Handle uint64

type entry struct {
	pred    func(*Table) bool
	trigger func(*Table)
	kind    Kind
	removed bool
}

// Predicates evaluates condition/trigger pairs against a Table. Each node
// owns one evaluator; triggers run one at a time on the evaluator's goroutine.
type Predicates struct {
	table    *Table
	log      *zap.Logger
	entries  map[Handle]*entry
	order    []Handle
	next     Handle
	interval time.Duration
	mu       sync.Mutex
}

// NewPredicates creates an evaluator over t. A nil logger disables logging.
func NewPredicates(t *Table, logger *zap.Logger) *Predicates {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predicates{
		table:    t,
		log:      logger,
		entries:  make(map[Handle]*entry),
		interval: 5 * time.Millisecond,
	}
}

// SetInterval sets the fallback evaluation period used when no change
// notifications arrive.
func (p *Predicates) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
}

// Insert registers a predicate and the trigger to run whenever it holds.
func (p *Predicates) Insert(pred func(*Table) bool, trigger func(*Table), kind Kind) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	h := p.next
	p.entries[h] = &entry{pred: pred, trigger: trigger, kind: kind}
	p.order = append(p.order, h)
	return h
}

// Remove unregisters h. Removing an unknown or already removed handle is a
// no-op. A trigger that is already running is not interrupted.
func (p *Predicates) Remove(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(h)
}

func (p *Predicates) removeLocked(h Handle) {
	e, ok := p.entries[h]
	if !ok {
		return
	}
	e.removed = true
	delete(p.entries, h)
	for i, o := range p.order {
		if o == h {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered predicates.
func (p *Predicates) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Evaluate runs one pass over every registered predicate in insertion order
// and fires the triggers of those that hold. It returns how many fired.
func (p *Predicates) Evaluate() int {
	p.mu.Lock()
	batch := make([]*entry, 0, len(p.order))
	handles := make([]Handle, 0, len(p.order))
	for _, h := range p.order {
		batch = append(batch, p.entries[h])
		handles = append(handles, h)
	}
	p.mu.Unlock()

	fired := 0
	for i, e := range batch {
		if p.isRemoved(e) || !e.pred(p.table) {
			continue
		}
		if e.kind == OneTime {
			p.Remove(handles[i])
		}
		e.trigger(p.table)
		fired++
	}
	return fired
}

func (p *Predicates) isRemoved(e *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.removed
}

// Run evaluates predicates after every table change, and at least once per
// interval, until ctx is canceled.
func (p *Predicates) Run(ctx context.Context) error {
	wake, cancel := p.table.Subscribe()
	defer cancel()

	p.mu.Lock()
	interval := p.interval
	p.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Debug("predicate evaluation started", zap.Duration("interval", interval))
	p.Evaluate()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("predicate evaluation stopped")
			return nil
		case <-wake:
		case <-ticker.C:
		}
		p.Evaluate()
	}
}
