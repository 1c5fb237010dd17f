package failure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/view"
)

// Observation is one sample of a member's progress in one subgroup.
type Observation struct {
	// Progress is the member's published counter, e.g. its sequence number.
	Progress int64
	// Member is the member being observed.
	Member view.NodeID
	// Subgroup scopes the progress counter.
	Subgroup uint32
	// Lagging is true when other shard members are ahead of this one, so
	// progress is expected from it.
	Lagging bool
}

// MemberProgress tracks the last observed progress of a member in a subgroup.
// Thread-safe: Protected by Monitor's mutex when accessed.
type MemberProgress struct {
	LastCheck  time.Time   // Timestamp of the last observation
	LastChange time.Time   // Timestamp at which Progress last moved
	Progress   int64       // Last observed counter value
	Member     view.NodeID // Member being tracked
	Subgroup   uint32      // Subgroup the counter belongs to
	Lagging    bool        // Whether the member was behind its shard at LastCheck
}

type progressKey struct {
	subgroup uint32
	member   view.NodeID
}

// Monitor periodically samples member progress and suspects members that lag
// behind their shard without advancing for longer than the timeout.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	progress  map[progressKey]*MemberProgress // Current progress per member and subgroup
	suspected map[view.NodeID]string          // Suspected members and why
	onSuspect func(member view.NodeID)        // Callback when a member becomes suspected
	now       func() time.Time                // Clock, replaceable in tests
	log       *zap.Logger
	ctx       context.Context    // Context for cancellation
	cancel    context.CancelFunc // Cancel function for shutdown
	timeout   time.Duration      // Allowed time without progress
	interval  time.Duration      // How often to sample progress
	mu        sync.RWMutex       // Protects progress and suspected
	wg        sync.WaitGroup     // Wait group for graceful shutdown
}

// NewMonitor creates a monitor that suspects a member after timeout without
// progress. The sampling interval defaults to the timeout.
//
// Parameters:
//   - timeout: how long a lagging member may go without progress (must be > 0)
//   - logger: destination for suspicion and lifecycle logs (nil disables)
//
// Example:
//
//	monitor := NewMonitor(50*time.Millisecond, logger)
//	monitor.SetOnSuspect(func(id view.NodeID) { membership.Suspect(id) })
//	go monitor.Start(ctx, group.Observations)
func NewMonitor(timeout time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		progress:  make(map[progressKey]*MemberProgress),
		suspected: make(map[view.NodeID]string),
		now:       time.Now,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
		timeout:   timeout,
		interval:  timeout,
	}
}

// SetOnSuspect sets the function called, once, when a member becomes
// suspected. It is called without the monitor's lock held.
func (m *Monitor) SetOnSuspect(callback func(member view.NodeID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSuspect = callback
}

// SetInterval overrides the sampling interval.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// Timeout returns the configured progress timeout.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Start samples the provider every interval until ctx or the monitor is
// canceled. It blocks, so run it in its own goroutine.
func (m *Monitor) Start(ctx context.Context, provider func() []Observation) error {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	m.mu.RLock()
	interval := m.interval
	m.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("failure monitor started", zap.Duration("timeout", m.timeout), zap.Duration("interval", interval))

	m.Check(provider())
	for {
		select {
		case <-ticker.C:
			m.Check(provider())
		case <-ctx.Done():
			m.log.Debug("failure monitor stopping due to context cancellation")
			return nil
		case <-m.ctx.Done():
			m.log.Debug("failure monitor stopping due to internal cancellation")
			return nil
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Check folds one round of observations into the tracked state and raises
// suspicions for members that have lagged without progress past the timeout.
func (m *Monitor) Check(obs []Observation) {
	now := m.now()
	var raised []view.NodeID

	m.mu.Lock()
	for _, o := range obs {
		key := progressKey{subgroup: o.Subgroup, member: o.Member}
		p, exists := m.progress[key]
		if !exists {
			p = &MemberProgress{
				Member:     o.Member,
				Subgroup:   o.Subgroup,
				Progress:   o.Progress,
				LastChange: now,
			}
			m.progress[key] = p
		}
		p.LastCheck = now

		if o.Progress != p.Progress || !o.Lagging {
			if o.Progress != p.Progress {
				p.LastChange = now
			}
			p.Progress = o.Progress
			p.Lagging = o.Lagging
			if reason, was := m.suspected[o.Member]; was && reason == reasonNoProgress {
				delete(m.suspected, o.Member)
				m.log.Info("member resumed progress", zap.Uint32("member", uint32(o.Member)))
			}
			continue
		}

		// Still lagging with no movement since LastChange. A member that only
		// just started lagging gets the full timeout from this point.
		if !p.Lagging {
			p.Lagging = true
			p.LastChange = now
			continue
		}
		if now.Sub(p.LastChange) > m.timeout {
			if _, already := m.suspected[o.Member]; !already {
				m.suspected[o.Member] = reasonNoProgress
				raised = append(raised, o.Member)
				m.log.Warn("member suspected: no progress",
					zap.Uint32("member", uint32(o.Member)),
					zap.Uint32("subgroup", o.Subgroup),
					zap.Int64("progress", o.Progress),
					zap.Duration("stalled", now.Sub(p.LastChange)))
			}
		}
	}
	cb := m.onSuspect
	m.mu.Unlock()

	if cb != nil {
		for _, id := range raised {
			cb(id)
		}
	}
}

const reasonNoProgress = "no progress"

// Report raises a suspicion from another detector, such as a transport
// failure. It reports whether this was a new suspicion.
func (m *Monitor) Report(member view.NodeID, reason string) bool {
	m.mu.Lock()
	if _, already := m.suspected[member]; already {
		m.mu.Unlock()
		return false
	}
	m.suspected[member] = fmt.Sprintf("reported: %s", reason)
	cb := m.onSuspect
	m.mu.Unlock()

	m.log.Warn("member suspected", zap.Uint32("member", uint32(member)), zap.String("reason", reason))
	if cb != nil {
		cb(member)
	}
	return true
}

// IsSuspected reports whether member is currently suspected.
func (m *Monitor) IsSuspected(member view.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.suspected[member]
	return ok
}

// Suspected returns the currently suspected members and the reason for each.
func (m *Monitor) Suspected() map[view.NodeID]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[view.NodeID]string, len(m.suspected))
	for id, r := range m.suspected {
		out[id] = r
	}
	return out
}

// GetProgress returns a copy of the tracked progress for member in subgroup,
// or nil if it has never been observed.
func (m *Monitor) GetProgress(subgroup uint32, member view.NodeID) *MemberProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[progressKey{subgroup: subgroup, member: member}]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}
