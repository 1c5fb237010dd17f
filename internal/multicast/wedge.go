package multicast

import (
	"go.uber.org/zap"

	"github.com/dreamware/vsync/internal/sst"
)

// Wedge stops the group from starting new sends and accepting new receives.
// It marks the local row wedged, removes the stability and delivery
// predicates and leaves every transport group. A transfer already on the
// wire is not waited for. Wedge is idempotent.
func (g *Group) Wedge() {
	if !g.wedged.CompareAndSwap(false, true) {
		return
	}
	for _, st := range g.subgroups {
		if st == nil {
			continue
		}
		for _, h := range st.handles {
			g.preds.Remove(h)
		}
	}
	g.table.Update(g.myRow, func(r *sst.Row) {
		r.Wedged = true
	})
	g.destroyTransportGroups()

	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
	g.log.Info("multicast group wedged", zap.Int("transport_groups", len(g.created)))
}
