package multicast

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

// DebugPrint writes a snapshot of the group's pipelines and the local table
// row to w. It changes nothing.
func (g *Group) DebugPrint(w io.Writer) {
	row := g.table.Row(g.myRow)

	g.mu.Lock()
	defer g.mu.Unlock()

	fmt.Fprintf(w, "group node=%d view=%d row=%d wedged=%t members=%v\n",
		g.me, g.viewID, g.myRow, g.wedged.Load(), g.members)
	for _, st := range g.subgroups {
		if st == nil {
			continue
		}
		stats := g.pool.Stats(st.num)
		fmt.Fprintf(w, "subgroup %d shard=%d mode=%s rank=%d members=%v\n",
			st.num, st.shard, st.mode, st.myRank, st.members)
		fmt.Fprintf(w, "  future_index=%d next_send=%t pending=%d current_send=%t outstanding=%d\n",
			st.futureIndex, st.nextSend != nil, len(st.pending), st.currentSend != nil, st.outstanding)
		fmt.Fprintf(w, "  receiving=%d locally_stable=%v delivered=%d persisted=%d\n",
			len(st.currentReceives), sortedSeqs(st.locallyStable), st.delivered, st.persisted)
		fmt.Fprintf(w, "  received=%v\n", st.received)
		fmt.Fprintf(w, "  table seq=%d stable=%d delivered=%d persisted=%d\n",
			row.SeqNum[st.num], row.StableNum[st.num], row.DeliveredNum[st.num], row.PersistedNum[st.num])
		fmt.Fprintf(w, "  buffers free=%d in_use=%d allocated=%d\n",
			stats.Free, stats.InUse, stats.Allocated)
	}
}

func sortedSeqs(m map[int64]*message) []int64 {
	out := make([]int64, 0, len(m))
	for seq := range m {
		out = append(out, seq)
	}
	slices.Sort(out)
	return out
}
