package cluster

import (
	"github.com/ThomasGoatly/ray/internal/memstat"
)

// Membership adapts the registry to the aggregator's membership view.
func (r *Registry) Membership() memstat.Membership {
	return membershipView{r: r}
}

type membershipView struct {
	r *Registry
}

func (m membershipView) Nodes() []memstat.Node {
	nodes := m.r.Nodes()
	out := make([]memstat.Node, len(nodes))
	for i, n := range nodes {
		out[i] = nodeView{n: n}
	}
	return out
}

type nodeView struct {
	n *Node
}

func (v nodeView) ID() string {
	return v.n.ID()
}

func (v nodeView) Sources() []memstat.ProcessSource {
	procs := v.n.Processes()
	out := make([]memstat.ProcessSource, len(procs))
	for i, p := range procs {
		out[i] = p
	}
	return out
}

func (v nodeView) StoreStats() (count int, bytes int64) {
	return v.n.StoreStats()
}
