package topology

import (
	"container/heap"
	"math"
)

// Unreachable is the hop count of peers outside the routing horizon.
const Unreachable = math.MaxInt

// hopCounts runs a breadth-first search from src. Nodes deeper than
// maxHops, or disconnected from src, map to Unreachable.
func (g *graph) hopCounts(src string, maxHops int) map[string]int {
	hops := make(map[string]int, len(g.adj))
	for _, id := range g.nodes.order {
		hops[id] = Unreachable
	}
	if _, ok := g.adj[src]; !ok {
		return hops
	}
	hops[src] = 0
	frontier := []string{src}
	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, nb := range g.neighbors(cur) {
				if hops[nb] != Unreachable {
					continue
				}
				hops[nb] = depth
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return hops
}

// shortestPath finds a minimum-hop path from src to dst with unit edge
// weights. Equal-cost alternatives resolve to the one discovered first.
func (g *graph) shortestPath(src, dst string) []string {
	if _, ok := g.adj[src]; !ok {
		return nil
	}
	if _, ok := g.adj[dst]; !ok {
		return nil
	}
	dist := map[string]int{src: 0}
	prev := map[string]string{}
	visited := map[string]bool{}
	pq := &nodePQ{}
	var seq int
	heap.Push(pq, nodeItem{id: src, prio: 0, seq: seq})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(nodeItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		if cur.id == dst {
			break
		}
		for _, nb := range g.neighbors(cur.id) {
			nd := dist[cur.id] + 1
			if old, ok := dist[nb]; !ok || nd < old {
				dist[nb] = nd
				prev[nb] = cur.id
				seq++
				heap.Push(pq, nodeItem{id: nb, prio: nd, seq: seq})
			}
		}
	}
	if _, ok := dist[dst]; !ok {
		return nil
	}
	var rev []string
	for at := dst; ; at = prev[at] {
		rev = append(rev, at)
		if at == src {
			break
		}
	}
	path := make([]string, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path
}

type nodeItem struct {
	id   string
	prio int
	seq  int
}

type nodePQ []nodeItem

func (p nodePQ) Len() int { return len(p) }
func (p nodePQ) Less(i, j int) bool {
	if p[i].prio != p[j].prio {
		return p[i].prio < p[j].prio
	}
	return p[i].seq < p[j].seq
}
func (p nodePQ) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p *nodePQ) Push(x any)   { *p = append(*p, x.(nodeItem)) }
func (p *nodePQ) Pop() any {
	old := *p
	n := len(old)
	x := old[n-1]
	*p = old[:n-1]
	return x
}
