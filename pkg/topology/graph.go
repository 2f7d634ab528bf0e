package topology

// orderedSet remembers insertion order so traversals break ties by
// discovery order.
type orderedSet struct {
	order []string
	set   map[string]struct{}
}

func newOrderedSet() *orderedSet { return &orderedSet{set: make(map[string]struct{})} }

func (s *orderedSet) add(id string) bool {
	if _, ok := s.set[id]; ok {
		return false
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *orderedSet) remove(id string) bool {
	if _, ok := s.set[id]; !ok {
		return false
	}
	delete(s.set, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *orderedSet) has(id string) bool {
	_, ok := s.set[id]
	return ok
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) items() []string { return append([]string(nil), s.order...) }

// graph is an undirected adjacency map. Every edge is stored in both
// endpoint sets.
type graph struct {
	nodes *orderedSet
	adj   map[string]*orderedSet
}

func newGraph() *graph {
	return &graph{nodes: newOrderedSet(), adj: make(map[string]*orderedSet)}
}

func (g *graph) ensure(id string) *orderedSet {
	s, ok := g.adj[id]
	if !ok {
		s = newOrderedSet()
		g.adj[id] = s
		g.nodes.add(id)
	}
	return s
}

func (g *graph) link(a, b string) bool {
	if a == b || a == "" || b == "" {
		return false
	}
	added := g.ensure(a).add(b)
	return g.ensure(b).add(a) || added
}

func (g *graph) unlink(a, b string) bool {
	removed := false
	if s, ok := g.adj[a]; ok {
		removed = s.remove(b)
	}
	if s, ok := g.adj[b]; ok {
		removed = s.remove(a) || removed
	}
	return removed
}

func (g *graph) drop(id string) bool {
	s, ok := g.adj[id]
	if !ok {
		return false
	}
	for _, n := range s.order {
		if ns, ok := g.adj[n]; ok {
			ns.remove(id)
		}
	}
	delete(g.adj, id)
	g.nodes.remove(id)
	return true
}

// repair restores symmetry after any one-sided entry.
func (g *graph) repair() {
	for _, a := range g.nodes.order {
		for _, b := range g.adj[a].order {
			g.ensure(b).add(a)
		}
	}
}

func (g *graph) degree(id string) int {
	if s, ok := g.adj[id]; ok {
		return s.len()
	}
	return 0
}

func (g *graph) neighbors(id string) []string {
	if s, ok := g.adj[id]; ok {
		return s.order
	}
	return nil
}

func (g *graph) edgeEnds() int {
	n := 0
	for _, s := range g.adj {
		n += s.len()
	}
	return n
}
