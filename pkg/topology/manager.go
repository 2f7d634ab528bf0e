// Package topology maintains the local node's partial view of the mesh:
// who is connected to whom, hop distances, shortest routes, relay
// eligibility and degree balancing.
package topology

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/events"
	"meshcounter/pkg/observability"
)

const (
	DefaultMaxHops            = 5
	DefaultMinDegree          = 2
	DefaultMaxDegree          = 5
	DefaultReorganizeCooldown = 10 * time.Second
)

type Options struct {
	MaxHops            int
	MinDegree          int
	MaxDegree          int
	ReorganizeCooldown time.Duration
	Now                func() time.Time
	Events             events.Emitter
	Metrics            *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.MaxDegree <= 0 {
		o.MaxDegree = DefaultMaxDegree
	}
	if o.MinDegree <= 0 || o.MinDegree > o.MaxDegree {
		o.MinDegree = min(DefaultMinDegree, o.MaxDegree)
	}
	if o.ReorganizeCooldown < 0 {
		o.ReorganizeCooldown = DefaultReorganizeCooldown
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	return o
}

// Health summarizes the local topology view.
type Health struct {
	TotalPeers         int
	DirectPeers        int
	AverageConnections float64
	MeshStability      float64
}

// Request is a connect or disconnect action decided by Reorganize.
type Request struct {
	Kind   events.Name
	PeerID string
}

// Manager owns the topology graph and its hop table.
type Manager struct {
	local string
	opts  Options

	mu        sync.RWMutex
	g         *graph
	hops      map[string]int
	lastReorg time.Time
}

func New(localID string, opts Options) *Manager {
	m := &Manager{local: localID, opts: opts.withDefaults(), g: newGraph()}
	m.hops = m.g.hopCounts(localID, m.opts.MaxHops)
	return m
}

// LocalID returns the local device id.
func (m *Manager) LocalID() string { return m.local }

// MaxHops returns the routing horizon.
func (m *Manager) MaxHops() int { return m.opts.MaxHops }

// AddPeer records id and its reported neighbors as undirected edges.
func (m *Manager) AddPeer(id string, neighbors []string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.g.ensure(id)
	changed := false
	for _, n := range neighbors {
		if m.g.link(id, n) {
			changed = true
		}
	}
	m.g.repair()
	m.recomputeLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		zap.L().Debug("topology peer added", zap.String("peer", id), zap.Strings("neighbors", neighbors))
	}
	m.emitChange(snap)
}

// UpdatePeer replaces the edges id reports for itself with neighbors. The
// local node's own edges are left alone: only Connect and RemovePeer
// change them.
func (m *Manager) UpdatePeer(id string, neighbors []string) {
	if id == "" || id == m.local {
		return
	}
	keep := make(map[string]struct{}, len(neighbors))
	for _, n := range neighbors {
		keep[n] = struct{}{}
	}
	m.mu.Lock()
	m.g.ensure(id)
	changed := false
	for _, n := range m.g.adj[id].items() {
		if _, ok := keep[n]; !ok && n != m.local {
			changed = m.g.unlink(id, n) || changed
		}
	}
	for _, n := range neighbors {
		if n != m.local && m.g.link(id, n) {
			changed = true
		}
	}
	m.recomputeLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		zap.L().Debug("topology peer updated", zap.String("peer", id), zap.Strings("neighbors", neighbors))
		m.emitChange(snap)
	}
}

// Connect records a confirmed direct link between the local node and id.
func (m *Manager) Connect(id string) { m.AddPeer(id, []string{m.local}) }

// RemovePeer drops id and every edge touching it.
func (m *Manager) RemovePeer(id string) bool {
	m.mu.Lock()
	removed := m.g.drop(id)
	if removed {
		m.g.repair()
		m.recomputeLocked()
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if removed {
		zap.L().Debug("topology peer removed", zap.String("peer", id))
		m.emitChange(snap)
	}
	return removed
}

func (m *Manager) recomputeLocked() {
	m.hops = m.g.hopCounts(m.local, m.opts.MaxHops)
	if m.opts.Metrics != nil {
		h := m.healthLocked()
		m.opts.Metrics.SetTopology(h.DirectPeers, h.TotalPeers, h.MeshStability)
	}
}

// OptimalRoute returns the shortest path from the local node to target,
// both ends included, or nil when target is the local node, unknown or
// unreachable.
func (m *Manager) OptimalRoute(target string) []string {
	if target == m.local {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.hops[target]; !ok || h == Unreachable {
		return nil
	}
	return m.g.shortestPath(m.local, target)
}

// ShouldRelayMessage reports whether the local node sits strictly between
// source and target on the shortest path between them.
func (m *Manager) ShouldRelayMessage(source, target string) bool {
	if source == m.local || target == m.local || source == target {
		return false
	}
	m.mu.RLock()
	path := m.g.shortestPath(source, target)
	m.mu.RUnlock()

	if len(path) > m.opts.MaxHops+1 {
		return false
	}
	src, local, dst := -1, -1, -1
	for i, id := range path {
		switch id {
		case source:
			src = i
		case m.local:
			local = i
		case target:
			dst = i
		}
	}
	return src >= 0 && local >= 0 && dst >= 0 && src < local && local < dst
}

// ShouldAcceptConnection applies the accept policy: refuse when already at
// maximum degree, otherwise accept only candidates below maximum degree.
func (m *Manager) ShouldAcceptConnection(candidate string) bool {
	if candidate == "" || candidate == m.local {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.g.degree(m.local) >= m.opts.MaxDegree {
		return false
	}
	return m.g.degree(candidate) < m.opts.MaxDegree
}

// DirectPeers lists the local node's neighbors in discovery order.
func (m *Manager) DirectPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.g.neighbors(m.local)...)
}

// IsDirect reports whether id is a direct neighbor.
func (m *Manager) IsDirect(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.g.adj[m.local]
	return ok && s.has(id)
}

// HopCount returns the hop distance to id, or Unreachable.
func (m *Manager) HopCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.hops[id]; ok {
		return h
	}
	return Unreachable
}

// Contains reports whether id is present in the graph, reachable or not.
func (m *Manager) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.g.adj[id]
	return ok
}

// Degree returns the number of neighbors known for id.
func (m *Manager) Degree(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.g.degree(id)
}

func (m *Manager) MeshHealth() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthLocked()
}

func (m *Manager) healthLocked() Health {
	nodes := m.g.nodes.len()
	ends := m.g.edgeEnds()
	h := Health{TotalPeers: nodes, DirectPeers: m.g.degree(m.local), MeshStability: 1.0}
	if nodes == 0 {
		return h
	}
	h.AverageConnections = float64(ends) / float64(nodes)
	if m.opts.MinDegree > 0 {
		h.MeshStability = min(1.0, float64(ends)/float64(nodes*m.opts.MinDegree))
	}
	return h
}

// Snapshot returns a copy of the graph and hop table.
func (m *Manager) Snapshot() events.TopologyPayload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() events.TopologyPayload {
	conns := make(map[string][]string, len(m.g.adj))
	for id, s := range m.g.adj {
		conns[id] = s.items()
	}
	hops := make(map[string]int, len(m.hops))
	for id, h := range m.hops {
		hops[id] = h
	}
	return events.TopologyPayload{LocalDeviceID: m.local, Connections: conns, HopCounts: hops}
}

func (m *Manager) emitChange(snap events.TopologyPayload) {
	m.opts.Events.Emit(events.Event{Name: events.TopologyChange, PeerID: m.local, Payload: snap})
}

// Reorganize moves the local degree back into [min, max]. It does nothing
// within the cooldown window since the previous reorganization and
// returns the requests it issued.
func (m *Manager) Reorganize() []Request {
	now := m.opts.Now()
	m.mu.Lock()
	if !m.lastReorg.IsZero() && now.Sub(m.lastReorg) < m.opts.ReorganizeCooldown {
		m.mu.Unlock()
		return nil
	}
	m.lastReorg = now

	var reqs []Request
	degree := m.g.degree(m.local)
	switch {
	case degree < m.opts.MinDegree:
		need := min(m.opts.MinDegree, m.opts.MaxDegree) - degree
		for _, id := range m.twoHopCandidatesLocked() {
			if need == 0 {
				break
			}
			reqs = append(reqs, Request{Kind: events.ConnectionRequest, PeerID: id})
			need--
		}
	case degree > m.opts.MaxDegree:
		direct := append([]string(nil), m.g.neighbors(m.local)...)
		sort.SliceStable(direct, func(i, j int) bool { return m.g.degree(direct[i]) > m.g.degree(direct[j]) })
		for _, id := range direct[:degree-m.opts.MaxDegree] {
			reqs = append(reqs, Request{Kind: events.DisconnectionRequest, PeerID: id})
		}
	}
	m.mu.Unlock()

	for _, r := range reqs {
		m.opts.Metrics.TopologyRequest(string(r.Kind))
		m.opts.Events.Emit(events.Event{
			Name:    r.Kind,
			PeerID:  r.PeerID,
			Payload: events.ConnectionPayload{Type: string(r.Kind), SourceID: m.local, TargetID: r.PeerID},
		})
	}
	if len(reqs) > 0 {
		zap.L().Info("mesh reorganized", zap.Int("degree", degree), zap.Int("requests", len(reqs)))
	}
	return reqs
}

// twoHopCandidatesLocked lists peers-of-peers not directly connected,
// least connected first.
func (m *Manager) twoHopCandidatesLocked() []string {
	seen := map[string]bool{m.local: true}
	for _, d := range m.g.neighbors(m.local) {
		seen[d] = true
	}
	var out []string
	for _, d := range m.g.neighbors(m.local) {
		for _, c := range m.g.neighbors(d) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return m.g.degree(out[i]) < m.g.degree(out[j]) })
	return out
}

// HandlePeerDisconnection removes id and lets the mesh rebalance.
func (m *Manager) HandlePeerDisconnection(id string) []Request {
	m.RemovePeer(id)
	return m.Reorganize()
}

// HandleConnectionRequest answers a remote request with a
// connectionResponse event and returns the decision.
func (m *Manager) HandleConnectionRequest(source string) bool {
	accepted := m.ShouldAcceptConnection(source)
	m.opts.Events.Emit(events.Event{
		Name:   events.ConnectionResponse,
		PeerID: source,
		Payload: events.ConnectionPayload{
			Type:     string(events.ConnectionResponse),
			SourceID: m.local,
			TargetID: source,
			Accepted: accepted,
		},
	})
	return accepted
}
