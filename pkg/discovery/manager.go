// Package discovery announces the local node, tracks advertised peers and
// scores them as connection candidates.
package discovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/events"
	"meshcounter/pkg/peers"
	"meshcounter/pkg/protocol"
)

const (
	DefaultAnnounceInterval = 10 * time.Second
	DefaultPeerTimeout      = 30 * time.Second
	DefaultMaxPeers         = 10
	DefaultScoreThreshold   = 0.7
)

// Weights of the four candidate-scoring factors.
type Weights struct {
	Strength  float64
	Degree    float64
	Diversity float64
	Stability float64
}

var DefaultWeights = Weights{Strength: 0.3, Degree: 0.2, Diversity: 0.3, Stability: 0.2}

// Topology is the part of the topology manager discovery consults.
type Topology interface {
	DirectPeers() []string
	IsDirect(id string) bool
	ShouldAcceptConnection(id string) bool
}

type Options struct {
	PeerTimeout    time.Duration
	MaxPeers       int
	ScoreThreshold float64
	Weights        Weights
	Now            func() time.Time
	Events         events.Emitter
}

func (o Options) withDefaults() Options {
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = DefaultPeerTimeout
	}
	if o.MaxPeers <= 0 {
		o.MaxPeers = DefaultMaxPeers
	}
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = DefaultScoreThreshold
	}
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	return o
}

// PeerInfo is one entry of a discovery snapshot.
type PeerInfo struct {
	DeviceID        string  `json:"deviceId"`
	ConnectionCount int     `json:"connectionCount"`
	NetworkStrength float64 `json:"networkStrength"`
	LastSeen        int64   `json:"lastSeen"`
}

type Snapshot struct {
	LocalDeviceID   string     `json:"localDeviceId"`
	NetworkStrength float64    `json:"networkStrength"`
	DiscoveredPeers []PeerInfo `json:"discoveredPeers"`
}

type Manager struct {
	local string
	opts  Options
	store *peers.Store
	topo  Topology

	// mu serializes evaluation so two announcements cannot both pass the
	// MaxPeers gate.
	mu sync.Mutex
}

func New(localID string, store *peers.Store, topo Topology, opts Options) *Manager {
	return &Manager{local: localID, opts: opts.withDefaults(), store: store, topo: topo}
}

// AnnouncePresence builds the local announcement and raises it as a
// meshDiscovery event. The caller broadcasts the returned record.
func (m *Manager) AnnouncePresence() protocol.Announcement {
	direct := m.topo.DirectPeers()
	a := protocol.Announcement{
		Type:            protocol.TypeAnnouncement,
		DeviceID:        m.local,
		Timestamp:       m.opts.Now().UnixMilli(),
		ConnectionCount: len(direct),
		NetworkStrength: m.NetworkStrength(),
		ConnectedPeers:  direct,
	}
	m.opts.Events.Emit(events.Event{Name: events.MeshDiscovery, PeerID: m.local, Payload: a})
	return a
}

// HandleAnnouncement records a peer's announcement and requests a
// connection when it scores above the threshold. It reports whether a
// request was issued.
func (m *Manager) HandleAnnouncement(from string, a protocol.Announcement) bool {
	id := a.DeviceID
	if id == "" {
		id = from
	}
	if id == "" || id == m.local {
		return false
	}
	now := m.opts.Now()
	strength := min(max(a.NetworkStrength, 0), 1)
	rec := peers.Record{
		ID:              id,
		LastSeen:        now.UnixMilli(),
		ConnectionCount: a.ConnectionCount,
		NetworkStrength: strength,
		ConnectedPeers:  a.ConnectedPeers,
		Announced:       true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Upsert(rec); err != nil {
		zap.L().Warn("announcement not stored", zap.String("peer", id), zap.Error(err))
		return false
	}
	if m.store.Len() >= m.opts.MaxPeers || m.topo.IsDirect(id) {
		return false
	}
	stored, _ := m.store.Get(id)
	score := m.Score(stored)
	zap.L().Debug("candidate scored", zap.String("peer", id), zap.Float64("score", score))
	if score <= m.opts.ScoreThreshold {
		return false
	}
	m.requestConnection(id)
	return true
}

// Seen refreshes the record of a peer that answered a keepalive.
func (m *Manager) Seen(id string) {
	if err := m.store.Touch(id, m.opts.Now()); err != nil {
		zap.L().Debug("peer touch failed", zap.String("peer", id), zap.Error(err))
	}
}

// ObservePeer handles a proximity sighting of id.
func (m *Manager) ObservePeer(id string) bool {
	if id == "" || id == m.local {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Touch(id, m.opts.Now()); err != nil {
		return false
	}
	if m.topo.IsDirect(id) || m.store.Len() > m.opts.MaxPeers || !m.topo.ShouldAcceptConnection(id) {
		return false
	}
	m.requestConnection(id)
	return true
}

func (m *Manager) requestConnection(id string) {
	zap.L().Info("requesting connection", zap.String("peer", id))
	m.opts.Events.Emit(events.Event{
		Name:   events.ConnectionRequest,
		PeerID: id,
		Payload: events.ConnectionPayload{
			Type:     string(events.ConnectionRequest),
			SourceID: m.local,
			TargetID: id,
		},
	})
}

// Score rates rec as a connection candidate in [0, 1].
func (m *Manager) Score(rec peers.Record) float64 {
	w := m.opts.Weights
	maxPeers := float64(m.opts.MaxPeers)

	degree := 1 - min(float64(rec.ConnectionCount)/maxPeers, 1)

	var diversity float64
	if len(rec.ConnectedPeers) > 0 {
		known := m.knownExcept(rec.ID)
		novel := 0
		for _, p := range rec.ConnectedPeers {
			if _, ok := known[p]; !ok {
				novel++
			}
		}
		diversity = float64(novel) / float64(len(rec.ConnectedPeers))
	}

	uptime := m.opts.Now().Sub(rec.FirstSeenTime())
	stability := min(max(float64(uptime)/float64(m.opts.PeerTimeout), 0), 1)

	return rec.NetworkStrength*w.Strength + degree*w.Degree + diversity*w.Diversity + stability*w.Stability
}

// knownExcept is the local known-peer set, leaving out what skip itself
// advertised.
func (m *Manager) knownExcept(skip string) map[string]struct{} {
	known := map[string]struct{}{m.local: {}}
	for _, id := range m.topo.DirectPeers() {
		known[id] = struct{}{}
	}
	for _, r := range m.store.List() {
		known[r.ID] = struct{}{}
		if r.ID == skip {
			continue
		}
		for _, p := range r.ConnectedPeers {
			known[p] = struct{}{}
		}
	}
	return known
}

// NetworkStrength summarizes how well connected the known peers are.
func (m *Manager) NetworkStrength() float64 {
	recs := m.store.List()
	if len(recs) == 0 {
		return 0
	}
	maxPeers := float64(m.opts.MaxPeers)
	var total float64
	for _, r := range recs {
		total += min(float64(r.ConnectionCount)/maxPeers, 1)*0.5 + r.NetworkStrength*0.5
	}
	return min(total/maxPeers, 1)
}

// Tick purges stale records and returns their ids.
func (m *Manager) Tick() []string {
	return m.store.Prune(m.opts.Now())
}

func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{LocalDeviceID: m.local, NetworkStrength: m.NetworkStrength()}
	for _, r := range m.store.List() {
		s.DiscoveredPeers = append(s.DiscoveredPeers, PeerInfo{
			DeviceID:        r.ID,
			ConnectionCount: r.ConnectionCount,
			NetworkStrength: r.NetworkStrength,
			LastSeen:        r.LastSeen,
		})
	}
	return s
}

// Known reports how many peer records are live.
func (m *Manager) Known() int { return m.store.Len() }
