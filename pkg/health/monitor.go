// Package health runs adaptive ping/pong keepalive per direct peer, keeps
// a sliding RTT window and packet-loss estimate, and declares timeouts.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/observability"
	"meshcounter/pkg/protocol"
)

const (
	DefaultMinInterval      = 5 * time.Second
	DefaultMaxInterval      = 30 * time.Second
	DefaultPeerTimeout      = 45 * time.Second
	DefaultRTTWindow        = 10
	DefaultLatencyThreshold = 500 * time.Millisecond
	DefaultLossThreshold    = 0.2
)

type Options struct {
	MinInterval      time.Duration
	MaxInterval      time.Duration
	PeerTimeout      time.Duration
	RTTWindow        int
	LatencyThreshold time.Duration
	LossThreshold    float64
	Now              func() time.Time
	Metrics          *observability.Metrics

	// SendPing delivers a ping to peer. Called outside the monitor lock.
	SendPing func(peer string, p protocol.Ping)
	// OnTimeout is called once per peer declared timed out, after its
	// record has been removed.
	OnTimeout func(peer string)
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = max(DefaultMaxInterval, o.MinInterval)
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = DefaultPeerTimeout
	}
	if o.RTTWindow <= 0 {
		o.RTTWindow = DefaultRTTWindow
	}
	if o.LatencyThreshold <= 0 {
		o.LatencyThreshold = DefaultLatencyThreshold
	}
	if o.LossThreshold <= 0 {
		o.LossThreshold = DefaultLossThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SendPing == nil {
		o.SendPing = func(string, protocol.Ping) {}
	}
	if o.OnTimeout == nil {
		o.OnTimeout = func(string) {}
	}
	return o
}

// peerState is everything the monitor knows about one peer. It lives in a
// single table so teardown removes it in one step.
type peerState struct {
	lastContact  time.Time
	lastPingSent time.Time
	lastPingRecv time.Time
	interval     time.Duration
	awaiting     bool
	rtts         []time.Duration
	outcomes     []bool // true = answered
}

func (p *peerState) avgRTT() time.Duration {
	if len(p.rtts) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range p.rtts {
		sum += r
	}
	return sum / time.Duration(len(p.rtts))
}

func (p *peerState) loss() float64 {
	if len(p.outcomes) == 0 {
		return 0
	}
	lost := 0
	for _, ok := range p.outcomes {
		if !ok {
			lost++
		}
	}
	return float64(lost) / float64(len(p.outcomes))
}

func push[T any](s []T, v T, window int) []T {
	s = append(s, v)
	if len(s) > window {
		s = s[len(s)-window:]
	}
	return s
}

// PeerStats is a read-only view of one peer's keepalive state.
type PeerStats struct {
	Interval    time.Duration
	AverageRTT  time.Duration
	PacketLoss  float64
	Samples     int
	LastContact time.Time
}

// NetworkStats averages latency and loss over every tracked peer.
type NetworkStats struct {
	AverageLatency float64 `json:"averageLatency"` // milliseconds
	PacketLoss     float64 `json:"packetLoss"`
	PeerCount      int     `json:"peerCount"`
}

type Monitor struct {
	opts Options

	mu    sync.Mutex
	peers map[string]*peerState
}

func New(opts Options) *Monitor {
	return &Monitor{opts: opts.withDefaults(), peers: make(map[string]*peerState)}
}

// Track starts keepalive for peer. Tracking an already known peer is a
// no-op.
func (m *Monitor) Track(peer string) {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = &peerState{lastContact: now, interval: m.opts.MinInterval}
}

// Untrack drops every piece of state kept for peer.
func (m *Monitor) Untrack(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peer]
	delete(m.peers, peer)
	return ok
}

func (m *Monitor) Tracked(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peer]
	return ok
}

// Tick sends due pings and declares timeouts. It returns the peers timed
// out on this tick.
func (m *Monitor) Tick() []string {
	now := m.opts.Now()
	type out struct {
		peer string
		ping protocol.Ping
	}
	var (
		pings    []out
		timedOut []string
	)

	m.mu.Lock()
	for id, p := range m.peers {
		if now.Sub(p.lastContact) > m.opts.PeerTimeout {
			delete(m.peers, id)
			timedOut = append(timedOut, id)
			continue
		}
		if now.Sub(p.lastPingSent) < p.interval {
			continue
		}
		// The peer's own ping keeps the link warm.
		if !p.lastPingRecv.IsZero() && now.Sub(p.lastPingRecv) < p.interval {
			continue
		}
		if p.awaiting {
			p.outcomes = push(p.outcomes, false, m.opts.RTTWindow)
		}
		m.adapt(id, p)
		p.lastPingSent = now
		p.awaiting = true
		pings = append(pings, out{peer: id, ping: protocol.Ping{Type: protocol.TypePing, Timestamp: now.UnixMilli()}})
	}
	m.mu.Unlock()

	sort.Strings(timedOut)
	for _, o := range pings {
		m.opts.SendPing(o.peer, o.ping)
	}
	for _, id := range timedOut {
		zap.L().Info("peer timed out", zap.String("peer", id))
		m.opts.Metrics.PeerTimeout()
		m.opts.OnTimeout(id)
	}
	return timedOut
}

// adapt widens the ping interval on a poor link and narrows it on a good
// one.
func (m *Monitor) adapt(id string, p *peerState) {
	rtt, loss := p.avgRTT(), p.loss()
	prev := p.interval
	switch {
	case rtt > m.opts.LatencyThreshold || loss > m.opts.LossThreshold:
		p.interval = min(p.interval*2, m.opts.MaxInterval)
	case rtt < m.opts.LatencyThreshold/2 && loss < m.opts.LossThreshold/2:
		p.interval = max(p.interval/2, m.opts.MinInterval)
	}
	if p.interval != prev {
		zap.L().Debug("ping interval adapted", zap.String("peer", id),
			zap.Duration("from", prev), zap.Duration("to", p.interval),
			zap.Duration("rtt", rtt), zap.Float64("loss", loss))
	}
}

// OnPing records an inbound ping and returns the pong to send back.
func (m *Monitor) OnPing(peer string, ping protocol.Ping) protocol.Pong {
	now := m.opts.Now()
	m.mu.Lock()
	if p, ok := m.peers[peer]; ok {
		p.lastPingRecv = now
		p.lastContact = now
	}
	m.mu.Unlock()
	return protocol.Pong{Type: protocol.TypePong, OriginalTimestamp: ping.Timestamp, Timestamp: now.UnixMilli()}
}

// OnPong records the round trip of one of our pings. It reports false for
// untracked peers and pongs that claim to come from the future.
func (m *Monitor) OnPong(peer string, pong protocol.Pong) (time.Duration, bool) {
	now := m.opts.Now()
	rtt := now.Sub(time.UnixMilli(pong.OriginalTimestamp))
	if rtt < 0 {
		return 0, false
	}
	m.mu.Lock()
	p, ok := m.peers[peer]
	if ok {
		p.rtts = push(p.rtts, rtt, m.opts.RTTWindow)
		if p.awaiting {
			p.outcomes = push(p.outcomes, true, m.opts.RTTWindow)
			p.awaiting = false
		}
		p.lastContact = now
	}
	m.mu.Unlock()
	if ok {
		m.opts.Metrics.ObserveRTT(rtt)
	}
	return rtt, ok
}

func (m *Monitor) Peer(peer string) (PeerStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peer]
	if !ok {
		return PeerStats{}, false
	}
	return PeerStats{
		Interval:    p.interval,
		AverageRTT:  p.avgRTT(),
		PacketLoss:  p.loss(),
		Samples:     len(p.rtts),
		LastContact: p.lastContact,
	}, true
}

func (m *Monitor) Stats() NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := NetworkStats{PeerCount: len(m.peers)}
	if s.PeerCount == 0 {
		return s
	}
	for _, p := range m.peers {
		if len(p.rtts) == 0 {
			continue
		}
		s.AverageLatency += float64(p.avgRTT()) / float64(time.Millisecond)
		s.PacketLoss += p.loss()
	}
	s.AverageLatency /= float64(s.PeerCount)
	s.PacketLoss /= float64(s.PeerCount)
	return s
}
