package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager keeps at most one canonical Session per peer and applies a
// policy to deduplicate concurrent inbound/outbound links.
type Manager struct {
	localID string
	mu      sync.RWMutex
	peers   map[string]Session
	grace   time.Duration
}

// NewManager returns a manager electing sessions on behalf of localID.
func NewManager(localID string) *Manager {
	return &Manager{localID: localID, peers: make(map[string]Session), grace: 500 * time.Millisecond}
}

// AddSession registers s under its peer id. A losing session is closed
// and (false, nil) returned. A winning session that displaced another
// returns (true, old); the old one is closed after a grace period.
func (m *Manager) AddSession(ctx context.Context, s Session) (accepted bool, old Session) {
	id := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.peers[id]
	if cur == nil {
		m.peers[id] = s
		return true, nil
	}
	if cur == s {
		return true, nil
	}
	if m.better(s, cur) {
		m.peers[id] = s
		m.closeLater(ctx, cur)
		return true, cur
	}
	_ = s.Close()
	return false, nil
}

func (m *Manager) closeLater(ctx context.Context, s Session) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(m.grace):
		}
		_ = s.Close()
	}()
}

// GetSession returns the canonical session for a peer, or nil.
func (m *Manager) GetSession(id string) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// Remove forgets s if it is still canonical for its peer and reports
// whether it was.
func (m *Manager) Remove(s Session) bool {
	id := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[id] == s {
		delete(m.peers, id)
		return true
	}
	return false
}

// ClosePeer closes and forgets the canonical session of id.
func (m *Manager) ClosePeer(id string) {
	m.mu.Lock()
	s := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// ListPeers returns all peer ids with a session, sorted.
func (m *Manager) ListPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendBytes writes b to peer over its canonical session.
func (m *Manager) SendBytes(_ context.Context, peer string, b []byte) error {
	s := m.GetSession(peer)
	if s == nil {
		return ErrNoSession
	}
	return s.SendBytes(b)
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.peers
	m.peers = make(map[string]Session)
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}

func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 120
	case KindQUIC:
		return 100
	case KindTCP:
		return 90
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical for the same
// peer. Between an inbound and an outbound link of equal rank both ends
// keep the one dialed by the lower device id; otherwise the newer wins.
func (m *Manager) better(a, b Session) bool {
	ra, rb := baseRank(a.TransportKind()), baseRank(b.TransportKind())
	if ra != rb {
		return ra > rb
	}
	qa, qb := a.Quality(), b.Quality()
	peer := a.Peer().ID
	if qa.Outbound != qb.Outbound && m.localID != "" && !IsTempPeerID(peer) {
		return qa.Outbound == (m.localID < peer)
	}
	return qa.EstablishedAt.After(qb.EstablishedAt)
}

// RebindPeer moves the canonical session of oldID to newID once the hello
// names the remote. If newID already has a session the election decides
// which survives; the loser is closed. It reports whether the moved session
// is now canonical for newID, and the session it displaced if any.
func (m *Manager) RebindPeer(ctx context.Context, oldID, newID string) (bool, Session) {
	if oldID == newID || newID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moving := m.peers[oldID]
	if moving == nil {
		return false, nil
	}
	delete(m.peers, oldID)
	if mp, ok := moving.(MutablePeer); ok {
		pi := moving.Peer()
		pi.ID = newID
		mp.SetPeer(pi)
	}

	cur := m.peers[newID]
	if cur == nil || m.better(moving, cur) {
		m.peers[newID] = moving
		if cur != nil {
			m.closeLater(ctx, cur)
		}
		zap.L().Debug("session rebound", zap.String("from", oldID), zap.String("to", newID))
		return true, cur
	}
	go func() { _ = moving.Close() }()
	return false, nil
}
