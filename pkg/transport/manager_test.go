package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu     sync.Mutex
	peer   PeerInfo
	kind   Kind
	at     time.Time
	out    bool
	sent   [][]byte
	closed bool
}

func newFake(id string, kind Kind, at time.Time) *fakeSession {
	return &fakeSession{peer: PeerInfo{ID: id}, kind: kind, at: at}
}

func (f *fakeSession) Peer() PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}
func (f *fakeSession) SetPeer(pi PeerInfo) {
	f.mu.Lock()
	f.peer = pi
	f.mu.Unlock()
}
func (f *fakeSession) TransportKind() Kind        { return f.kind }
func (f *fakeSession) RemoteAddr() net.Addr       { return nil }
func (f *fakeSession) RecvBytes() ([]byte, error) { return nil, ErrClosed }
func (f *fakeSession) Quality() Quality           { return Quality{EstablishedAt: f.at, Outbound: f.out} }
func (f *fakeSession) SendBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}
func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestManagerElection(t *testing.T) {
	ctx := context.Background()
	m := NewManager("a")
	t0 := time.Unix(1000, 0)

	q := newFake("b", KindQUIC, t0)
	ok, old := m.AddSession(ctx, q)
	require.True(t, ok)
	require.Nil(t, old)

	// Same kind, older session loses and is closed.
	stale := newFake("b", KindQUIC, t0.Add(-time.Second))
	ok, _ = m.AddSession(ctx, stale)
	require.False(t, ok)
	require.True(t, stale.isClosed())
	require.Same(t, q, m.GetSession("b"))

	// Higher ranked kind replaces and the old one is closed after grace.
	mem := newFake("b", KindMem, t0)
	ok, old = m.AddSession(ctx, mem)
	require.True(t, ok)
	require.Same(t, q, old)
	require.Eventually(t, q.isClosed, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b"}, m.ListPeers())
}

func TestManagerSendAndClose(t *testing.T) {
	m := NewManager("a")
	s := newFake("x", KindMem, time.Now())
	m.AddSession(context.Background(), s)

	require.NoError(t, m.SendBytes(context.Background(), "x", []byte("hi")))
	require.Equal(t, [][]byte{[]byte("hi")}, s.sent)
	require.ErrorIs(t, m.SendBytes(context.Background(), "y", nil), ErrNoSession)

	m.ClosePeer("x")
	require.True(t, s.isClosed())
	require.Nil(t, m.GetSession("x"))
	require.False(t, m.Remove(s))
}

func TestManagerRebind(t *testing.T) {
	ctx := context.Background()
	m := NewManager("a")
	tmp := TempPeerID(KindQUIC, nil)
	require.True(t, IsTempPeerID(tmp))

	s := newFake(tmp, KindQUIC, time.Now())
	m.AddSession(ctx, s)
	ok, old := m.RebindPeer(ctx, tmp, "real")
	require.True(t, ok)
	require.Nil(t, old)
	require.Equal(t, "real", s.Peer().ID)
	require.Nil(t, m.GetSession(tmp))
	require.Same(t, s, m.GetSession("real"))

	// A weaker inbound duplicate loses against the existing binding.
	dup := newFake("temp:2", KindQUIC, time.Now().Add(-time.Hour))
	m.AddSession(ctx, dup)
	ok, _ = m.RebindPeer(ctx, "temp:2", "real")
	require.False(t, ok)
	require.Eventually(t, dup.isClosed, time.Second, 5*time.Millisecond)
	require.Same(t, s, m.GetSession("real"))
	ok, _ = m.RebindPeer(ctx, "missing", "real")
	require.False(t, ok)
}

func TestManagerCrossDialElection(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	// "a" < "b": both ends keep the link dialed by "a".
	onA := NewManager("a")
	outA := newFake("b", KindQUIC, t0)
	outA.out = true
	inA := newFake("b", KindQUIC, t0.Add(time.Second))
	onA.AddSession(ctx, outA)
	ok, _ := onA.AddSession(ctx, inA)
	require.False(t, ok)
	require.Same(t, outA, onA.GetSession("b"))

	onB := NewManager("b")
	outB := newFake("a", KindQUIC, t0.Add(time.Second))
	outB.out = true
	inB := newFake("a", KindQUIC, t0)
	onB.AddSession(ctx, outB)
	ok, old := onB.AddSession(ctx, inB)
	require.True(t, ok)
	require.Same(t, outB, old)
}
