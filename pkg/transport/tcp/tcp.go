// Package tcp carries length-prefixed frames over plain TCP connections.
package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/transport"
)

type Transport struct {
	dialer net.Dialer
}

func New() *Transport { return &Transport{dialer: net.Dialer{KeepAlive: 15 * time.Second}} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	s := newSession(peer, c)
	s.outbound = true
	return s, nil
}

type listener struct {
	l       net.Listener
	newCh   chan *session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		s := newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindTCP, c.RemoteAddr()), Addr: c.RemoteAddr().String()}, c)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		default:
			zap.L().Warn("tcp accept backlog full", zap.Stringer("remote", c.RemoteAddr()))
			_ = s.Close()
		}
	}
}

type session struct {
	c  net.Conn
	br *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	mu            sync.Mutex
	peer          transport.PeerInfo
	establishedAt time.Time
	lastSeen      time.Time
	outbound      bool
}

func newSession(peer transport.PeerInfo, c net.Conn) *session {
	return &session{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c), peer: peer, establishedAt: time.Now()}
}

func (s *session) Peer() transport.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindTCP }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) SendBytes(b []byte) error {
	s.wmu.Lock()
	err := transport.WriteFrame(s.bw, b)
	s.wmu.Unlock()
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *session) RecvBytes() ([]byte, error) {
	b, err := transport.ReadFrame(s.br)
	if err != nil {
		return nil, err
	}
	s.touch()
	return b, nil
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) Quality() transport.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen, Outbound: s.outbound}
}

func (s *session) Close() error { return s.c.Close() }
