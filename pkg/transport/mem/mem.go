// Package mem is an in-process transport built on net.Pipe. Listeners are
// named ("inproc://a") and live in the Transport that created them, so two
// nodes share one Transport to reach each other.
package mem

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"meshcounter/pkg/transport"
)

var (
	ErrAddrInUse  = errors.New("mem: listener already exists")
	ErrNoListener = errors.New("mem: no such listener")
)

type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	dials     atomic.Uint64
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, ErrAddrInUse
	}
	l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	now := time.Now()
	srv := newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindMem, pipeAddr(name+"#"+strconv.FormatUint(t.dials.Add(1), 10))), Addr: name}, c1, now)
	cli := newSession(transport.PeerInfo{ID: peer.ID, Addr: name}, c2, now)
	cli.outbound = true
	select {
	case l.newCh <- srv:
	case <-l.closeCh:
		_ = srv.Close()
		_ = cli.Close()
		return nil, ErrNoListener
	case <-ctx.Done():
		_ = srv.Close()
		_ = cli.Close()
		return nil, ctx.Err()
	}
	return cli, nil
}

type listener struct {
	name    string
	newCh   chan *session
	closeCh chan struct{}
	once    sync.Once
	onClose func()
}

func (l *listener) Addr() net.Addr { return pipeAddr(l.name) }

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
	l.once.Do(func() {
		close(l.closeCh)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

type pipeAddr string

func (a pipeAddr) Network() string { return "mem" }
func (a pipeAddr) String() string  { return string(a) }

// sendBuffer frames may be queued per session before SendBytes blocks.
// net.Pipe has no buffering of its own, so two peers answering each other
// from their read loops would otherwise deadlock.
const sendBuffer = 1024

type session struct {
	c    net.Conn
	br   *bufio.Reader
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	peer          transport.PeerInfo
	establishedAt time.Time
	lastSeen      time.Time
	outbound      bool
}

func newSession(peer transport.PeerInfo, c net.Conn, at time.Time) *session {
	s := &session{
		c:             c,
		br:            bufio.NewReader(c),
		out:           make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		peer:          peer,
		establishedAt: at,
	}
	go s.writeLoop()
	return s
}

func (s *session) writeLoop() {
	bw := bufio.NewWriter(s.c)
	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			if err := transport.WriteFrame(bw, b); err != nil {
				_ = s.Close()
				return
			}
		}
	}
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

func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) RemoteAddr() net.Addr          { return pipeAddr(s.Peer().Addr) }

func (s *session) SendBytes(b []byte) error {
	if len(b) > transport.MaxFrame {
		return transport.ErrFrameTooLarge
	}
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case <-s.done:
		return transport.ErrClosed
	case s.out <- b:
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

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.c.Close()
	})
	return err
}
