// Package quic carries mesh frames over one bidirectional QUIC stream per
// connection. The dialer opens the stream; the listener surfaces the
// connection once the dialer's first frame makes the stream visible.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshcounter/pkg/transport"
)

const alpn = "meshcounter"

// streamAcceptTimeout bounds how long an inbound connection may stay
// silent before its stream shows up.
const streamAcceptTimeout = 10 * time.Second

type Transport struct {
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quicgo.Config
}

// New builds a transport with an ephemeral self-signed certificate. Peer
// identity is bound by the hello record, not by TLS.
func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("quic: certificate: %w", err)
	}
	return &Transport{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{
			KeepAlivePeriod: 5 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.serverTLS, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = ql.Close()
		case <-ql.closeCh:
		}
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	c, err := quicgo.DialAddr(ctx, address, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	s := newSession(peer, c, st)
	s.outbound = true
	return s, nil
}

type listener struct {
	l       *quicgo.Listener
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go l.awaitStream(ctx, c)
	}
}

func (l *listener) awaitStream(ctx context.Context, c *quicgo.Conn) {
	actx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	st, err := c.AcceptStream(actx)
	if err != nil {
		zap.L().Debug("quic: no stream from inbound connection", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		_ = c.CloseWithError(0, "")
		return
	}
	raddr := c.RemoteAddr()
	s := newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindQUIC, raddr), Addr: raddr.String()}, c, st)
	select {
	case l.newCh <- s:
	case <-l.closeCh:
		_ = s.Close()
	}
}

type session struct {
	c  *quicgo.Conn
	st *quicgo.Stream
	br *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	mu            sync.Mutex
	peer          transport.PeerInfo
	establishedAt time.Time
	lastSeen      time.Time
	outbound      bool
}

func newSession(peer transport.PeerInfo, c *quicgo.Conn, st *quicgo.Stream) *session {
	return &session{
		c:             c,
		st:            st,
		br:            bufio.NewReader(st),
		bw:            bufio.NewWriter(st),
		peer:          peer,
		establishedAt: time.Now(),
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

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
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

func (s *session) Close() error {
	_ = s.st.Close()
	return s.c.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
