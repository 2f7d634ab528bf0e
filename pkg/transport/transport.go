package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNoSession is returned when sending to a peer without a session.
	ErrNoSession = errors.New("transport: no session for peer")
	// ErrClosed is returned by closed listeners.
	ErrClosed = errors.New("transport: closed")
)

// Kind identifies the link type for session election.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindTCP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a config name to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "quic":
		return KindQUIC
	case "tcp":
		return KindTCP
	case "mem":
		return KindMem
	default:
		return KindUnknown
	}
}

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   string
	Addr string // transport-dependent address string
}

// Quality is what the manager ranks equal-kind sessions by.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
	// Outbound is set on sessions this node dialed.
	Outbound bool
}

// Session is an ordered, framed channel to one peer. Exactly one reader
// goroutine is expected; SendBytes is safe for concurrent use.
type Session interface {
	Peer() PeerInfo
	TransportKind() Kind
	RemoteAddr() net.Addr

	// SendBytes writes one frame.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame.
	RecvBytes() ([]byte, error)

	Quality() Quality
	Close() error
}

// MutablePeer is implemented by sessions whose identity can be updated
// once the remote hello names it.
type MutablePeer interface {
	SetPeer(PeerInfo)
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
