// Package netstack connects a mesh node to its transports: it listens and
// dials per configuration, binds each session to the remote device id and
// pumps frames into the node.
package netstack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/config"
	"meshcounter/pkg/protocol/codec"
	"meshcounter/pkg/transport"
	"meshcounter/pkg/transport/mem"
	tquic "meshcounter/pkg/transport/quic"
	"meshcounter/pkg/transport/tcp"
)

// Handler is the mesh side of every session.
type Handler interface {
	ID() string
	Codec() codec.Codec
	HandleBytes(peer string, b []byte)
	PeerConnected(peer string, initiator bool)
	PeerDisconnected(peer string)
}

type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
	HelloTimeout   time.Duration
	// NewTransport overrides NewByKind.
	NewTransport func(kind string) (transport.Transport, error)
}

// OptionsFromConfig maps the net section to Options.
func OptionsFromConfig(c config.NetConfig) Options {
	return Options{BackoffInitial: c.BackoffInitial(), BackoffMax: c.BackoffMax(), BackoffJitter: c.BackoffJitter()}
}

// Stack owns the listeners and dial loops of one node.
type Stack struct {
	mgr  *transport.Manager
	h    Handler
	opts Options

	activeDials     atomic.Int64
	activeListeners atomic.Int64

	mu      sync.Mutex
	closers []func()
	wg      sync.WaitGroup
}

func New(mgr *transport.Manager, h Handler, opts Options) *Stack {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 10 * time.Second
	}
	if opts.NewTransport == nil {
		opts.NewTransport = NewByKind
	}
	return &Stack{mgr: mgr, h: h, opts: opts}
}

func (st *Stack) ActiveDials() int64     { return st.activeDials.Load() }
func (st *Stack) ActiveListeners() int64 { return st.activeListeners.Load() }

// Start builds transports per cfg, starts listeners and launches dial
// loops. Transports that fail to build or listen are logged and skipped.
// Background goroutines stop when ctx is canceled; Close also stops the
// listeners and waits for them.
func (st *Stack) Start(ctx context.Context, cfg []config.TransportConfig) {
	for _, tc := range cfg {
		tr, err := st.opts.NewTransport(tc.Kind)
		if err != nil {
			zap.L().Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
			continue
		}
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				zap.L().Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
				continue
			}
			zap.L().Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
			st.addCloser(func() { _ = l.Close() })
			st.activeListeners.Add(1)
			st.wg.Add(1)
			go func() {
				defer st.wg.Done()
				defer st.activeListeners.Add(-1)
				st.acceptLoop(ctx, l)
			}()
		}
		for _, d := range tc.Dial {
			st.activeDials.Add(1)
			st.wg.Add(1)
			go func() {
				defer st.wg.Done()
				defer st.activeDials.Add(-1)
				st.dialLoop(ctx, tr, d.Address, d.PeerID)
			}()
		}
	}
}

func (st *Stack) addCloser(f func()) {
	st.mu.Lock()
	st.closers = append(st.closers, f)
	st.mu.Unlock()
}

// Close stops the listeners and closes every session. Dial loops exit
// once the Start context is canceled.
func (st *Stack) Close() {
	st.mu.Lock()
	closers := st.closers
	st.closers = nil
	st.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	st.mgr.CloseAll()
}

// Wait blocks until every accept and dial loop returned.
func (st *Stack) Wait() { st.wg.Wait() }

// sharedMem lets every stack in the process reach the others' mem
// listeners.
var sharedMem = mem.New()

// NewByKind constructs a Transport by string kind.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "quic":
		return tquic.New()
	case "tcp":
		return tcp.New(), nil
	case "mem", "inproc":
		return sharedMem, nil
	default:
		return nil, ErrUnknownKind(kind)
	}
}

// ErrUnknownKind reports a transport kind with no implementation.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
