// Package pipeline moves queued deliveries onto the transport, shaping
// egress per destination.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"meshcounter/pkg/core/priocq"
	"meshcounter/pkg/observability"
)

const DefaultBatch = 32

// Sender delivers bytes to a directly connected peer, best effort.
type Sender interface {
	SendBytes(ctx context.Context, peer string, b []byte) error
}

type SenderFunc func(ctx context.Context, peer string, b []byte) error

func (f SenderFunc) SendBytes(ctx context.Context, peer string, b []byte) error { return f(ctx, peer, b) }

type Options struct {
	// BytesPerSec shapes egress per destination; <= 0 disables shaping.
	BytesPerSec int64
	Burst       int64
	// Batch bounds the messages moved per Dispatch call.
	Batch   int
	Metrics *observability.Metrics
}

// Pipeline drains the delivery queue: each Dispatch pops the most urgent
// attempts and sends them to every still-unacknowledged target. Failed or
// shaped sends are left to the queue's retry cycle.
type Pipeline struct {
	q    *priocq.Queue
	send Sender
	opts Options

	mu     sync.Mutex
	shaper map[string]*priocq.TokenBucket
}

func New(q *priocq.Queue, send Sender, opts Options) *Pipeline {
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	return &Pipeline{q: q, send: send, opts: opts, shaper: make(map[string]*priocq.TokenBucket)}
}

func (p *Pipeline) bucket(dest string) *priocq.TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	tb := p.shaper[dest]
	if tb == nil {
		tb = priocq.NewTokenBucket(p.opts.BytesPerSec, p.opts.Burst)
		p.shaper[dest] = tb
	}
	return tb
}

// Dispatch moves up to one batch and returns the number of sends that
// reached the transport.
func (p *Pipeline) Dispatch(ctx context.Context) int {
	sent := 0
	for i := 0; i < p.opts.Batch; i++ {
		if ctx.Err() != nil {
			break
		}
		m, ok := p.q.DequeueNext()
		if !ok {
			break
		}
		for _, dest := range m.Targets {
			if p.opts.BytesPerSec > 0 {
				if ok, wait := p.bucket(dest).Allow(int64(len(m.Payload))); !ok {
					zap.L().Debug("egress shaped", zap.String("dest", dest), zap.String("message", m.ID), zap.Duration("wait", wait))
					continue
				}
			}
			if err := p.send.SendBytes(ctx, dest, m.Payload); err != nil {
				zap.L().Debug("send failed, awaiting retry", zap.String("dest", dest), zap.String("message", m.ID), zap.Error(err))
				continue
			}
			sent++
		}
	}
	if sent > 0 {
		p.opts.Metrics.ChunksSent(sent)
	}
	return sent
}

// Forget drops the shaper kept for dest.
func (p *Pipeline) Forget(dest string) {
	p.mu.Lock()
	delete(p.shaper, dest)
	p.mu.Unlock()
}
