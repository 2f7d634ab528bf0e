package netstack

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/transport"
)

// dialLoop keeps one outbound session to address alive, redialing with
// exponential backoff. While another session to the same device is
// canonical it only waits.
func (st *Stack) dialLoop(ctx context.Context, tr transport.Transport, address, peerID string) {
	known := peerID
	if peerID == "" {
		peerID = "temp:" + tr.Kind().String() + ":" + address
	}
	backoff := st.opts.BackoffInitial
	grow := func() {
		backoff = min(backoff*2, st.opts.BackoffMax)
	}

	for {
		if known != "" && st.mgr.GetSession(known) != nil {
			if !st.sleep(ctx, st.opts.BackoffMax) {
				return
			}
			continue
		}
		sess, err := tr.Dial(ctx, address, transport.PeerInfo{ID: peerID, Addr: address})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("dial failed", zap.String("kind", tr.Kind().String()), zap.String("addr", address), zap.Error(err), zap.Duration("retry_in", backoff))
			if !st.sleep(ctx, backoff) {
				return
			}
			grow()
			continue
		}
		zap.L().Info("dialed", zap.String("kind", tr.Kind().String()), zap.String("addr", address))

		stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
		started := timeNow()
		if id := st.serve(ctx, sess, true); id != "" {
			known = id
		}
		stop()
		// A session that lived through a full backoff cycle resets it.
		if timeNow().Sub(started) > st.opts.BackoffMax {
			backoff = st.opts.BackoffInitial
		}
		if !st.sleep(ctx, backoff) {
			return
		}
		grow()
	}
}

// sleep waits d plus jitter and reports false if ctx ended first.
func (st *Stack) sleep(ctx context.Context, d time.Duration) bool {
	if j := st.opts.BackoffJitter; j > 0 {
		d += rand.N(j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
