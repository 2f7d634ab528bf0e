package netstack

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"meshcounter/pkg/transport"
)

func (st *Stack) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		zap.L().Debug("inbound session", zap.String("peer", s.Peer().ID), zap.String("kind", s.TransportKind().String()))
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			st.serve(ctx, s, false)
		}()
	}
}
