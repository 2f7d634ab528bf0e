package netstack

import (
	"context"

	"go.uber.org/zap"

	"meshcounter/pkg/transport"
)

// serve binds s to the device id named by its hello and pumps frames into
// the handler until the session ends. It returns the bound id, or "" when
// the session never got bound.
func (st *Stack) serve(ctx context.Context, s transport.Session, initiator bool) string {
	tmp := s.Peer().ID
	accepted, displaced := st.mgr.AddSession(ctx, s)
	if !accepted {
		return ""
	}
	if err := sendHello(s, st.h.Codec(), st.h.ID()); err != nil {
		zap.L().Debug("send hello failed", zap.String("peer", tmp), zap.Error(err))
		st.mgr.Remove(s)
		_ = s.Close()
		return ""
	}
	id, err := readHello(ctx, s, st.h.Codec(), st.h.ID(), st.opts.HelloTimeout)
	if err != nil {
		zap.L().Warn("hello failed", zap.String("peer", tmp), zap.String("kind", s.TransportKind().String()), zap.Error(err))
		st.mgr.Remove(s)
		_ = s.Close()
		return ""
	}

	fresh := displaced == nil
	if id != tmp {
		bound, old := st.mgr.RebindPeer(ctx, tmp, id)
		if !bound {
			zap.L().Debug("duplicate session dropped", zap.String("peer", id))
			return id
		}
		fresh = old == nil
	}
	if fresh {
		st.h.PeerConnected(id, initiator)
	}
	zap.L().Info("session bound", zap.String("peer", id), zap.String("kind", s.TransportKind().String()), zap.Bool("initiator", initiator))

	for {
		b, err := s.RecvBytes()
		if err != nil {
			break
		}
		st.h.HandleBytes(id, b)
	}
	if st.mgr.Remove(s) {
		st.h.PeerDisconnected(id)
	}
	_ = s.Close()
	return id
}
