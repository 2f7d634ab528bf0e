package node

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcounter/pkg/events"
	"meshcounter/pkg/protocol"
)

func (n *Node) limiter(peer string) *rate.Limiter {
	n.limMu.Lock()
	defer n.limMu.Unlock()
	l := n.limiters[peer]
	if l == nil {
		r := rate.Limit(n.cfg.Inbound.RatePerSec)
		if n.cfg.Inbound.RatePerSec <= 0 {
			r = rate.Inf
		}
		l = rate.NewLimiter(r, max(n.cfg.Inbound.Burst, 1))
		n.limiters[peer] = l
	}
	return l
}

// HandleBytes is the transport's inbound callback. Malformed frames are
// logged and dropped.
func (n *Node) HandleBytes(peer string, b []byte) {
	if !n.limiter(peer).Allow() {
		n.opts.Metrics.FrameDropped("rate_limited")
		zap.L().Debug("inbound frame rate limited", zap.String("peer", peer))
		return
	}
	rec, err := protocol.Decode(n.codec, b)
	if err != nil {
		n.opts.Metrics.FrameDropped("malformed")
		zap.L().Debug("inbound frame dropped", zap.String("peer", peer), zap.Int("bytes", len(b)), zap.Error(err))
		return
	}
	n.opts.Metrics.FrameReceived(rec.Kind().String())

	switch r := rec.(type) {
	case protocol.Ping:
		n.sendDirect(peer, n.health.OnPing(peer, r))
	case protocol.Pong:
		if _, ok := n.health.OnPong(peer, r); ok {
			n.disc.Seen(peer)
		}
	case protocol.Announcement:
		n.disc.HandleAnnouncement(peer, r)
		n.topo.UpdatePeer(r.DeviceID, r.ConnectedPeers)
	case protocol.Chunk:
		n.handleChunk(peer, r)
	case protocol.Ack:
		n.queue.Acknowledge(r.MessageID, peer)
	case protocol.MeshMessage:
		n.handleMesh(peer, r)
	}
}

func (n *Node) handleChunk(peer string, c protocol.Chunk) {
	n.sendDirect(peer, protocol.Ack{MessageID: c.DeliveryID(), Timestamp: n.opts.Now().UnixMilli()})

	// chunks are cut per hop, so the session peer owns the assembly
	c.SourceID = peer
	payload, done, err := n.proc.ProcessIncoming(c)
	if err != nil {
		n.opts.Metrics.FrameDropped("chunk")
		zap.L().Debug("chunk rejected", zap.String("peer", peer), zap.String("message", c.MessageID), zap.Error(err))
		return
	}
	if !done {
		return
	}
	n.opts.Metrics.Reassembled()

	rec, err := protocol.Decode(n.codec, payload)
	if err != nil {
		n.opts.Metrics.FrameDropped("malformed")
		zap.L().Debug("reassembled payload dropped", zap.String("peer", peer), zap.Error(err))
		return
	}
	m, ok := rec.(protocol.MeshMessage)
	if !ok {
		n.opts.Metrics.FrameDropped("unexpected")
		zap.L().Debug("reassembled payload is not a mesh message", zap.String("peer", peer), zap.Stringer("kind", rec.Kind()))
		return
	}
	n.handleMesh(peer, m)
}

// handleMesh delivers a mesh message locally and relays it onwards while
// it is within the hop horizon.
func (n *Node) handleMesh(from string, m protocol.MeshMessage) {
	if m.SourceID == "" {
		m.SourceID = from
	}
	if m.SourceID == n.id {
		return
	}
	if !n.dedup.IsNewMessage(m.DedupKey(), m.SourceID) {
		n.opts.Metrics.Duplicate()
		return
	}
	m.HopCount++

	if m.TargetID == "" || m.TargetID == n.id {
		n.opts.Events.Emit(events.Event{Name: events.MeshMessage, PeerID: from, Payload: events.MessagePayload{
			DeviceID:  from,
			From:      m.SourceID,
			Type:      m.Type,
			MessageID: m.MessageID,
			HopCount:  m.HopCount,
			Data:      m.Data,
		}})
	}
	if m.TargetID == n.id || m.HopCount >= n.topo.MaxHops() {
		return
	}
	targets := n.relayTargets(from, m)
	if len(targets) == 0 {
		return
	}
	if err := n.enqueue(m, targets); err != nil && !errors.Is(err, ErrNoPeers) {
		zap.L().Warn("relay failed", zap.String("message", m.MessageID), zap.Error(err))
	}
}

// relayTargets picks the direct peers a relayed message goes to. A
// targeted message goes straight to its target when directly connected;
// otherwise it is only relayed when this node lies on the known shortest
// path, or flooded when the view lacks either end.
func (n *Node) relayTargets(from string, m protocol.MeshMessage) []string {
	if m.TargetID != "" {
		if n.topo.IsDirect(m.TargetID) {
			return []string{m.TargetID}
		}
		if n.topo.Contains(m.SourceID) && n.topo.Contains(m.TargetID) && !n.topo.ShouldRelayMessage(m.SourceID, m.TargetID) {
			return nil
		}
	}
	var out []string
	for _, p := range n.topo.DirectPeers() {
		if p != from && p != m.SourceID {
			out = append(out, p)
		}
	}
	return out
}
