package node

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshcounter/pkg/core/priocq"
	"meshcounter/pkg/protocol"
)

// Broadcast originates a mesh message. With an empty target it floods every
// direct peer; otherwise it goes to the target directly when possible and
// to every direct peer for relaying when not. It returns the message id.
func (n *Node) Broadcast(data []byte, msgType string, prio priocq.Priority, target string) (string, error) {
	if protocol.IsReserved(msgType) {
		return "", fmt.Errorf("%w: %q", protocol.ErrReservedType, msgType)
	}
	m := protocol.MeshMessage{
		Type:      msgType,
		MessageID: uuid.NewString(),
		Timestamp: n.opts.Now().UnixMilli(),
		SourceID:  n.id,
		TargetID:  target,
		Priority:  prio.String(),
		Data:      data,
	}
	n.dedup.IsNewMessage(m.DedupKey(), n.id)

	targets := n.topo.DirectPeers()
	if target != "" && n.topo.IsDirect(target) {
		targets = []string{target}
	}
	if len(targets) == 0 {
		return m.MessageID, ErrNoPeers
	}
	if err := n.enqueue(m, targets); err != nil {
		return m.MessageID, err
	}
	zap.L().Debug("mesh message queued", zap.String("message", m.MessageID), zap.Int("targets", len(targets)))
	return m.MessageID, nil
}

// enqueue chunks m and queues every chunk for targets under its delivery
// id, so hop-by-hop acks retire them individually.
func (n *Node) enqueue(m protocol.MeshMessage, targets []string) error {
	raw, err := protocol.Encode(n.codec, m)
	if err != nil {
		return fmt.Errorf("encode mesh message: %w", err)
	}
	chunks, err := n.proc.ProcessOutgoing(raw)
	if err != nil {
		return fmt.Errorf("chunk mesh message: %w", err)
	}
	prio, _ := priocq.ParsePriority(m.Priority)
	for _, c := range chunks {
		b, err := protocol.Encode(n.codec, c)
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", c.ChunkIndex, err)
		}
		if err := n.queue.EnqueueID(c.DeliveryID(), b, prio, targets); err != nil {
			return err
		}
	}
	n.opts.Metrics.SetPending(n.queue.Pending())
	return nil
}

// sendDirect sends a control record to one peer outside the delivery
// queue. Failures are left to keepalive and retry to surface.
func (n *Node) sendDirect(peer string, r protocol.Record) {
	b, err := protocol.Encode(n.codec, r)
	if err != nil {
		zap.L().Warn("encode control record", zap.Stringer("kind", r.Kind()), zap.Error(err))
		return
	}
	if err := n.send.SendBytes(context.Background(), peer, b); err != nil {
		zap.L().Debug("control send failed", zap.String("peer", peer), zap.Stringer("kind", r.Kind()), zap.Error(err))
	}
}
