// Package node wires the mesh components to a byte transport: inbound
// frames are decoded, reassembled, deduplicated and relayed; outbound
// messages are chunked and handed to the delivery queue.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcounter/pkg/config"
	"meshcounter/pkg/core/priocq"
	"meshcounter/pkg/dedup"
	"meshcounter/pkg/discovery"
	"meshcounter/pkg/events"
	"meshcounter/pkg/health"
	"meshcounter/pkg/memkv"
	"meshcounter/pkg/observability"
	"meshcounter/pkg/peers"
	"meshcounter/pkg/pipeline"
	"meshcounter/pkg/processor"
	"meshcounter/pkg/protocol"
	"meshcounter/pkg/protocol/codec"
	"meshcounter/pkg/sched"
	"meshcounter/pkg/topology"
)

var (
	ErrStopped = errors.New("node: stopped")
	ErrNoPeers = errors.New("node: no direct peers")
)

type Options struct {
	Events  events.Emitter
	Metrics *observability.Metrics
	Now     func() time.Time
	// Disconnect asks the transport to close the channel to peer after a
	// keepalive timeout. Optional.
	Disconnect func(peer string)
}

type Node struct {
	id    string
	cfg   *config.Config
	codec codec.Codec
	send  pipeline.Sender
	opts  Options

	kv     *memkv.Store
	topo   *topology.Manager
	disc   *discovery.Manager
	dedup  *dedup.Deduplicator
	proc   *processor.Processor
	queue  *priocq.Queue
	pipe   *pipeline.Pipeline
	health *health.Monitor
	sched  *sched.Scheduler

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a node for cfg.Node.DeviceID (a random id when empty) that
// sends through send.
func New(cfg *config.Config, send pipeline.Sender, opts Options) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := cfg.Node.DeviceID
	if id == "" {
		id = uuid.NewString()
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("node: codecs: %w", err)
	}
	wire, err := reg.ByName(cfg.Node.WireFormat)
	if err != nil {
		return nil, fmt.Errorf("node: wire format: %w", err)
	}
	store, err := codec.CBOR()
	if err != nil {
		return nil, fmt.Errorf("node: record codec: %w", err)
	}

	n := &Node{
		id:       id,
		cfg:      cfg,
		codec:    wire,
		send:     send,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		stopped:  make(chan struct{}),
	}
	n.kv = memkv.New(memkv.Options{Now: opts.Now})
	n.topo = topology.New(id, topology.Options{
		MaxHops:            cfg.Topology.MaxHops,
		MinDegree:          cfg.Topology.MinDegree,
		MaxDegree:          cfg.Topology.MaxDegree,
		ReorganizeCooldown: cfg.Topology.ReorganizeCooldown(),
		Now:                opts.Now,
		Events:             opts.Events,
		Metrics:            opts.Metrics,
	})
	w := cfg.Discovery.Weights
	n.disc = discovery.New(id, peers.NewStore(n.kv, store, cfg.Discovery.PeerTimeout()), n.topo, discovery.Options{
		PeerTimeout:    cfg.Discovery.PeerTimeout(),
		MaxPeers:       cfg.Discovery.MaxPeers,
		ScoreThreshold: cfg.Discovery.ScoreThreshold,
		Weights:        discovery.Weights{Strength: w.Strength, Degree: w.Degree, Diversity: w.Diversity, Stability: w.Stability},
		Now:            opts.Now,
		Events:         opts.Events,
	})
	n.dedup = dedup.New(cfg.Dedup.Capacity, cfg.Dedup.TTL())
	n.proc = processor.New(id, processor.Options{
		MaxChunkSize:         cfg.Processor.MaxChunkSize,
		CompressionThreshold: cfg.Processor.CompressionThreshold,
		AssemblyTimeout:      cfg.Processor.AssemblyTimeout(),
		MaxAssemblers:        cfg.Processor.MaxAssemblers,
		Now:                  opts.Now,
	})
	n.queue = priocq.New(priocq.Options{
		RetryInterval: cfg.Delivery.RetryInterval(),
		MaxRetries:    cfg.Delivery.MaxRetries,
		Now:           opts.Now,
		OnStatus:      n.onStatus,
	})
	n.pipe = pipeline.New(n.queue, send, pipeline.Options{
		BytesPerSec: cfg.Delivery.EgressBytesPerSec,
		Burst:       2 * cfg.Delivery.EgressBytesPerSec,
		Batch:       cfg.Delivery.DispatchBatch,
		Metrics:     opts.Metrics,
	})
	n.health = health.New(health.Options{
		MinInterval:      cfg.Health.MinInterval(),
		MaxInterval:      cfg.Health.MaxInterval(),
		PeerTimeout:      cfg.Health.PeerTimeout(),
		RTTWindow:        cfg.Health.RTTWindow,
		LatencyThreshold: cfg.Health.LatencyThreshold(),
		LossThreshold:    cfg.Health.LossThreshold,
		Now:              opts.Now,
		Metrics:          opts.Metrics,
		SendPing:         func(peer string, p protocol.Ping) { n.sendDirect(peer, p) },
		OnTimeout:        n.onTimeout,
	})
	n.sched = sched.New(
		sched.Task{Name: "announce", Every: cfg.Discovery.AnnounceInterval(), Fn: func(context.Context) { n.Announce() }},
		sched.Task{Name: "cleanup", Every: cfg.Processor.CleanupInterval(), Fn: func(context.Context) { n.Cleanup() }},
		sched.Task{Name: "keepalive", Every: cfg.Health.TickInterval(), Fn: func(context.Context) { n.health.Tick() }},
		sched.Task{Name: "retry", Every: cfg.Delivery.RetryInterval(), Fn: func(context.Context) { n.RetryTick() }},
		sched.Task{Name: "dispatch", Every: cfg.Delivery.DispatchInterval(), Fn: func(ctx context.Context) { n.pipe.Dispatch(ctx) }},
	)
	return n, nil
}

func (n *Node) ID() string { return n.id }

// Codec is the wire format shared with peers.
func (n *Node) Codec() codec.Codec { return n.codec }

// Start runs the periodic tasks until ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	select {
	case <-n.stopped:
		return ErrStopped
	default:
	}
	if err := n.sched.Start(ctx); err != nil {
		return err
	}
	zap.L().Info("mesh node started", zap.String("device_id", n.id))
	return nil
}

// Stop halts the periodic tasks and releases the peer store. It is safe to
// call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopped)
		n.sched.Stop()
		n.kv.Close()
		zap.L().Info("mesh node stopped", zap.String("device_id", n.id))
	})
}

// Announce broadcasts the local announcement to every direct peer.
func (n *Node) Announce() {
	a := n.disc.AnnouncePresence()
	for _, p := range n.topo.DirectPeers() {
		n.sendDirect(p, a)
	}
}

// Cleanup discards stale assemblies and peer records and reports mesh
// health.
func (n *Node) Cleanup() {
	if dropped := n.proc.Cleanup(); dropped > 0 {
		n.opts.Metrics.AssembliesDiscarded(dropped)
	}
	n.disc.Tick()
	h := n.topo.MeshHealth()
	n.opts.Events.Emit(events.Event{Name: events.MeshHealth, PeerID: n.id, Payload: events.HealthPayload{
		TotalPeers:         h.TotalPeers,
		DirectPeers:        h.DirectPeers,
		AverageConnections: h.AverageConnections,
		MeshStability:      h.MeshStability,
	}})
}

func (n *Node) RetryTick() {
	n.queue.RetryTick()
	n.opts.Metrics.SetPending(n.queue.Pending())
}

// Dispatch moves one batch from the delivery queue to the transport.
func (n *Node) Dispatch(ctx context.Context) int { return n.pipe.Dispatch(ctx) }

func (n *Node) onStatus(s priocq.Status) {
	switch s.State {
	case priocq.StateSuccess:
		n.opts.Metrics.Acked()
	case priocq.StateFailed:
		n.opts.Metrics.Abandoned()
	case priocq.StatePending:
		if s.Attempts > 1 {
			n.opts.Metrics.Retry()
		}
	}
	n.opts.Events.Emit(events.Event{Name: events.MessageStatus, PeerID: n.id, Payload: events.StatusPayload{
		MessageID: s.MessageID,
		Status:    s.State,
		Attempts:  s.Attempts,
		Error:     s.Error,
	}})
}

// PeerConnected registers a freshly opened channel to peer.
func (n *Node) PeerConnected(peer string, initiator bool) {
	if peer == "" || peer == n.id {
		return
	}
	n.topo.Connect(peer)
	n.health.Track(peer)
	n.disc.Seen(peer)
	n.opts.Events.Emit(events.Event{Name: events.PeerConnected, PeerID: peer, Payload: events.PeerPayload{DeviceID: peer, IsInitiator: initiator}})
	zap.L().Info("peer connected", zap.String("peer", peer), zap.Bool("initiator", initiator))
	n.sendDirect(peer, n.disc.AnnouncePresence())
}

// PeerDisconnected tears down everything kept for peer.
func (n *Node) PeerDisconnected(peer string) {
	n.teardown(peer)
	zap.L().Info("peer disconnected", zap.String("peer", peer))
}

func (n *Node) onTimeout(peer string) {
	n.teardown(peer)
	n.opts.Events.Emit(events.Event{Name: events.PeerTimeout, PeerID: peer, Payload: events.TimeoutPayload{DeviceID: peer, Reason: "timeout"}})
	if n.opts.Disconnect != nil {
		n.opts.Disconnect(peer)
	}
}

func (n *Node) teardown(peer string) {
	n.health.Untrack(peer)
	n.queue.DropPeer(peer)
	n.pipe.Forget(peer)
	n.proc.DropSource(peer)
	n.limMu.Lock()
	delete(n.limiters, peer)
	n.limMu.Unlock()
	n.topo.HandlePeerDisconnection(peer)
}

// OnPeerObserved handles a proximity sighting of peer.
func (n *Node) OnPeerObserved(peer string) bool { return n.disc.ObservePeer(peer) }

// HandleConnectionRequest answers a remote connection request.
func (n *Node) HandleConnectionRequest(source string) bool {
	return n.topo.HandleConnectionRequest(source)
}

func (n *Node) Topology() *topology.Manager { return n.topo }

func (n *Node) MeshHealth() topology.Health { return n.topo.MeshHealth() }

func (n *Node) DiscoverySnapshot() discovery.Snapshot { return n.disc.Snapshot() }

// NetworkStats averages keepalive latency and loss across direct peers.
func (n *Node) NetworkStats() health.NetworkStats { return n.health.Stats() }

// PendingDeliveries is the number of chunks awaiting acknowledgement.
func (n *Node) PendingDeliveries() int { return n.queue.Pending() }
