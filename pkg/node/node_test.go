package node

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcounter/pkg/config"
	"meshcounter/pkg/core/priocq"
	"meshcounter/pkg/events"
	"meshcounter/pkg/pipeline"
	"meshcounter/pkg/protocol"
	"meshcounter/pkg/topology"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errLinkDown = errors.New("link down")

// fakeNet delivers frames synchronously between nodes.
type fakeNet struct {
	t       *testing.T
	clock   *clock
	mu      sync.Mutex
	nodes   map[string]*Node
	recs    map[string]*events.Recorder
	down    map[[2]string]bool
	dropped []string
}

func newNet(t *testing.T) *fakeNet {
	return &fakeNet{
		t:     t,
		clock: &clock{t: time.UnixMilli(1_700_000_000_000)},
		nodes: map[string]*Node{},
		recs:  map[string]*events.Recorder{},
		down:  map[[2]string]bool{},
	}
}

func testConfig(id string) *config.Config {
	cfg := config.Default()
	cfg.Node.DeviceID = id
	cfg.Delivery.DispatchBatch = 100
	cfg.Delivery.EgressBytesPerSec = 0
	return cfg
}

func (f *fakeNet) add(id string, tweak func(*config.Config)) *Node {
	cfg := testConfig(id)
	if tweak != nil {
		tweak(cfg)
	}
	rec := &events.Recorder{}
	send := pipeline.SenderFunc(func(_ context.Context, peer string, b []byte) error {
		f.mu.Lock()
		down := f.down[[2]string{id, peer}]
		dst := f.nodes[peer]
		f.mu.Unlock()
		if down || dst == nil {
			return errLinkDown
		}
		dst.HandleBytes(id, b)
		return nil
	})
	n, err := New(cfg, send, Options{
		Events: rec,
		Now:    f.clock.Now,
		Disconnect: func(peer string) {
			f.mu.Lock()
			f.dropped = append(f.dropped, id+"->"+peer)
			f.mu.Unlock()
		},
	})
	require.NoError(f.t, err)
	f.t.Cleanup(n.Stop)
	f.mu.Lock()
	f.nodes[id] = n
	f.recs[id] = rec
	f.mu.Unlock()
	return n
}

func (f *fakeNet) link(a, b string) {
	f.nodes[a].PeerConnected(b, true)
	f.nodes[b].PeerConnected(a, false)
}

func (f *fakeNet) setDown(from, to string, down bool) {
	f.mu.Lock()
	f.down[[2]string{from, to}] = down
	f.mu.Unlock()
}

func (f *fakeNet) dispatchAll() {
	for {
		moved := 0
		for _, n := range f.nodes {
			moved += n.Dispatch(context.Background())
		}
		if moved == 0 {
			return
		}
	}
}

func (f *fakeNet) messages(id string) []events.MessagePayload {
	var out []events.MessagePayload
	for _, e := range f.recs[id].Named(events.MeshMessage) {
		out = append(out, e.Payload.(events.MessagePayload))
	}
	return out
}

func TestBroadcastDeliversAndAcks(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	id, err := a.Broadcast([]byte(`{"count":1}`), "attendance", priocq.High, "")
	require.NoError(t, err)
	require.Equal(t, 1, a.PendingDeliveries())
	f.dispatchAll()

	got := f.messages("B")
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].From)
	assert.Equal(t, "A", got[0].DeviceID)
	assert.Equal(t, id, got[0].MessageID)
	assert.Equal(t, "attendance", got[0].Type)
	assert.Equal(t, 1, got[0].HopCount)
	assert.Equal(t, `{"count":1}`, string(got[0].Data))

	assert.Zero(t, a.PendingDeliveries())
	statuses := f.recs["A"].Named(events.MessageStatus)
	require.NotEmpty(t, statuses)
	assert.Equal(t, priocq.StateSuccess, statuses[len(statuses)-1].Payload.(events.StatusPayload).Status)
	assert.Empty(t, f.messages("A"))
}

func TestPeerConnectedEvents(t *testing.T) {
	f := newNet(t)
	f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	evs := f.recs["B"].Named(events.PeerConnected)
	require.Len(t, evs, 1)
	assert.Equal(t, events.PeerPayload{DeviceID: "A", IsInitiator: false}, evs[0].Payload)
	assert.Equal(t, []string{"B"}, f.nodes["A"].Topology().DirectPeers())
	assert.NotEmpty(t, f.recs["A"].Named(events.TopologyChange))
}

func TestTriangleSuppressesDuplicates(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.add("C", nil)
	f.link("A", "B")
	f.link("B", "C")
	f.link("A", "C")

	_, err := a.Broadcast([]byte("tick"), "", priocq.Medium, "")
	require.NoError(t, err)
	f.dispatchAll()

	assert.Len(t, f.messages("B"), 1)
	assert.Len(t, f.messages("C"), 1)
	assert.Empty(t, f.messages("A"))
	assert.Equal(t, protocol.TypeMesh, f.messages("B")[0].Type)
}

func TestRelayStopsAtHopHorizon(t *testing.T) {
	f := newNet(t)
	tweak := func(c *config.Config) { c.Topology.MaxHops = 2 }
	a := f.add("A", tweak)
	f.add("B", tweak)
	f.add("C", tweak)
	f.add("D", tweak)
	f.link("A", "B")
	f.link("B", "C")
	f.link("C", "D")

	_, err := a.Broadcast([]byte("x"), "", priocq.Low, "")
	require.NoError(t, err)
	f.dispatchAll()

	require.Len(t, f.messages("B"), 1)
	require.Len(t, f.messages("C"), 1)
	assert.Equal(t, 2, f.messages("C")[0].HopCount)
	assert.Equal(t, "A", f.messages("C")[0].From)
	assert.Equal(t, "B", f.messages("C")[0].DeviceID)
	assert.Empty(t, f.messages("D"))
}

func TestTargetedMessage(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.add("C", nil)
	f.link("A", "B")
	f.link("A", "C")

	_, err := a.Broadcast([]byte("only c"), "", priocq.Medium, "C")
	require.NoError(t, err)
	f.dispatchAll()

	assert.Empty(t, f.messages("B"))
	require.Len(t, f.messages("C"), 1)
}

func TestLargePayloadIsChunked(t *testing.T) {
	f := newNet(t)
	tweak := func(c *config.Config) {
		c.Processor.MaxChunkSize = 256
		c.Processor.CompressionThreshold = 100_000
	}
	a := f.add("A", tweak)
	f.add("B", tweak)
	f.link("A", "B")

	data := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(data)
	_, err := a.Broadcast(data, "", priocq.Medium, "")
	require.NoError(t, err)
	assert.Greater(t, a.PendingDeliveries(), 1)
	f.dispatchAll()

	got := f.messages("B")
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(data, got[0].Data))
	assert.Zero(t, a.PendingDeliveries())
}

func TestDisconnectDropsPartialAssemblies(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	frame, err := protocol.Encode(a.Codec(), protocol.Chunk{MessageID: "m1", ChunkIndex: 0, TotalChunks: 2, Data: []byte("half"), SourceID: "B"})
	require.NoError(t, err)
	a.HandleBytes("B", frame)
	require.Equal(t, 1, a.proc.Pending())

	a.PeerDisconnected("B")
	assert.Zero(t, a.proc.Pending())
}

func TestRetryAfterSendFailure(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")
	f.setDown("A", "B", true)

	_, err := a.Broadcast([]byte("late"), "", priocq.Medium, "")
	require.NoError(t, err)
	f.dispatchAll()
	assert.Empty(t, f.messages("B"))
	assert.Equal(t, 1, a.PendingDeliveries())

	f.setDown("A", "B", false)
	f.clock.Advance(1500 * time.Millisecond)
	a.RetryTick()
	f.dispatchAll()

	assert.Len(t, f.messages("B"), 1)
	assert.Zero(t, a.PendingDeliveries())
}

func TestKeepaliveTimeoutTearsDown(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	a.health.Tick()
	assert.Equal(t, 1, a.NetworkStats().PeerCount)
	_, ok := a.health.Peer("B")
	require.True(t, ok)

	f.setDown("B", "A", true)
	f.clock.Advance(46 * time.Second)
	a.health.Tick()

	evs := f.recs["A"].Named(events.PeerTimeout)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TimeoutPayload{DeviceID: "B", Reason: "timeout"}, evs[0].Payload)
	assert.False(t, a.Topology().Contains("B"))
	assert.Zero(t, a.NetworkStats().PeerCount)
	assert.Equal(t, []string{"A->B"}, f.dropped)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	a.health.Tick()
	f.clock.Advance(time.Second)
	s, ok := a.health.Peer("B")
	require.True(t, ok)
	assert.Equal(t, 1, s.Samples)
	assert.Zero(t, s.PacketLoss)
}

func TestAnnouncementsBuildTopology(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	b := f.add("B", nil)
	f.add("C", nil)
	f.link("A", "B")
	f.link("B", "C")

	assert.Equal(t, topology.Unreachable, a.Topology().HopCount("C"))
	b.Announce()
	assert.Equal(t, 2, a.Topology().HopCount("C"))
	assert.Equal(t, []string{"A", "B", "C"}, a.Topology().OptimalRoute("C"))
	assert.NotEmpty(t, f.recs["B"].Named(events.MeshDiscovery))

	snap := a.DiscoverySnapshot()
	assert.Equal(t, "A", snap.LocalDeviceID)
	assert.NotEmpty(t, snap.DiscoveredPeers)
}

func TestCleanupEmitsMeshHealth(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	f.add("B", nil)
	f.link("A", "B")

	a.Cleanup()
	evs := f.recs["A"].Named(events.MeshHealth)
	require.Len(t, evs, 1)
	h := evs[0].Payload.(events.HealthPayload)
	assert.Equal(t, 1, h.DirectPeers)
	assert.Equal(t, 2, h.TotalPeers)
}

func TestMalformedAndRateLimitedFramesDropped(t *testing.T) {
	f := newNet(t)
	b := f.add("B", func(c *config.Config) {
		c.Inbound.RatePerSec = 0.001
		c.Inbound.Burst = 1
	})

	b.HandleBytes("A", []byte("{not json"))
	frame := []byte(`{"type":"attendance","_messageId":"m1","_sourceId":"A","data":"aGk="}`)
	b.HandleBytes("A", frame)
	assert.Empty(t, f.messages("B"), "malformed frame used the only token")

	b2 := f.add("C", nil)
	b2.HandleBytes("A", frame)
	b2.HandleBytes("A", frame)
	got := f.messages("C")
	require.Len(t, got, 1)
	assert.Equal(t, "hi", string(got[0].Data))
}

func TestBroadcastErrors(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)

	_, err := a.Broadcast([]byte("x"), protocol.TypePing, priocq.Medium, "")
	assert.ErrorIs(t, err, protocol.ErrReservedType)

	id, err := a.Broadcast([]byte("x"), "", priocq.Medium, "")
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.NotEmpty(t, id)
}

func TestStartStop(t *testing.T) {
	f := newNet(t)
	a := f.add("A", nil)
	require.NoError(t, a.Start(context.Background()))
	a.Stop()
	a.Stop()
	assert.ErrorIs(t, a.Start(context.Background()), ErrStopped)
}
