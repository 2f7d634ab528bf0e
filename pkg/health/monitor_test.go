package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcounter/pkg/protocol"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	*Monitor
	c        *clock
	mu       sync.Mutex
	pings    map[string][]protocol.Ping
	timeouts []string
}

func newHarness(opts Options) *harness {
	h := &harness{c: &clock{t: time.UnixMilli(1_700_000_000_000)}, pings: map[string][]protocol.Ping{}}
	opts.Now = h.c.Now
	opts.SendPing = func(peer string, p protocol.Ping) {
		h.mu.Lock()
		h.pings[peer] = append(h.pings[peer], p)
		h.mu.Unlock()
	}
	opts.OnTimeout = func(peer string) {
		h.mu.Lock()
		h.timeouts = append(h.timeouts, peer)
		h.mu.Unlock()
	}
	h.Monitor = New(opts)
	return h
}

// pong answers as if our last ping to peer took rtt.
func (h *harness) pong(peer string, rtt time.Duration) {
	orig := h.c.Now().Add(-rtt).UnixMilli()
	_, ok := h.OnPong(peer, protocol.Pong{Type: protocol.TypePong, OriginalTimestamp: orig, Timestamp: h.c.Now().UnixMilli()})
	if !ok {
		panic("pong rejected for " + peer)
	}
}

func (h *harness) interval(t *testing.T, peer string) time.Duration {
	t.Helper()
	s, ok := h.Peer(peer)
	require.True(t, ok)
	return s.Interval
}

func TestTickSendsPingAndRecordsRTT(t *testing.T) {
	h := newHarness(Options{})
	h.Track("b")
	h.Tick()
	require.Len(t, h.pings["b"], 1)
	assert.Equal(t, protocol.TypePing, h.pings["b"][0].Type)
	assert.Equal(t, h.c.Now().UnixMilli(), h.pings["b"][0].Timestamp)

	h.c.Advance(120 * time.Millisecond)
	rtt, ok := h.OnPong("b", protocol.Pong{OriginalTimestamp: h.pings["b"][0].Timestamp})
	require.True(t, ok)
	assert.Equal(t, 120*time.Millisecond, rtt)

	s, _ := h.Peer("b")
	assert.Equal(t, 1, s.Samples)
	assert.Equal(t, 120*time.Millisecond, s.AverageRTT)
	assert.Zero(t, s.PacketLoss)

	// Not due yet.
	h.Tick()
	assert.Len(t, h.pings["b"], 1)
}

func TestRTTWindowSlides(t *testing.T) {
	h := newHarness(Options{RTTWindow: 10})
	h.Track("b")
	for i := 0; i < 12; i++ {
		h.pong("b", time.Duration(i+1)*10*time.Millisecond)
	}
	s, _ := h.Peer("b")
	assert.Equal(t, 10, s.Samples)
	// samples 30ms..120ms
	assert.Equal(t, 75*time.Millisecond, s.AverageRTT)
}

func TestIntervalDoublesOnLatencyAndCaps(t *testing.T) {
	h := newHarness(Options{MinInterval: 5 * time.Second, MaxInterval: 30 * time.Second})
	h.Track("b")
	h.Tick()
	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	for _, w := range want {
		h.pong("b", 800*time.Millisecond)
		h.c.Advance(h.interval(t, "b"))
		h.Tick()
		assert.Equal(t, w, h.interval(t, "b"))
	}
}

func TestIntervalDoublesOnLoss(t *testing.T) {
	h := newHarness(Options{MinInterval: 5 * time.Second})
	h.Track("b")
	h.Tick()
	h.c.Advance(5 * time.Second)
	h.Tick()

	s, _ := h.Peer("b")
	assert.Equal(t, 1.0, s.PacketLoss)
	assert.Equal(t, 10*time.Second, s.Interval)
	assert.Len(t, h.pings["b"], 2)
}

func TestIntervalHalvesWhenHealthy(t *testing.T) {
	h := newHarness(Options{MinInterval: time.Second, MaxInterval: 8 * time.Second, RTTWindow: 2})
	h.Track("b")
	h.Tick()
	h.pong("b", 800*time.Millisecond)

	h.c.Advance(time.Second)
	h.Tick()
	require.Equal(t, 2*time.Second, h.interval(t, "b"))
	h.pong("b", 100*time.Millisecond)

	h.c.Advance(2 * time.Second)
	h.Tick()
	require.Equal(t, 2*time.Second, h.interval(t, "b"), "between half and full threshold")
	h.pong("b", 100*time.Millisecond)

	h.c.Advance(2 * time.Second)
	h.Tick()
	assert.Equal(t, time.Second, h.interval(t, "b"))
}

func TestPingSuppressedWhenPeerPingedUs(t *testing.T) {
	h := newHarness(Options{MinInterval: 5 * time.Second})
	h.Track("b")
	h.Tick()
	h.pong("b", 50*time.Millisecond)

	h.c.Advance(4 * time.Second)
	pong := h.OnPing("b", protocol.Ping{Type: protocol.TypePing, Timestamp: 42})
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, int64(42), pong.OriginalTimestamp)
	assert.Equal(t, h.c.Now().UnixMilli(), pong.Timestamp)

	h.c.Advance(time.Second)
	h.Tick()
	assert.Len(t, h.pings["b"], 1)

	h.c.Advance(5 * time.Second)
	h.Tick()
	assert.Len(t, h.pings["b"], 2)
}

func TestTimeoutTearsDownPeer(t *testing.T) {
	h := newHarness(Options{PeerTimeout: 45 * time.Second})
	h.Track("b")
	h.Track("c")
	h.Tick()

	h.c.Advance(40 * time.Second)
	h.pong("c", 10*time.Millisecond)
	h.c.Advance(6 * time.Second)

	assert.Equal(t, []string{"b"}, h.Tick())
	assert.Equal(t, []string{"b"}, h.timeouts)
	assert.False(t, h.Tracked("b"))
	_, ok := h.Peer("b")
	assert.False(t, ok)
	assert.True(t, h.Tracked("c"))

	// A later pong from the torn-down peer leaves no residue.
	_, ok = h.OnPong("b", protocol.Pong{OriginalTimestamp: h.c.Now().UnixMilli()})
	assert.False(t, ok)
	assert.False(t, h.Tracked("b"))
}

func TestUntrackAndFuturePong(t *testing.T) {
	h := newHarness(Options{})
	h.Track("b")
	_, ok := h.OnPong("b", protocol.Pong{OriginalTimestamp: h.c.Now().Add(time.Minute).UnixMilli()})
	assert.False(t, ok)
	assert.True(t, h.Untrack("b"))
	assert.False(t, h.Untrack("b"))
}

func TestNetworkStats(t *testing.T) {
	h := newHarness(Options{})
	assert.Equal(t, NetworkStats{}, h.Stats())

	h.Track("b")
	h.Track("c")
	h.Tick()
	h.pong("b", 100*time.Millisecond)

	s := h.Stats()
	assert.Equal(t, 2, s.PeerCount)
	assert.InDelta(t, 50.0, s.AverageLatency, 1e-9)
	assert.Zero(t, s.PacketLoss)
}
