// Package events carries the named notifications the mesh core raises for
// the application layer.
package events

import (
	"sync"

	"go.uber.org/zap"
)

type Name string

const (
	PeerConnected        Name = "peerConnected"
	PeerTimeout          Name = "peerTimeout"
	MeshMessage          Name = "meshMessage"
	TopologyChange       Name = "topologyChange"
	ConnectionRequest    Name = "connectionRequest"
	ConnectionResponse   Name = "connectionResponse"
	DisconnectionRequest Name = "disconnectionRequest"
	MessageStatus        Name = "messageStatus"
	MeshHealth           Name = "meshHealth"
	MeshDiscovery        Name = "meshDiscovery"
)

// Event is one notification. Payload holds one of the payload types below.
type Event struct {
	Name    Name
	PeerID  string
	Payload any
}

type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

type PeerPayload struct {
	DeviceID    string `json:"deviceId"`
	IsInitiator bool   `json:"isInitiator"`
}

type TimeoutPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

type MessagePayload struct {
	DeviceID  string `json:"deviceId"`
	From      string `json:"from"`
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	HopCount  int    `json:"hopCount"`
	Data      []byte `json:"data"`
}

type TopologyPayload struct {
	LocalDeviceID string              `json:"localDeviceId"`
	Connections   map[string][]string `json:"connections"`
	HopCounts     map[string]int      `json:"hopCounts"`
}

// ConnectionPayload is shared by connection requests, responses and
// disconnection requests. Accepted is only meaningful on responses.
type ConnectionPayload struct {
	Type     string `json:"type"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Accepted bool   `json:"accepted,omitempty"`
}

type StatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

type HealthPayload struct {
	TotalPeers         int     `json:"totalPeers"`
	DirectPeers        int     `json:"directPeers"`
	AverageConnections float64 `json:"averageConnections"`
	MeshStability      float64 `json:"meshStability"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than block the emitter.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

// Subscribe returns a channel of events and a cancel function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			zap.L().Debug("event dropped for slow subscriber", zap.String("event", string(e.Name)))
		}
	}
}

// Recorder keeps every event it receives; handy in tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Named returns the recorded events with the given name, oldest first.
func (r *Recorder) Named(n Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == n {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
