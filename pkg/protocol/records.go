// Package protocol defines the key-value wire records exchanged between mesh
// peers. Every record carries a "type" discriminator; inbound bytes are
// decoded once into one of the concrete record types below.
package protocol

import "strconv"

// Wire type discriminators.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAnnouncement = "meshAnnouncement"
	TypeChunk        = "messageChunk"
	TypeAck          = "messageAck"

	// TypeMesh is stamped on mesh messages that carry no application type.
	TypeMesh = "meshMessage"
)

// Kind enumerates the closed set of decoded record variants.
type Kind uint8

const (
	KindMesh Kind = iota
	KindPing
	KindPong
	KindAnnouncement
	KindChunk
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return TypePing
	case KindPong:
		return TypePong
	case KindAnnouncement:
		return TypeAnnouncement
	case KindChunk:
		return TypeChunk
	case KindAck:
		return TypeAck
	default:
		return "mesh"
	}
}

// Record is implemented by every wire record.
type Record interface {
	Kind() Kind
}

// Ping is a keepalive probe. Timestamps are unix milliseconds.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Type              string `json:"type"`
	OriginalTimestamp int64  `json:"originalTimestamp"`
	Timestamp         int64  `json:"timestamp"`
}

// Announcement advertises a peer's presence and direct connections.
type Announcement struct {
	Type            string   `json:"type"`
	DeviceID        string   `json:"deviceId"`
	Timestamp       int64    `json:"timestamp"`
	ConnectionCount int      `json:"connectionCount"`
	NetworkStrength float64  `json:"networkStrength"`
	ConnectedPeers  []string `json:"connectedPeers"`
}

// Chunk is one fragment of a processed outbound payload.
type Chunk struct {
	Type        string `json:"type"`
	MessageID   string `json:"messageId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Compressed  bool   `json:"compressed"`
	Data        []byte `json:"data"`
	SourceID    string `json:"sourceId"`
}

// DeliveryID identifies this chunk for hop-by-hop acknowledgement.
func (c Chunk) DeliveryID() string { return c.MessageID + ":" + strconv.Itoa(c.ChunkIndex) }

// Ack acknowledges receipt of a delivery id.
type Ack struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// MeshMessage is an application message travelling through the mesh.
// Type is application-defined and must not collide with the reserved
// discriminators.
type MeshMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"_messageId"`
	Timestamp int64  `json:"_timestamp"`
	SourceID  string `json:"_sourceId"`
	TargetID  string `json:"_targetId,omitempty"`
	Priority  string `json:"_priority"`
	HopCount  int    `json:"_hopCount"`
	Data      []byte `json:"data,omitempty"`
}

// DedupKey is the hop-invariant content used to detect repeats.
func (m MeshMessage) DedupKey() []byte {
	out := make([]byte, 0, len(m.MessageID)+1+len(m.Data))
	out = append(out, m.MessageID...)
	out = append(out, 0)
	return append(out, m.Data...)
}

func (Ping) Kind() Kind         { return KindPing }
func (Pong) Kind() Kind         { return KindPong }
func (Announcement) Kind() Kind { return KindAnnouncement }
func (Chunk) Kind() Kind        { return KindChunk }
func (Ack) Kind() Kind          { return KindAck }
func (MeshMessage) Kind() Kind  { return KindMesh }
