// Package processor splits outbound payloads into chunk records sized for
// the transport and reassembles inbound chunks. Payloads above a threshold
// are zlib-compressed before chunking.
package processor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"meshcounter/pkg/protocol"
	"meshcounter/pkg/transport"
)

const (
	DefaultMaxChunkSize         = 16_000
	DefaultCompressionThreshold = 1000
	DefaultAssemblyTimeout      = 30 * time.Second
	DefaultMaxAssemblers        = 256
)

// ErrMalformedChunk is returned for chunks inconsistent with their assembly.
var ErrMalformedChunk = errors.New("processor: malformed chunk")

type Options struct {
	// MaxChunkSize bounds the data bytes carried by one chunk.
	MaxChunkSize         int
	CompressionThreshold int
	AssemblyTimeout      time.Duration
	// MaxAssemblers caps concurrent partial assemblies; the oldest is
	// discarded when a new message arrives at the cap.
	MaxAssemblers int
	// MaxTotalChunks bounds the chunk count a peer may announce. It
	// defaults to the frame ceiling divided by MaxChunkSize, rounded up.
	MaxTotalChunks int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.AssemblyTimeout <= 0 {
		o.AssemblyTimeout = DefaultAssemblyTimeout
	}
	if o.MaxAssemblers <= 0 {
		o.MaxAssemblers = DefaultMaxAssemblers
	}
	if o.MaxTotalChunks <= 0 {
		o.MaxTotalChunks = (transport.MaxFrame + o.MaxChunkSize - 1) / o.MaxChunkSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type assembler struct {
	source     string
	total      int
	compressed bool
	parts      map[int][]byte
	created    time.Time
}

// Processor owns the assembler table.
type Processor struct {
	localID string
	opts    Options

	mu         sync.Mutex
	assemblers map[string]*assembler
}

func New(localID string, opts Options) *Processor {
	return &Processor{
		localID:    localID,
		opts:       opts.withDefaults(),
		assemblers: make(map[string]*assembler),
	}
}

// ProcessOutgoing compresses payload when it exceeds the threshold and cuts
// it into ordered chunk records sharing a fresh message id.
func (p *Processor) ProcessOutgoing(payload []byte) ([]protocol.Chunk, error) {
	data := payload
	compressed := false
	if len(payload) > p.opts.CompressionThreshold {
		z, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		data, compressed = z, true
	}

	size := p.opts.MaxChunkSize
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	id := uuid.NewString()
	chunks := make([]protocol.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(data))
		chunks = append(chunks, protocol.Chunk{
			Type:        protocol.TypeChunk,
			MessageID:   id,
			ChunkIndex:  i,
			TotalChunks: total,
			Compressed:  compressed,
			Data:        data[start:end],
			SourceID:    p.localID,
		})
	}
	return chunks, nil
}

// ProcessIncoming buffers c and returns the original payload once every
// chunk of its message has arrived.
func (p *Processor) ProcessIncoming(c protocol.Chunk) ([]byte, bool, error) {
	if c.MessageID == "" || c.TotalChunks < 1 || c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrMalformedChunk, c.ChunkIndex, c.TotalChunks)
	}
	if c.TotalChunks > p.opts.MaxTotalChunks {
		return nil, false, fmt.Errorf("%w: %d chunks exceeds %d", ErrMalformedChunk, c.TotalChunks, p.opts.MaxTotalChunks)
	}

	p.mu.Lock()
	a, ok := p.assemblers[c.MessageID]
	if !ok {
		if len(p.assemblers) >= p.opts.MaxAssemblers {
			p.evictOldestLocked()
		}
		a = &assembler{
			source:     c.SourceID,
			total:      c.TotalChunks,
			compressed: c.Compressed,
			parts:      make(map[int][]byte),
			created:    p.opts.Now(),
		}
		p.assemblers[c.MessageID] = a
	} else if a.total != c.TotalChunks || a.compressed != c.Compressed {
		delete(p.assemblers, c.MessageID)
		p.mu.Unlock()
		return nil, false, fmt.Errorf("%w: message %s changed shape", ErrMalformedChunk, c.MessageID)
	}
	a.parts[c.ChunkIndex] = append([]byte(nil), c.Data...)
	if len(a.parts) < a.total {
		p.mu.Unlock()
		return nil, false, nil
	}
	delete(p.assemblers, c.MessageID)
	p.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < a.total; i++ {
		buf.Write(a.parts[i])
	}
	if !a.compressed {
		return buf.Bytes(), true, nil
	}
	out, err := inflate(buf.Bytes())
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s: %w", c.MessageID, err)
	}
	return out, true, nil
}

func (p *Processor) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, a := range p.assemblers {
		if oldestID == "" || a.created.Before(oldestAt) {
			oldestID, oldestAt = id, a.created
		}
	}
	if oldestID != "" {
		delete(p.assemblers, oldestID)
		zap.L().Debug("assembler evicted at capacity", zap.String("message", oldestID))
	}
}

// Cleanup discards assemblies older than the assembly timeout and returns
// how many were dropped.
func (p *Processor) Cleanup() int {
	cutoff := p.opts.Now().Add(-p.opts.AssemblyTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	var dropped []string
	for id, a := range p.assemblers {
		if a.created.Before(cutoff) {
			delete(p.assemblers, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		zap.L().Debug("assemblies expired", zap.Strings("messages", dropped))
	}
	return len(dropped)
}

// DropSource discards the partial assemblies fed by source and returns how
// many were dropped.
func (p *Processor) DropSource(source string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, a := range p.assemblers {
		if a.source == source {
			delete(p.assemblers, id)
			n++
		}
	}
	return n
}

// Pending returns the number of partial assemblies.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assemblers)
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
