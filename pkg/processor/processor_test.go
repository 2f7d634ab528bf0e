package processor

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcounter/pkg/protocol"
)

func randomPayload(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestRoundTripAnyOrder(t *testing.T) {
	payloads := map[string][]byte{
		"empty":        {},
		"small":        []byte(`{"type":"attendance","count":1}`),
		"compressible": bytes.Repeat([]byte("present;"), 10_000),
		"random":       randomPayload(50_000, 7),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			p := New("a", Options{MaxChunkSize: 4096})
			chunks, err := p.ProcessOutgoing(payload)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			rx := New("b", Options{})
			order := rand.New(rand.NewSource(1)).Perm(len(chunks))
			var (
				out  []byte
				done bool
			)
			for i, idx := range order {
				out, done, err = rx.ProcessIncoming(chunks[idx])
				require.NoError(t, err)
				if i < len(order)-1 {
					assert.False(t, done, "completed early at %d/%d", i+1, len(order))
				}
			}
			require.True(t, done)
			assert.True(t, bytes.Equal(payload, out))
			assert.Zero(t, rx.Pending())
		})
	}
}

func TestChunkRecordShape(t *testing.T) {
	p := New("a", Options{MaxChunkSize: 100, CompressionThreshold: 1000})
	chunks, err := p.ProcessOutgoing(randomPayload(250, 3))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, protocol.TypeChunk, c.Type)
		assert.Equal(t, chunks[0].MessageID, c.MessageID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 3, c.TotalChunks)
		assert.False(t, c.Compressed)
		assert.Equal(t, "a", c.SourceID)
		assert.LessOrEqual(t, len(c.Data), 100)
	}

	big, err := p.ProcessOutgoing(bytes.Repeat([]byte{'x'}, 5000))
	require.NoError(t, err)
	assert.True(t, big[0].Compressed)
}

func TestIncompleteYieldsNothingAndExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	tx := New("a", Options{MaxChunkSize: 10})
	chunks, err := tx.ProcessOutgoing([]byte("0123456789abcdefghij"))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	rx := New("b", Options{AssemblyTimeout: 30 * time.Second, Now: clock})
	out, done, err := rx.ProcessIncoming(chunks[1])
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, out)

	now = now.Add(29 * time.Second)
	assert.Zero(t, rx.Cleanup())
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, rx.Cleanup())
	assert.Zero(t, rx.Pending())

	// a late chunk starts a fresh assembly that cannot complete alone
	_, done, err = rx.ProcessIncoming(chunks[0])
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCapacityEvictsOldestAssembly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rx := New("b", Options{MaxAssemblers: 2, Now: func() time.Time { return now }})
	for _, id := range []string{"m1", "m2", "m3"} {
		_, _, err := rx.ProcessIncoming(protocol.Chunk{MessageID: id, ChunkIndex: 0, TotalChunks: 2, Data: []byte("x")})
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	assert.Equal(t, 2, rx.Pending())

	// m1 was evicted, so its second chunk does not complete anything
	_, done, err := rx.ProcessIncoming(protocol.Chunk{MessageID: "m1", ChunkIndex: 1, TotalChunks: 2, Data: []byte("y")})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMalformedChunks(t *testing.T) {
	rx := New("b", Options{})
	_, _, err := rx.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 2, TotalChunks: 2})
	assert.ErrorIs(t, err, ErrMalformedChunk)

	_, _, err = rx.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 0, TotalChunks: 3})
	require.NoError(t, err)
	_, _, err = rx.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 1, TotalChunks: 4})
	assert.ErrorIs(t, err, ErrMalformedChunk)
	assert.Zero(t, rx.Pending())
}

func TestChunkCountBounded(t *testing.T) {
	rx := New("b", Options{MaxChunkSize: 16_000})
	_, _, err := rx.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 0, TotalChunks: 20_000_000, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrMalformedChunk)
	assert.Zero(t, rx.Pending())

	// 16 MiB over 16000-byte chunks
	_, done, err := rx.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 0, TotalChunks: 1049, Data: []byte("x")})
	require.NoError(t, err)
	assert.False(t, done)
	_, _, err = rx.ProcessIncoming(protocol.Chunk{MessageID: "n", ChunkIndex: 0, TotalChunks: 1050, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrMalformedChunk)

	small := New("b", Options{MaxTotalChunks: 4})
	_, _, err = small.ProcessIncoming(protocol.Chunk{MessageID: "m", ChunkIndex: 0, TotalChunks: 5})
	assert.ErrorIs(t, err, ErrMalformedChunk)
}

func TestDropSource(t *testing.T) {
	rx := New("c", Options{})
	for _, c := range []protocol.Chunk{
		{MessageID: "m1", ChunkIndex: 0, TotalChunks: 2, SourceID: "a"},
		{MessageID: "m2", ChunkIndex: 0, TotalChunks: 3, SourceID: "a"},
		{MessageID: "m3", ChunkIndex: 0, TotalChunks: 2, SourceID: "b"},
	} {
		_, _, err := rx.ProcessIncoming(c)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rx.DropSource("a"))
	assert.Equal(t, 1, rx.Pending())
	assert.Zero(t, rx.DropSource("a"))

	_, done, err := rx.ProcessIncoming(protocol.Chunk{MessageID: "m3", ChunkIndex: 1, TotalChunks: 2, SourceID: "b"})
	require.NoError(t, err)
	assert.True(t, done)
}
