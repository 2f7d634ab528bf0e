// Package dedup suppresses repeated mesh messages. A message is identified
// by a BLAKE2b-256 digest of its length-prefixed content and source id;
// digests live in a bounded LRU whose entries also expire after a TTL.
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultTTL      = 30 * time.Second
	DefaultCapacity = 1000
)

type digest [blake2b.Size256]byte

// Deduplicator records which messages have been seen recently.
type Deduplicator struct {
	mu    sync.Mutex
	cache *expirable.LRU[digest, struct{}]
}

// New returns a Deduplicator holding at most capacity digests for ttl each.
func New(capacity int, ttl time.Duration) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{cache: expirable.NewLRU[digest, struct{}](capacity, nil, ttl)}
}

func hash(payload []byte, sourceID string) digest {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(payload)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte(sourceID))
	var d digest
	h.Sum(d[:0])
	return d
}

// IsNewMessage reports whether payload from sourceID has not been seen
// within the TTL, and records it as seen when it is new.
func (d *Deduplicator) IsNewMessage(payload []byte, sourceID string) bool {
	key := hash(payload, sourceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(key); ok {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}

// Len returns the number of cached digests, expired ones included until
// the cache purges them.
func (d *Deduplicator) Len() int { return d.cache.Len() }

// Purge empties the cache.
func (d *Deduplicator) Purge() { d.cache.Purge() }
