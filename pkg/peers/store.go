// Package peers keeps advertised peer records in the in-memory KV.
package peers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcounter/pkg/memkv"
	"meshcounter/pkg/protocol/codec"
)

// Record is what a peer has told us about itself. Adjacency here is only
// advertised; the topology manager owns confirmed edges.
type Record struct {
	ID              string   `json:"id"`
	FirstSeen       int64    `json:"first_seen_unix_ms"`
	LastSeen        int64    `json:"last_seen_unix_ms"`
	ConnectionCount int      `json:"connection_count"`
	NetworkStrength float64  `json:"network_strength"`
	ConnectedPeers  []string `json:"connected_peers,omitempty"`
	Announced       bool     `json:"announced"`
}

func (r Record) LastSeenTime() time.Time  { return time.UnixMilli(r.LastSeen) }
func (r Record) FirstSeenTime() time.Time { return time.UnixMilli(r.FirstSeen) }

// Store persists records in memkv with a TTL equal to the staleness window.
type Store struct {
	kv  *memkv.Store
	enc codec.Codec
	ttl time.Duration

	idxMu sync.RWMutex
	index map[string]struct{}
}

func NewStore(kv *memkv.Store, enc codec.Codec, ttl time.Duration) *Store {
	return &Store{kv: kv, enc: enc, ttl: ttl, index: make(map[string]struct{})}
}

func keyPeer(id string) string { return "peer:" + id }

// Upsert merges rec into any existing record, keeping FirstSeen, and
// refreshes its TTL.
func (s *Store) Upsert(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("peers: empty id")
	}
	if old, ok := s.Get(rec.ID); ok && old.FirstSeen != 0 {
		rec.FirstSeen = old.FirstSeen
		rec.Announced = rec.Announced || old.Announced
	}
	if rec.FirstSeen == 0 {
		rec.FirstSeen = rec.LastSeen
	}
	b, err := s.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("peers: encode %s: %w", rec.ID, err)
	}
	s.kv.Set(keyPeer(rec.ID), b, s.ttl)
	s.idxMu.Lock()
	s.index[rec.ID] = struct{}{}
	s.idxMu.Unlock()
	zap.L().Debug("peer upsert", zap.String("peer", rec.ID), zap.Int("connections", rec.ConnectionCount))
	return nil
}

func (s *Store) Get(id string) (Record, bool) {
	b, ok := s.kv.Get(keyPeer(id))
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := s.enc.Unmarshal(b, &rec); err != nil {
		zap.L().Warn("peer record undecodable", zap.String("peer", id), zap.Error(err))
		return Record{}, false
	}
	return rec, true
}

// Touch bumps LastSeen of a known peer, or creates a bare record.
func (s *Store) Touch(id string, when time.Time) error {
	rec, ok := s.Get(id)
	if !ok {
		rec = Record{ID: id}
	}
	rec.LastSeen = when.UnixMilli()
	return s.Upsert(rec)
}

func (s *Store) Delete(id string) bool {
	s.idxMu.Lock()
	delete(s.index, id)
	s.idxMu.Unlock()
	return s.kv.Delete(keyPeer(id))
}

// IDs lists indexed peer ids in lexical order.
func (s *Store) IDs() []string {
	s.idxMu.RLock()
	out := make([]string, 0, len(s.index))
	for id := range s.index {
		out = append(out, id)
	}
	s.idxMu.RUnlock()
	sort.Strings(out)
	return out
}

// List returns every live record.
func (s *Store) List() []Record {
	ids := s.IDs()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return len(s.index)
}

// Prune drops records not seen within the staleness window, including
// ones the KV already expired, and returns their ids.
func (s *Store) Prune(now time.Time) []string {
	var gone []string
	for _, id := range s.IDs() {
		rec, ok := s.Get(id)
		if ok && now.Sub(rec.LastSeenTime()) <= s.ttl {
			continue
		}
		s.Delete(id)
		gone = append(gone, id)
	}
	if len(gone) > 0 {
		zap.L().Debug("peers pruned", zap.Strings("peers", gone))
	}
	return gone
}
