package memkv

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Options tune a Store. The zero value is usable.
type Options struct {
	// Shards is the number of lock stripes (default 64).
	Shards int
	// Now overrides the clock used for TTL checks.
	Now func() time.Time
}

// Store is a TTL-aware key/value map of byte slices.
type Store struct {
	shards  []shard
	expq    expQueue
	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	now     func() time.Time

	keys    atomic.Int64
	sets    atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
	dels    atomic.Uint64
	expired atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 means no expiry
}

func (e entry) deadAt(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New starts a store and its expirer goroutine. Call Close to stop it.
func New(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		shards:  make([]shard, opts.Shards),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		now:     opts.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the expirer. It is safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum64()%uint64(len(s.shards))]
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Set stores val under key. ttl <= 0 keeps the key until deleted.
// It reports whether the key was newly created.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	var expAt int64
	if ttl > 0 {
		expAt = s.now().Add(ttl).UnixNano()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	if existed && prev.deadAt(s.now().UnixNano()) {
		existed = false
		s.keys.Add(-1)
		s.expired.Add(1)
	}
	sh.m[key] = entry{val: clone(val), expireAt: expAt}
	sh.mu.Unlock()

	if !existed {
		s.keys.Add(1)
	}
	s.sets.Add(1)
	if expAt != 0 {
		s.schedule(key, expAt)
	}
	return !existed
}

// Get returns a copy of the live value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok && e.deadAt(s.now().UnixNano()) {
		s.dropIfExpired(sh, key)
		ok = false
	}
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return clone(e.val), true
}

// Update replaces the value of a live key with fn(old), keeping its TTL.
// It reports false when the key is missing or expired.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	now := s.now().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.deadAt(now) {
		delete(sh.m, key)
		s.keys.Add(-1)
		s.expired.Add(1)
		return false
	}
	e.val = clone(fn(clone(e.val)))
	sh.m[key] = e
	return true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.keys.Add(-1)
		s.dels.Add(1)
	}
	return ok
}

// Expire resets the TTL of a live key. ttl <= 0 deletes it.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	now := s.now()
	exp := now.Add(ttl).UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok && e.deadAt(now.UnixNano()) {
		delete(sh.m, key)
		s.keys.Add(-1)
		s.expired.Add(1)
		ok = false
	}
	if ok {
		e.expireAt = exp
		sh.m[key] = e
	}
	sh.mu.Unlock()
	if ok {
		s.schedule(key, exp)
	}
	return ok
}

// TTL returns the remaining lifetime of key. A key without expiry reports
// zero and true.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if e.expireAt == 0 {
		return 0, true
	}
	now := s.now().UnixNano()
	if e.deadAt(now) {
		s.dropIfExpired(sh, key)
		return 0, false
	}
	return time.Duration(e.expireAt - now), true
}

func (s *Store) dropIfExpired(sh *shard, key string) {
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.deadAt(s.now().UnixNano()) {
		delete(sh.m, key)
		s.keys.Add(-1)
		s.expired.Add(1)
	}
	sh.mu.Unlock()
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Keys    int64
	Sets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.keys.Load(),
		Sets:    s.sets.Load(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Dels:    s.dels.Load(),
		Expired: s.expired.Load(),
	}
}

// ---- expiry heap ----

type expItem struct {
	when int64
	key  string
}

type expQueue struct {
	mu    sync.Mutex
	items expHeap
}

type expHeap []expItem

func (h expHeap) Len() int           { return len(h) }
func (h expHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h expHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)        { *h = append(*h, x.(expItem)) }
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (s *Store) schedule(key string, when int64) {
	s.expq.mu.Lock()
	heap.Push(&s.expq.items, expItem{when: when, key: key})
	s.expq.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the earliest due item, or returns how long to wait for one.
// A zero wait with ok=false means the heap is empty.
func (s *Store) next() (it expItem, wait time.Duration, ok bool) {
	s.expq.mu.Lock()
	defer s.expq.mu.Unlock()
	if len(s.expq.items) == 0 {
		return expItem{}, 0, false
	}
	head := s.expq.items[0]
	if d := head.when - s.now().UnixNano(); d > 0 {
		return expItem{}, time.Duration(d), false
	}
	heap.Pop(&s.expq.items)
	return head, 0, true
}

func (s *Store) expirer() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		it, wait, ok := s.next()
		if ok {
			s.dropIfExpired(s.shardFor(it.key), it.key)
			continue
		}
		if wait == 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.closeCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
