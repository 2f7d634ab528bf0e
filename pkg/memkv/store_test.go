package memkv

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSetGetCopies(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if created := s.Set("k1", []byte("abc"), 0); !created {
		t.Fatalf("expected created=true on first Set")
	}
	if created := s.Set("k1", []byte("abc"), 0); created {
		t.Fatalf("expected created=false on overwrite")
	}
	v, ok := s.Get("k1")
	if !ok || string(v) != "abc" {
		t.Fatalf("Get mismatch: ok=%v v=%q", ok, v)
	}
	v[0] = 'X'
	v2, _ := s.Get("k1")
	if string(v2) != "abc" {
		t.Fatalf("store shares memory with caller: %q", v2)
	}
}

func TestExpireWithFakeClock(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(Options{Now: clk.Now})
	defer s.Close()

	s.Set("k", []byte("v"), 10*time.Second)
	if ttl, ok := s.TTL("k"); !ok || ttl != 10*time.Second {
		t.Fatalf("TTL = %v ok=%v", ttl, ok)
	}
	clk.Advance(9 * time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("expected key present before TTL")
	}
	if !s.Expire("k", 10*time.Second) {
		t.Fatalf("Expire on live key failed")
	}
	clk.Advance(9 * time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("expected refreshed key present")
	}
	clk.Advance(2 * time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected key expired")
	}
	if st := s.Metrics(); st.Expired != 1 || st.Keys != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBackgroundExpiry(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("gone", []byte("v"), 30*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Metrics().Expired == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expirer did not remove key, stats %+v", s.Metrics())
}

func TestUpdateAndDelete(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if s.Update("missing", func(b []byte) []byte { return b }) {
		t.Fatalf("Update on missing key should fail")
	}
	s.Set("n", []byte("1"), 0)
	if !s.Update("n", func(old []byte) []byte { return append(old, '2') }) {
		t.Fatalf("Update failed")
	}
	if v, _ := s.Get("n"); string(v) != "12" {
		t.Fatalf("Update result %q", v)
	}
	if !s.Delete("n") || s.Delete("n") {
		t.Fatalf("Delete should succeed once")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := New(Options{})
	s.Close()
	s.Close()
}
