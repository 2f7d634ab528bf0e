package priocq

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewTokenBucket(1000, 1000)
	b.now = c.Now

	if ok, _ := b.Allow(800); !ok {
		t.Fatalf("expected initial burst to pass")
	}
	ok, wait := b.Allow(400)
	if ok || wait < 199*time.Millisecond || wait > 201*time.Millisecond {
		t.Fatalf("Allow(400) = %v, %v; want false, ~200ms", ok, wait)
	}
	// a refused request leaves the bucket untouched
	c.Advance(250 * time.Millisecond)
	if ok, _ := b.Allow(400); !ok {
		t.Fatalf("expected refill after wait")
	}
	// oversize requests are clamped to capacity
	c.Advance(2 * time.Second)
	if ok, _ := b.Allow(5000); !ok {
		t.Fatalf("expected clamped request to pass on a full bucket")
	}
}

func TestTokenBucketUnshaped(t *testing.T) {
	b := NewTokenBucket(0, 0)
	for i := 0; i < 3; i++ {
		if ok, _ := b.Allow(1 << 20); !ok {
			t.Fatalf("zero rate must not shape")
		}
	}
}
