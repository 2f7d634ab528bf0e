package priocq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(c *clock) (*Queue, *[]Status) {
	var (
		mu       sync.Mutex
		statuses []Status
	)
	q := New(Options{
		RetryInterval: time.Second,
		MaxRetries:    3,
		Now:           c.Now,
		OnStatus: func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	return q, &statuses
}

func TestPriorityOrdering(t *testing.T) {
	q := New(Options{})
	q.Enqueue([]byte("low"), Low, []string{"b"})
	q.Enqueue([]byte("high"), High, []string{"b"})
	q.Enqueue([]byte("medium"), Medium, []string{"b"})

	var got []string
	for i := 0; i < 3; i++ {
		m, ok := q.DequeueNext()
		require.True(t, ok)
		got = append(got, string(m.Payload))
	}
	assert.Equal(t, []string{"high", "medium", "low"}, got)
	_, ok := q.DequeueNext()
	assert.False(t, ok)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(Options{})
	for _, s := range []string{"1", "2", "3"} {
		q.Enqueue([]byte(s), Medium, []string{"b"})
	}
	for _, want := range []string{"1", "2", "3"} {
		m, _ := q.DequeueNext()
		assert.Equal(t, want, string(m.Payload))
	}
}

func TestRetriedMessagesClimb(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q, _ := newTestQueue(c)
	old := q.Enqueue([]byte("old"), Medium, []string{"b"})
	_, _ = q.DequeueNext()

	c.Advance(1500 * time.Millisecond)
	retried, _ := q.RetryTick()
	require.Equal(t, 1, retried)
	q.Enqueue([]byte("fresh"), Medium, []string{"b"})

	m, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, old, m.ID)
	assert.Equal(t, 1, m.RetryCount)
}

func TestRetryScopedToUnacknowledged(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q, statuses := newTestQueue(c)

	id := q.Enqueue([]byte("count=4"), High, []string{"a", "b"})
	first, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, first.Targets)

	assert.True(t, q.Acknowledge(id, "a"))
	assert.False(t, q.Acknowledge(id, "a"), "second ack is a no-op")

	c.Advance(500 * time.Millisecond)
	retried, _ := q.RetryTick()
	assert.Zero(t, retried, "window not elapsed")

	c.Advance(600 * time.Millisecond)
	retried, _ = q.RetryTick()
	require.Equal(t, 1, retried)
	retry, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, id, retry.ID)
	assert.Equal(t, []string{"b"}, retry.Targets)
	_, ok = q.DequeueNext()
	assert.False(t, ok, "exactly one retry delivery")

	assert.True(t, q.Acknowledge(id, "b"))
	assert.Zero(t, q.Pending())
	c.Advance(10 * time.Second)
	retried, abandoned := q.RetryTick()
	assert.Zero(t, retried)
	assert.Zero(t, abandoned)

	last := (*statuses)[len(*statuses)-1]
	assert.Equal(t, Status{MessageID: id, State: StateSuccess, Attempts: 2}, last)
}

func TestLinearBackoffAndAbandon(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q, statuses := newTestQueue(c)
	id := q.Enqueue([]byte("x"), Low, []string{"gone"})

	var retries int
	for step := 0; step < 40; step++ {
		c.Advance(500 * time.Millisecond)
		r, a := q.RetryTick()
		retries += r
		if a > 0 {
			break
		}
	}
	assert.Equal(t, 3, retries)
	assert.Zero(t, q.Pending())
	last := (*statuses)[len(*statuses)-1]
	assert.Equal(t, id, last.MessageID)
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, 4, last.Attempts)
}

func TestAckWhileQueuedFiltersTargets(t *testing.T) {
	q := New(Options{})
	id := q.Enqueue([]byte("x"), Medium, []string{"a", "b"})
	q.Acknowledge(id, "a")
	m, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, m.Targets)

	id2 := q.Enqueue([]byte("y"), Medium, []string{"a"})
	q.Acknowledge(id2, "a")
	_, ok = q.DequeueNext()
	assert.False(t, ok)
}

func TestDropPeerRetiresOrphans(t *testing.T) {
	q := New(Options{})
	solo := q.Enqueue([]byte("x"), Medium, []string{"a"})
	shared := q.Enqueue([]byte("y"), Medium, []string{"a", "b"})

	assert.Equal(t, 1, q.DropPeer("a"))
	assert.Nil(t, q.Waiting(solo))
	assert.Equal(t, []string{"b"}, q.Waiting(shared))
}

func TestEnqueueIDRejectsDuplicate(t *testing.T) {
	q := New(Options{})
	require.NoError(t, q.EnqueueID("m:0", []byte("x"), Medium, []string{"a"}))
	assert.ErrorIs(t, q.EnqueueID("m:0", []byte("x"), Medium, []string{"a"}), ErrDuplicateID)
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{Low, Medium, High, VeryHigh} {
		got, ok := ParsePriority(p.String())
		assert.True(t, ok)
		assert.Equal(t, p, got)
	}
	got, ok := ParsePriority("urgent")
	assert.False(t, ok)
	assert.Equal(t, Medium, got)
}
