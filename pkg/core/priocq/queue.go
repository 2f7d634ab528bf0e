// Package priocq holds the outbound delivery queue: messages are ordered by
// priority, then retry count, then arrival; every target must acknowledge a
// message or it is retried with linear backoff up to a bounded number of
// attempts. It also provides a token bucket used to shape egress.
package priocq

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRetryInterval = time.Second
	DefaultMaxRetries    = 3
)

// Delivery states reported through Options.OnStatus.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailed  = "failed"
)

// ErrDuplicateID is returned when enqueuing an id that is still pending.
var ErrDuplicateID = errors.New("priocq: message id already pending")

// Status describes a change in a message's delivery state.
type Status struct {
	MessageID string
	State     string
	Attempts  int
	Error     string
}

// Message is one delivery attempt handed to the dispatcher.
type Message struct {
	ID         string
	Payload    []byte
	Priority   Priority
	Targets    []string
	RetryCount int
	Seq        uint64
	Created    time.Time
}

type Options struct {
	RetryInterval time.Duration
	MaxRetries    int
	Now           func() time.Time
	// OnStatus is called outside the queue lock.
	OnStatus func(Status)
}

type pending struct {
	payload     []byte
	priority    Priority
	targets     []string
	waiting     map[string]struct{}
	created     time.Time
	lastAttempt time.Time
	retries     int
}

// unacked returns the still-waiting targets in original order.
func (p *pending) unacked() []string {
	out := make([]string, 0, len(p.waiting))
	for _, t := range p.targets {
		if _, ok := p.waiting[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Queue is safe for concurrent use.
type Queue struct {
	opts Options

	mu      sync.Mutex
	ready   msgHeap
	pending map[string]*pending
	seq     uint64
}

func New(opts Options) *Queue {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{opts: opts, pending: make(map[string]*pending)}
}

// Enqueue schedules payload for targets under a fresh id and returns it.
func (q *Queue) Enqueue(payload []byte, prio Priority, targets []string) string {
	id := uuid.NewString()
	_ = q.EnqueueID(id, payload, prio, targets)
	return id
}

// EnqueueID is Enqueue with a caller-chosen id, used when the id is already
// embedded in the payload.
func (q *Queue) EnqueueID(id string, payload []byte, prio Priority, targets []string) error {
	targets = uniq(targets)
	if len(targets) == 0 {
		return nil
	}
	now := q.opts.Now()
	q.mu.Lock()
	if _, ok := q.pending[id]; ok {
		q.mu.Unlock()
		return ErrDuplicateID
	}
	p := &pending{
		payload:     payload,
		priority:    prio,
		targets:     targets,
		waiting:     make(map[string]struct{}, len(targets)),
		created:     now,
		lastAttempt: now,
	}
	for _, t := range targets {
		p.waiting[t] = struct{}{}
	}
	q.pending[id] = p
	q.pushLocked(id, p, targets)
	q.mu.Unlock()

	q.notify(Status{MessageID: id, State: StatePending, Attempts: 1})
	return nil
}

func (q *Queue) pushLocked(id string, p *pending, targets []string) {
	q.seq++
	heap.Push(&q.ready, &Message{
		ID:         id,
		Payload:    p.payload,
		Priority:   p.priority,
		Targets:    targets,
		RetryCount: p.retries,
		Seq:        q.seq,
		Created:    p.created,
	})
}

// DequeueNext pops the most urgent attempt. Targets that acknowledged while
// the attempt was queued are filtered out; fully acknowledged attempts are
// skipped.
func (q *Queue) DequeueNext() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.ready.Len() > 0 {
		m := heap.Pop(&q.ready).(*Message)
		p, ok := q.pending[m.ID]
		if !ok {
			continue
		}
		live := m.Targets[:0:0]
		for _, t := range m.Targets {
			if _, waiting := p.waiting[t]; waiting {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			continue
		}
		m.Targets = live
		return *m, true
	}
	return Message{}, false
}

// Acknowledge records that peer received id. It reports whether the ack
// matched a waiting target.
func (q *Queue) Acknowledge(id, peer string) bool {
	q.mu.Lock()
	p, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if _, waiting := p.waiting[peer]; !waiting {
		q.mu.Unlock()
		return false
	}
	delete(p.waiting, peer)
	done := len(p.waiting) == 0
	attempts := p.retries + 1
	if done {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if done {
		q.notify(Status{MessageID: id, State: StateSuccess, Attempts: attempts})
	}
	return true
}

// RetryTick schedules retries for messages whose backoff window elapsed and
// abandons those that exhausted their retry budget. It returns the number
// of retries scheduled and messages abandoned.
func (q *Queue) RetryTick() (retried, abandoned int) {
	now := q.opts.Now()
	var statuses []Status
	q.mu.Lock()
	for id, p := range q.pending {
		window := q.opts.RetryInterval * time.Duration(p.retries+1)
		if now.Sub(p.lastAttempt) <= window {
			continue
		}
		if p.retries >= q.opts.MaxRetries {
			delete(q.pending, id)
			abandoned++
			statuses = append(statuses, Status{MessageID: id, State: StateFailed, Attempts: p.retries + 1, Error: "retries exhausted"})
			zap.L().Debug("delivery abandoned", zap.String("message", id), zap.Strings("unacked", p.unacked()))
			continue
		}
		p.retries++
		p.lastAttempt = now
		q.pushLocked(id, p, p.unacked())
		retried++
		statuses = append(statuses, Status{MessageID: id, State: StatePending, Attempts: p.retries + 1})
	}
	q.mu.Unlock()

	for _, s := range statuses {
		q.notify(s)
	}
	return retried, abandoned
}

// DropPeer forgets peer as a target everywhere. Messages left with no
// waiting target are retired as failed.
func (q *Queue) DropPeer(peer string) int {
	var statuses []Status
	q.mu.Lock()
	for id, p := range q.pending {
		if _, ok := p.waiting[peer]; !ok {
			continue
		}
		delete(p.waiting, peer)
		if len(p.waiting) == 0 {
			delete(q.pending, id)
			statuses = append(statuses, Status{MessageID: id, State: StateFailed, Attempts: p.retries + 1, Error: "peer disconnected"})
		}
	}
	q.mu.Unlock()
	for _, s := range statuses {
		q.notify(s)
	}
	return len(statuses)
}

// Pending returns the number of messages awaiting acknowledgement.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Waiting returns the unacknowledged targets of id.
func (q *Queue) Waiting(id string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[id]; ok {
		return p.unacked()
	}
	return nil
}

func (q *Queue) notify(s Status) {
	if q.opts.OnStatus != nil {
		q.opts.OnStatus(s)
	}
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// msgHeap orders by priority desc, retries desc, sequence asc.
type msgHeap []*Message

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].RetryCount != h[j].RetryCount {
		return h[i].RetryCount > h[j].RetryCount
	}
	return h[i].Seq < h[j].Seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)   { *h = append(*h, x.(*Message)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
