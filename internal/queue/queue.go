// Package queue implements the per-scan event queue: three bounded priority lanes
// drained by weighted round robin, with an overflow policy, bounded retries and a
// dead-letter list.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
)

var (
	ErrFull         = errors.New("queue: lane full")
	ErrClosed       = errors.New("queue: closed")
	ErrDeadLettered = errors.New("queue: retries exhausted, item dead-lettered")
)

// Lane is a priority class. Lower values are served first.
type Lane int

const (
	High Lane = iota
	Normal
	Low
	numLanes
)

// Lanes lists every lane in service order.
var Lanes = [numLanes]Lane{High, Normal, Low}

func (l Lane) String() string {
	switch l {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("lane(%d)", int(l))
}

// Policy decides what Push does when the target lane is full.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyReject     Policy = "reject"
	PolicyDropOldest Policy = "drop_oldest"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyBlock, PolicyReject, PolicyDropOldest:
		return true
	}
	return false
}

// Item is one (event, consumer) delivery.
type Item struct {
	Event      *event.Event
	Target     string
	Lane       Lane
	Retries    int
	EnqueuedAt time.Time
	LastErr    error
}

// Config sizes and tunes a Queue. Zero fields take defaults.
type Config struct {
	Capacity   int           // per lane
	Weights    [numLanes]int // round-robin credits for high, normal, low
	Policy     Policy
	MaxRetries int
	ElevatedAt float64
	CriticalAt float64
}

// DefaultConfig is what zero fields fall back to.
var DefaultConfig = Config{
	Capacity:   1000,
	Weights:    [numLanes]int{4, 2, 1},
	Policy:     PolicyBlock,
	MaxRetries: 3,
	ElevatedAt: 0.7,
	CriticalAt: 0.9,
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig.Capacity
	}
	for i, w := range c.Weights {
		if w <= 0 {
			c.Weights[i] = DefaultConfig.Weights[i]
		}
	}
	if c.Policy == "" {
		c.Policy = DefaultConfig.Policy
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ElevatedAt <= 0 {
		c.ElevatedAt = DefaultConfig.ElevatedAt
	}
	if c.CriticalAt <= 0 {
		c.CriticalAt = DefaultConfig.CriticalAt
	}
	return c
}

// LaneStats are cumulative counters for one lane plus its current length.
type LaneStats struct {
	Len          int    `json:"len"`
	Cap          int    `json:"cap"`
	Enqueued     uint64 `json:"enqueued"`
	Dequeued     uint64 `json:"dequeued"`
	Rejected     uint64 `json:"rejected"`
	Dropped      uint64 `json:"dropped"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// Queue is safe for concurrent use. A single mutex serialises every operation;
// blocked callers wait on a broadcast channel so they can also honour ctx.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	lanes   [numLanes]*list.List
	credits [numLanes]int
	stats   [numLanes]LaneStats
	levels  [numLanes]Level
	dead    []Item
	closed  bool
	changed chan struct{}

	levelHooks []func(lane Lane, from, to Level)
	dropHooks  []func(Item)
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{cfg: cfg, changed: make(chan struct{})}
	for i := range q.lanes {
		q.lanes[i] = list.New()
		q.levels[i] = LevelNormal
		q.stats[i].Cap = cfg.Capacity
	}
	q.credits = cfg.Weights
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Push appends it to its lane. When the lane is full the configured policy applies:
// block waits for room (or ctx), reject returns ErrFull, drop_oldest evicts the
// lane's head and reports it to the OnDrop hooks.
func (q *Queue) Push(ctx context.Context, it Item) error {
	if it.Lane < 0 || it.Lane >= numLanes {
		return fmt.Errorf("queue: invalid lane %d", it.Lane)
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}
	lane := it.Lane

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		l := q.lanes[lane]
		if l.Len() < q.cfg.Capacity {
			l.PushBack(it)
			q.stats[lane].Enqueued++
			q.afterChangeLocked()
			t := q.levelTransitionLocked(lane)
			q.mu.Unlock()
			metrics.QueueEnqueued.WithLabelValues(lane.String()).Inc()
			q.fireLevel(t)
			return nil
		}

		switch q.cfg.Policy {
		case PolicyReject:
			q.stats[lane].Rejected++
			q.mu.Unlock()
			metrics.QueueRejected.WithLabelValues(lane.String()).Inc()
			return fmt.Errorf("%w: %s", ErrFull, lane)

		case PolicyDropOldest:
			evicted := l.Remove(l.Front()).(Item)
			l.PushBack(it)
			q.stats[lane].Dropped++
			q.stats[lane].Enqueued++
			q.afterChangeLocked()
			hooks := q.dropHooks
			q.mu.Unlock()
			metrics.QueueDropped.WithLabelValues(lane.String()).Inc()
			metrics.QueueEnqueued.WithLabelValues(lane.String()).Inc()
			for _, h := range hooks {
				h(evicted)
			}
			return nil

		default: // block
			ch := q.changed
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
			q.mu.Lock()
		}
	}
}

// Pop removes the next item by weighted round robin, waiting until one is available,
// ctx is done or the queue is closed and empty.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	return q.PopWhere(ctx, nil)
}

// PopWhere is Pop restricted to items whose target passes ready. Within a lane the
// oldest eligible item is taken, so a busy target does not hold up the others.
// ready runs under the queue lock and must not call back into the queue; when its
// answer may have changed, call Notify to re-run waiting pops.
func (q *Queue) PopWhere(ctx context.Context, ready func(target string) bool) (Item, error) {
	q.mu.Lock()
	for {
		if it, ok := q.nextLocked(ready); ok {
			t := q.levelTransitionLocked(it.Lane)
			q.mu.Unlock()
			q.fireLevel(t)
			return it, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-ch:
		}
		q.mu.Lock()
	}
}

// Notify wakes every waiting Push and Pop so they re-check their conditions.
func (q *Queue) Notify() {
	q.mu.Lock()
	q.afterChangeLocked()
	q.mu.Unlock()
}

// TryPop is Pop without waiting.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	it, ok := q.nextLocked(nil)
	var t *transition
	if ok {
		t = q.levelTransitionLocked(it.Lane)
	}
	q.mu.Unlock()
	q.fireLevel(t)
	return it, ok
}

// Requeue pushes a failed item back with its retry count incremented. Past
// MaxRetries the item is moved to the dead-letter list and ErrDeadLettered returned.
func (q *Queue) Requeue(ctx context.Context, it Item, cause error) error {
	it.Retries++
	it.LastErr = cause
	it.EnqueuedAt = time.Time{}

	q.mu.Lock()
	if it.Retries > q.cfg.MaxRetries {
		q.dead = append(q.dead, it)
		q.stats[it.Lane].DeadLettered++
		q.mu.Unlock()
		metrics.QueueDeadLettered.WithLabelValues(it.Lane.String()).Inc()
		return ErrDeadLettered
	}
	q.stats[it.Lane].Requeued++
	q.mu.Unlock()
	return q.Push(ctx, it)
}

// DeadLetters returns a copy of the items whose retries were exhausted.
func (q *Queue) DeadLetters() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.dead))
	copy(out, q.dead)
	return out
}

// Drain removes and returns every queued item, high lane first.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	var out []Item
	var ts []*transition
	for _, lane := range Lanes {
		l := q.lanes[lane]
		for e := l.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(Item))
		}
		l.Init()
		if t := q.levelTransitionLocked(lane); t != nil {
			ts = append(ts, t)
		}
	}
	q.afterChangeLocked()
	q.mu.Unlock()
	for _, t := range ts {
		q.fireLevel(t)
	}
	return out
}

// Close wakes every waiter. Push fails from now on; Pop keeps returning queued items
// and then ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.afterChangeLocked()
}

// Len returns the number of queued items across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, l := range q.lanes {
		n += l.Len()
	}
	return n
}

// Stats returns per-lane counters keyed by lane name.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]LaneStats, numLanes)
	for _, lane := range Lanes {
		s := q.stats[lane]
		s.Len = q.lanes[lane].Len()
		out[lane.String()] = s
	}
	return out
}

// OnDrop registers a hook called with every item evicted by drop_oldest.
// Hooks run outside the queue lock.
func (q *Queue) OnDrop(fn func(Item)) {
	q.mu.Lock()
	q.dropHooks = append(q.dropHooks, fn)
	q.mu.Unlock()
}

// nextLocked takes the oldest eligible item of the first lane that has one and still
// has credit. When every lane with eligible work is out of credit all credits are
// refilled. A nil ready accepts every target.
func (q *Queue) nextLocked(ready func(string) bool) (Item, bool) {
	for pass := 0; pass < 2; pass++ {
		for _, lane := range Lanes {
			if q.credits[lane] == 0 {
				continue
			}
			l := q.lanes[lane]
			for e := l.Front(); e != nil; e = e.Next() {
				it := e.Value.(Item)
				if ready != nil && !ready(it.Target) {
					continue
				}
				l.Remove(e)
				q.credits[lane]--
				q.stats[lane].Dequeued++
				q.afterChangeLocked()
				return it, true
			}
		}
		q.credits = q.cfg.Weights
	}
	return Item{}, false
}

// afterChangeLocked wakes every goroutine waiting on the queue.
func (q *Queue) afterChangeLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
