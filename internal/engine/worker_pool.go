package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// inbox is a FIFO owned by one consumer goroutine. Pushes never block; callers that
// need a bound check Idle before submitting.
type inbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newInbox[T any]() *inbox[T] {
	return &inbox[T]{notify: make(chan struct{}, 1)}
}

// push appends t. It returns false once the inbox is closed.
func (b *inbox[T]) push(t T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, t)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the next item. ok is false when ctx is done or the inbox is closed
// and empty.
func (b *inbox[T]) pop(ctx context.Context) (t T, ok bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			t = b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			b.mu.Unlock()
			return t, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return t, false
		}
		select {
		case <-ctx.Done():
			return t, false
		case <-b.notify:
		}
	}
}

// unshift puts t back at the head, so a stopping consumer leaves it accounted for.
func (b *inbox[T]) unshift(t T) {
	b.mu.Lock()
	b.items = append([]T{t}, b.items...)
	b.mu.Unlock()
}

// drain removes and returns everything queued.
func (b *inbox[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

func (b *inbox[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// workerPool runs one sequential consumer per named inbox. Execution slots are a
// shared semaphore the process function takes with withSlot, so a consumer can do
// bookkeeping (or wait) without holding one.
type workerPool[T any] struct {
	slots   chan struct{}
	process func(ctx context.Context, name string, t T)
	onIdle  func(name string)

	mu      sync.Mutex
	inboxes map[string]*consumer[T]
	wg      sync.WaitGroup
}

// consumer is an inbox plus a count of items handed to it and not yet finished.
type consumer[T any] struct {
	*inbox[T]
	outstanding atomic.Int64
}

// newWorkerPool creates a pool allowing n concurrent executions. onIdle, if set, is
// called whenever a consumer has nothing queued or running any more.
func newWorkerPool[T any](n int, fn func(ctx context.Context, name string, t T), onIdle func(name string)) *workerPool[T] {
	if n < 1 {
		n = 1
	}
	return &workerPool[T]{
		slots:   make(chan struct{}, n),
		process: fn,
		onIdle:  onIdle,
		inboxes: make(map[string]*consumer[T]),
	}
}

// Start launches the consumer for name. Items are processed in push order.
func (p *workerPool[T]) Start(ctx context.Context, name string) {
	c := &consumer[T]{inbox: newInbox[T]()}
	p.mu.Lock()
	p.inboxes[name] = c
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, name, c)
	}()
}

func (p *workerPool[T]) run(ctx context.Context, name string, c *consumer[T]) {
	for {
		t, ok := c.pop(ctx)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			c.unshift(t)
			return
		}
		p.process(ctx, name, t)
		p.finished(name, c, 1)
	}
}

func (p *workerPool[T]) finished(name string, c *consumer[T], n int) {
	if n > 0 && c.outstanding.Add(int64(-n)) == 0 && p.onIdle != nil {
		p.onIdle(name)
	}
}

// withSlot runs fn once an execution slot is free. It returns false without running
// fn when ctx ends first.
func (p *workerPool[T]) withSlot(ctx context.Context, fn func()) bool {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-p.slots }()
	fn()
	return true
}

func (p *workerPool[T]) lookup(name string) *consumer[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inboxes[name]
}

// Submit hands t to name's consumer without blocking. It returns false when name has
// no running consumer.
func (p *workerPool[T]) Submit(name string, t T) bool {
	c := p.lookup(name)
	if c == nil {
		return false
	}
	c.outstanding.Add(1)
	if !c.push(t) {
		c.outstanding.Add(-1)
		return false
	}
	return true
}

// Idle reports whether name has nothing queued or running. Names without a consumer
// are idle.
func (p *workerPool[T]) Idle(name string) bool {
	c := p.lookup(name)
	return c == nil || c.outstanding.Load() == 0
}

// Discard empties name's inbox and returns what was pending.
func (p *workerPool[T]) Discard(name string) []T {
	c := p.lookup(name)
	if c == nil {
		return nil
	}
	out := c.drain()
	p.finished(name, c, len(out))
	return out
}

// Drain closes every inbox, waits for the consumers to exit and returns the items
// that were never processed.
func (p *workerPool[T]) Drain() []T {
	p.mu.Lock()
	for _, c := range p.inboxes {
		c.close()
	}
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var left []T
	for _, c := range p.inboxes {
		out := c.drain()
		c.outstanding.Add(int64(-len(out)))
		left = append(left, out...)
	}
	return left
}

// QueueLen returns how many items are waiting across all inboxes.
func (p *workerPool[T]) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.inboxes {
		n += c.len()
	}
	return n
}

// InFlight returns how many slots are taken right now.
func (p *workerPool[T]) InFlight() int {
	return len(p.slots)
}
