// Package sink delivers a scan's accepted events to side-channel listeners
// (message bus, UI streams, exporters) without ever slowing down dispatch.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
)

// Listener receives events as they are accepted into a scan.
type Listener interface {
	Name() string
	Notify(ctx context.Context, scanID string, ev *event.Event) error
}

// ResultListener is implemented by listeners that also want correlation results
// once a scan has finished.
type ResultListener interface {
	NotifyResults(ctx context.Context, scanID string, results []correlation.Result) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc struct {
	ID string
	Fn func(ctx context.Context, scanID string, ev *event.Event) error
}

func (f ListenerFunc) Name() string { return f.ID }

func (f ListenerFunc) Notify(ctx context.Context, scanID string, ev *event.Event) error {
	return f.Fn(ctx, scanID, ev)
}

type delivery struct {
	ctx    context.Context
	scanID string
	ev     *event.Event
}

type subscriber struct {
	l     Listener
	ch    chan delivery
	mu    sync.Mutex
	drops uint64
}

// Fanout copies every published event to each listener through its own bounded
// buffer. A full buffer drops the event for that listener only.
type Fanout struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

// NewFanout creates a Fanout giving each listener a buffer of the given size.
func NewFanout(buffer int, logger *slog.Logger) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{buffer: buffer, logger: logger}
}

// Add attaches l and starts its delivery goroutine.
func (f *Fanout) Add(l Listener) {
	s := &subscriber{l: l, ch: make(chan delivery, f.buffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.subs = append(f.subs, s)
	f.wg.Add(1)
	go f.run(s)
}

func (f *Fanout) run(s *subscriber) {
	defer f.wg.Done()
	for d := range s.ch {
		if err := s.l.Notify(d.ctx, d.scanID, d.ev); err != nil {
			f.logger.Warn("sink listener failed", "listener", s.l.Name(), "scan_id", d.scanID, "err", err)
		}
	}
}

// Publish hands ev to every listener without blocking. The scan context is detached
// from cancellation so a stop does not abort deliveries already buffered.
func (f *Fanout) Publish(ctx context.Context, scanID string, ev *event.Event) {
	d := delivery{ctx: context.WithoutCancel(ctx), scanID: scanID, ev: ev}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.subs {
		select {
		case s.ch <- d:
		default:
			s.mu.Lock()
			s.drops++
			s.mu.Unlock()
			metrics.SinkDropped.WithLabelValues(s.l.Name()).Inc()
		}
	}
}

// PublishResults passes correlation results to every listener implementing
// ResultListener. It is called once per scan, off the dispatch path.
func (f *Fanout) PublishResults(ctx context.Context, scanID string, results []correlation.Result) {
	f.mu.RLock()
	subs := append([]*subscriber(nil), f.subs...)
	f.mu.RUnlock()
	for _, s := range subs {
		rl, ok := s.l.(ResultListener)
		if !ok {
			continue
		}
		if err := rl.NotifyResults(ctx, scanID, results); err != nil {
			f.logger.Warn("sink result delivery failed", "listener", s.l.Name(), "scan_id", scanID, "err", err)
		}
	}
}

// Dropped returns how many events each listener has missed.
func (f *Fanout) Dropped() map[string]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]uint64, len(f.subs))
	for _, s := range f.subs {
		s.mu.Lock()
		out[s.l.Name()] = s.drops
		s.mu.Unlock()
	}
	return out
}

// Close stops accepting events, lets listeners finish their buffers and waits.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.ch)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
