package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/osintflow/internal/config"
	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/dag"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

type counters struct {
	produced     atomic.Uint64
	duplicates   atomic.Uint64
	invalid      atomic.Uint64
	dispatched   atomic.Uint64
	errors       atomic.Uint64
	timeouts     atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
	rejected     atomic.Uint64
	restarts     atomic.Uint64
}

// moduleWorker is one loaded module inside a scan. The instance is swapped when the
// health monitor restarts it.
type moduleWorker struct {
	name    string
	desc    module.Descriptor
	factory module.Factory
	env     module.Env

	mu       sync.Mutex
	mod      module.Module
	restarts int
	backoff  *backoff.ExponentialBackOff

	disabled atomic.Bool
}

func (w *moduleWorker) instance() module.Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mod
}

// session runs one scan: it owns the store, the queue and the module workers.
type session struct {
	id        string
	req       ScanRequest
	conf      config.EngineConf
	logger    *slog.Logger
	tracer    trace.Tracer
	span      trace.Span
	createdAt time.Time

	store   event.Store
	queue   *queue.Queue
	pool    *workerPool[queue.Item]
	load    *dag.LoadResult
	order   []*moduleWorker
	workers map[string]*moduleWorker

	sink       Publisher
	correlator *correlation.Engine
	rules      func() *correlation.Catalog

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	endedAt    time.Time
	warnings   []string
	results    correlation.Results
	stopReason string
	paused     chan struct{}
	popCtx     context.Context
	popCancel  context.CancelFunc

	seenMu sync.Mutex
	seen   map[string]*event.Event

	corrMu   sync.Mutex
	inflight atomic.Int64
	idle     chan struct{}
	loops    sync.WaitGroup
	done     chan struct{}
	stats    counters
}

type sessionDeps struct {
	queue      queue.Config
	sink       Publisher
	correlator *correlation.Engine
	rules      func() *correlation.Catalog
	tracer     trace.Tracer
	logger     *slog.Logger
}

func newSession(parent context.Context, id string, req ScanRequest, conf config.EngineConf,
	load *dag.LoadResult, store event.Store, deps sessionDeps) *session {

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx, span := deps.tracer.Start(ctx, "scan", trace.WithAttributes(
		attribute.String("scan.id", id),
		attribute.String("scan.target_type", req.TargetType),
	))

	s := &session{
		id:         id,
		req:        req,
		conf:       conf,
		logger:     deps.logger,
		tracer:     deps.tracer,
		span:       span,
		createdAt:  time.Now().UTC(),
		store:      store,
		queue:      queue.New(deps.queue),
		load:       load,
		workers:    make(map[string]*moduleWorker, len(load.Order)),
		sink:       deps.sink,
		correlator: deps.correlator,
		rules:      deps.rules,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateCreated,
		seen:       make(map[string]*event.Event),
		idle:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.pool = newWorkerPool[queue.Item](conf.Workers, s.handle, func(string) { s.queue.Notify() })

	for _, l := range load.Order {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = conf.RestartBackoff
		b.MaxInterval = conf.RestartBackoffMax
		b.MaxElapsedTime = 0
		b.Reset()
		w := &moduleWorker{
			name:    l.Descriptor.Name,
			desc:    l.Descriptor,
			factory: l.Factory,
			env:     l.Env,
			mod:     l.Module,
			backoff: b,
		}
		s.order = append(s.order, w)
		s.workers[w.name] = w
	}
	for name, err := range load.Failed {
		s.warnings = append(s.warnings, fmt.Sprintf("module %s not loaded: %v", name, err))
	}
	sort.Strings(s.warnings)
	if load.Cyclic > 0 {
		s.warnings = append(s.warnings, fmt.Sprintf("cyclic dependencies among %v, ordered by priority", load.CycleMembers))
	}

	s.queue.OnDrop(func(it queue.Item) {
		s.stats.dropped.Add(1)
		s.logger.Warn("queue full, dropped oldest item", "module", it.Target, "event", it.Event.Hash, "lane", it.Lane)
		s.release()
	})
	s.queue.OnLevelChange(func(lane queue.Lane, from, to queue.Level) {
		s.logger.Info("queue pressure changed", "lane", lane, "from", from, "to", to)
	})
	return s
}

// run drives the scan to a terminal state, then correlates.
func (s *session) run() {
	defer close(s.done)
	err := s.execute()
	s.finish(err)
}

func (s *session) execute() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan %s panicked: %v", s.id, r)
		}
	}()
	if err := s.transition(StateRunning); err != nil {
		// Stopped before it started.
		return nil
	}
	if len(s.order) == 0 {
		s.warn("no modules loaded")
	}

	s.startModules()
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.dispatch()
	}()
	if err := s.seed(); err != nil {
		return err
	}

	var expired <-chan time.Time
	if s.conf.MaxDuration > 0 {
		t := time.NewTimer(s.conf.MaxDuration)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-s.idle:
	case <-s.ctx.Done():
	case <-expired:
		s.warn(fmt.Sprintf("scan exceeded max duration %s", s.conf.MaxDuration))
		_ = s.stop("max duration exceeded")
	}
	return nil
}

func (s *session) finish(runErr error) {
	s.mu.Lock()
	from, moved := s.state, false
	if s.state != StateStopping {
		_, err := s.setStateLocked(StateStopping)
		moved = err == nil
	}
	aborted := s.stopReason != ""
	started := !s.startedAt.IsZero()
	s.mu.Unlock()
	if moved {
		s.afterTransition(from, StateStopping)
	}

	s.cancel()
	s.loops.Wait()
	left := s.pool.Drain()
	s.queue.Close()
	left = append(left, s.queue.Drain()...)
	for range left {
		s.release()
	}
	if len(left) > 0 {
		s.logger.Info("discarded pending work", "items", len(left))
	}

	terminal := StateFinished
	switch {
	case runErr != nil:
		terminal = StateFailed
		s.warn(runErr.Error())
		s.span.RecordError(runErr)
		s.span.SetStatus(codes.Error, runErr.Error())
	case aborted:
		terminal = StateAborted
	}
	if err := s.transition(terminal); err != nil {
		s.logger.Error("could not reach terminal state", "state", terminal, "err", err)
	}
	if started {
		metrics.ScansActive.Dec()
	}

	s.correlate()
	s.span.SetAttributes(attribute.Int("scan.events", s.store.Len()))
	s.span.End()
}

// -----------------------------------------------------------------------
// State
// -----------------------------------------------------------------------

func (s *session) setStateLocked(to State) (State, error) {
	from := s.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	s.state = to
	now := time.Now().UTC()
	switch {
	case from == StateCreated && to == StateRunning:
		s.startedAt = now
	case to.Terminal():
		s.endedAt = now
	}
	return from, nil
}

func (s *session) afterTransition(from, to State) {
	metrics.ScanTransitions.WithLabelValues(string(to)).Inc()
	if from == StateCreated && to == StateRunning {
		metrics.ScansActive.Inc()
	}
	s.logger.Info("scan state changed", "from", from, "to", to)
}

func (s *session) transition(to State) error {
	s.mu.Lock()
	from, err := s.setStateLocked(to)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.afterTransition(from, to)
	return nil
}

func (s *session) pause() error {
	s.mu.Lock()
	from, err := s.setStateLocked(StatePaused)
	if err == nil {
		s.paused = make(chan struct{})
		if s.popCancel != nil {
			s.popCancel()
			s.popCtx, s.popCancel = nil, nil
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.afterTransition(from, StatePaused)
	return nil
}

func (s *session) resume() error {
	s.mu.Lock()
	from, err := s.setStateLocked(StateRunning)
	if err == nil && s.paused != nil {
		close(s.paused)
		s.paused = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.afterTransition(from, StateRunning)
	return nil
}

// stop moves the scan to STOPPING and cancels its context. Stopping an already
// stopping scan is a no-op.
func (s *session) stop(reason string) error {
	s.mu.Lock()
	if s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	from, err := s.setStateLocked(StateStopping)
	if err == nil {
		s.stopReason = reason
		if s.paused != nil {
			close(s.paused)
			s.paused = nil
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.afterTransition(from, StateStopping)
	s.logger.Info("scan stop requested", "reason", reason)
	s.cancel()
	return nil
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) warn(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
	s.logger.Warn(msg)
}

// -----------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------

func (s *session) startModules() {
	for _, w := range s.order {
		if err := s.startInstance(w, w.mod); err != nil {
			s.disable(w, fmt.Sprintf("module %s failed to start: %v", w.name, err))
			continue
		}
		s.pool.Start(s.ctx, w.name)
	}
}

func (s *session) startInstance(w *moduleWorker, m module.Module) (err error) {
	st, ok := m.(module.Starter)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &module.PanicError{Module: w.name, Value: r}
		}
	}()
	ctx := s.ctx
	if s.conf.ModuleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.ModuleTimeout)
		defer cancel()
	}
	return st.Start(ctx)
}

// seed stores the root event and the typed target event. The extra in-flight unit
// keeps the scan from looking idle before both are routed.
func (s *session) seed() error {
	s.inflight.Add(1)
	defer s.release()

	root := event.NewRoot(s.req.Target)
	if _, err := s.accept(s.ctx, root, queue.High); err != nil {
		return fmt.Errorf("seed root event: %w", err)
	}
	if s.req.TargetType == event.Root {
		return nil
	}
	target, err := event.New(s.req.TargetType, s.req.Target, "", root)
	if err != nil {
		return fmt.Errorf("seed target event: %w", err)
	}
	if _, err := s.accept(s.ctx, target, queue.High); err != nil {
		return fmt.Errorf("seed target event: %w", err)
	}
	return nil
}

func (s *session) dispatch() {
	for {
		ctx, ok := s.dispatchContext()
		if !ok {
			return
		}
		it, err := s.queue.PopWhere(ctx, s.admits)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			continue // paused while waiting
		}
		w, ok := s.workers[it.Target]
		if !ok || w.disabled.Load() || !s.pool.Submit(it.Target, it) {
			s.release()
		}
	}
}

// admits reports whether an item for target may leave the queue now. A module gets
// one item at a time, so everything else stays in its lane where capacity, overflow
// policy and priority apply. Items for unknown or disabled modules are admitted so
// the dispatch loop can release them.
func (s *session) admits(target string) bool {
	w, ok := s.workers[target]
	if !ok || w.disabled.Load() {
		return true
	}
	return s.pool.Idle(target)
}

// dispatchContext waits out a pause and returns a context that is cancelled by the
// next pause, so a dispatch loop blocked in Pop notices it.
func (s *session) dispatchContext() (context.Context, bool) {
	for {
		s.mu.Lock()
		ch := s.paused
		if ch == nil {
			if s.ctx.Err() != nil {
				s.mu.Unlock()
				return nil, false
			}
			if s.popCtx == nil {
				s.popCtx, s.popCancel = context.WithCancel(s.ctx)
			}
			ctx := s.popCtx
			s.mu.Unlock()
			return ctx, true
		}
		s.mu.Unlock()
		select {
		case <-ch:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

// accept stores ev once per fingerprint and enqueues it for every consumer. It
// returns the stored event: ev itself, or the earlier event with the same
// fingerprint when ev is a duplicate. ctx bounds how long a block-policy push may
// wait for room.
func (s *session) accept(ctx context.Context, ev *event.Event, lane queue.Lane) (*event.Event, error) {
	stored, fresh, err := s.record(ev)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.stats.duplicates.Add(1)
		metrics.EventsDuplicate.Inc()
		return stored, nil
	}
	s.stats.produced.Add(1)
	metrics.EventsProduced.WithLabelValues(producerLabel(ev.Module)).Inc()
	if s.sink != nil {
		s.sink.Publish(s.ctx, s.id, ev)
	}

	for _, w := range s.order {
		if w.name == ev.Module || w.disabled.Load() || !w.desc.Watches(ev.Type) {
			continue
		}
		s.inflight.Add(1)
		err := s.queue.Push(ctx, queue.Item{Event: ev, Target: w.name, Lane: lane})
		if err == nil {
			continue
		}
		s.release()
		if s.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			// The scan is stopping.
			return ev, nil
		}
		s.stats.rejected.Add(1)
		s.logger.Warn("queue full, event not delivered", "module", w.name, "event", ev.Hash, "lane", lane, "err", err)
	}
	return ev, nil
}

// record puts ev in the store unless its fingerprint was seen before, in which case
// the first event with that fingerprint is returned with fresh false.
func (s *session) record(ev *event.Event) (stored *event.Event, fresh bool, err error) {
	fp := ev.Fingerprint()
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if orig, ok := s.seen[fp]; ok {
		return orig, false, nil
	}
	if err := s.store.Put(s.ctx, ev); err != nil {
		return nil, false, err
	}
	s.seen[fp] = ev
	return ev, true, nil
}

// pushContext bounds how long w's output may wait for queue room. Under the block
// policy a module waiting on a lane full of its own pending items would otherwise
// wait forever, since it cannot take the next one until it returns.
func (s *session) pushContext(w *moduleWorker) (context.Context, context.CancelFunc) {
	if d := s.timeoutFor(w); d > 0 {
		return context.WithTimeout(s.ctx, d)
	}
	return s.ctx, func() {}
}

func (s *session) timeoutFor(w *moduleWorker) time.Duration {
	if w.desc.Timeout > 0 {
		return w.desc.Timeout
	}
	return s.conf.ModuleTimeout
}

func (s *session) release() {
	if s.inflight.Add(-1) == 0 {
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}
}

func laneFor(d module.Descriptor) queue.Lane {
	switch {
	case d.HasFlag(module.FlagHighPriority):
		return queue.High
	case d.HasFlag(module.FlagLowPriority):
		return queue.Low
	}
	return queue.Normal
}

func producerLabel(name string) string {
	if name == "" {
		return "target"
	}
	return name
}

// -----------------------------------------------------------------------
// Invocation
// -----------------------------------------------------------------------

type invocation struct {
	out       []*event.Event
	err       error
	timedOut  bool
	abandoned bool
}

// handle runs one item on its module. It is the worker pool's process function, so
// calls for the same module never overlap. Only the handler call holds an execution
// slot; routing its output and restart backoff do not.
func (s *session) handle(_ context.Context, name string, it queue.Item) {
	defer s.release()
	w := s.workers[name]
	if w == nil || w.disabled.Load() || s.ctx.Err() != nil {
		return
	}

	var (
		r    invocation
		took time.Duration
	)
	if !s.pool.withSlot(s.ctx, func() {
		start := time.Now()
		r = s.invoke(w, it.Event)
		took = time.Since(start)
	}) {
		return
	}
	metrics.HandlerDuration.WithLabelValues(name).Observe(float64(took.Milliseconds()))
	s.stats.dispatched.Add(1)

	if len(r.out) > 0 {
		s.acceptProduced(w, it.Event, r.out)
	}

	var panicErr *module.PanicError
	status := "ok"
	switch {
	case r.timedOut:
		status = "timeout"
		s.stats.timeouts.Add(1)
		s.logger.Warn("module timed out", "module", name, "event", it.Event.Hash, "abandoned", r.abandoned)
		s.restart(w, it, r.err)
	case r.err == nil:
	case s.ctx.Err() != nil:
		status = "cancelled"
	case errors.As(r.err, &panicErr):
		status = "panic"
		s.stats.errors.Add(1)
		s.logger.Error("module panicked", "module", name, "event", it.Event.Hash, "err", r.err)
	case module.IsRetryable(r.err):
		status = "retry"
		s.logger.Warn("module failed, retrying", "module", name, "event", it.Event.Hash, "retries", it.Retries, "err", r.err)
		s.retry(w, it, r.err)
	default:
		status = "error"
		s.stats.errors.Add(1)
		s.logger.Error("module failed", "module", name, "event", it.Event.Hash, "err", r.err)
	}
	metrics.Dispatches.WithLabelValues(name, status).Inc()
}

// invoke calls HandleEvent under the module timeout. On expiry the call's context is
// cancelled; a handler that ignores it for longer than InterruptGrace is abandoned.
func (s *session) invoke(w *moduleWorker, ev *event.Event) invocation {
	ctx, span := s.tracer.Start(s.ctx, "module.handle", trace.WithAttributes(
		attribute.String("module", w.name),
		attribute.String("event.type", ev.Type),
	))
	defer span.End()

	timeout := s.timeoutFor(w)
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	mod := w.instance()
	ch := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invocation{err: &module.PanicError{Module: w.name, Value: r}}
			}
		}()
		out, err := mod.HandleEvent(callCtx, ev)
		ch <- invocation{out: out, err: err}
	}()

	var r invocation
	select {
	case r = <-ch:
	case <-callCtx.Done():
		select {
		case r = <-ch:
			// Finished as the deadline fired.
		default:
			grace := time.NewTimer(s.conf.InterruptGrace)
			select {
			case r = <-ch:
			case <-grace.C:
				r = invocation{
					err:       fmt.Errorf("module %s ignored interrupt for %s: %w", w.name, s.conf.InterruptGrace, callCtx.Err()),
					abandoned: true,
				}
			}
			grace.Stop()
		}
	}
	// A handler that returns a result (or its own error) inside the grace period is
	// taken at its word. Only abandonment or a deadline error counts as a timeout.
	r.timedOut = s.ctx.Err() == nil &&
		errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		(r.abandoned || errors.Is(r.err, context.DeadlineExceeded))

	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r
}

// acceptProduced routes a handler's output. Events hanging from an earlier event of
// the same batch that turned out to be a duplicate are moved under the stored
// original, so they keep a parent that exists in the store.
func (s *session) acceptProduced(w *moduleWorker, parent *event.Event, out []*event.Event) {
	ctx, cancel := s.pushContext(w)
	defer cancel()

	lane := laneFor(w.desc)
	moved := make(map[*event.Event]*event.Event)
	for _, ev := range out {
		err := validateProduced(w.name, parent, ev)
		if err == nil {
			in := ev
			if orig, ok := moved[ev.Source]; ok {
				in = ev.Reparent(orig)
			}
			var stored *event.Event
			stored, err = s.accept(ctx, in, lane)
			if err == nil && stored != ev {
				moved[ev] = stored
			}
		}
		if err != nil {
			s.stats.invalid.Add(1)
			metrics.EventsInvalid.WithLabelValues(w.name).Inc()
			s.logger.Warn("module produced an invalid event", "module", w.name, "err", err)
		}
	}
}

func validateProduced(producer string, parent, ev *event.Event) error {
	switch {
	case ev == nil:
		return errors.New("nil event")
	case ev.Module != producer:
		return fmt.Errorf("%s claims to come from module %q", ev, ev.Module)
	case ev.Source == nil:
		return fmt.Errorf("%s has no source event", ev)
	case ev.Source.Hash != parent.Hash && !ev.Source.HasAncestor(parent.Hash):
		return fmt.Errorf("%s does not descend from %s", ev, parent)
	}
	return nil
}

// retry puts it back on the queue; past MaxRetries it is dead-lettered.
func (s *session) retry(w *moduleWorker, it queue.Item, cause error) {
	ctx, cancel := s.pushContext(w)
	defer cancel()

	s.inflight.Add(1)
	err := s.queue.Requeue(ctx, it, cause)
	if err == nil {
		s.stats.retried.Add(1)
		return
	}
	s.release()
	switch {
	case errors.Is(err, queue.ErrDeadLettered):
		s.stats.deadLettered.Add(1)
		s.logger.Warn("retries exhausted, item dead-lettered", "module", it.Target, "event", it.Event.Hash, "err", cause)
	case s.ctx.Err() == nil && !errors.Is(err, queue.ErrClosed):
		s.stats.rejected.Add(1)
		s.logger.Warn("queue full, retry not queued", "module", it.Target, "event", it.Event.Hash, "err", err)
	}
}

// restart replaces a timed-out module with a fresh instance after a backoff delay,
// or disables it once MaxRestarts is exhausted. The timed-out item is retried.
func (s *session) restart(w *moduleWorker, it queue.Item, cause error) {
	w.mu.Lock()
	w.restarts++
	n := w.restarts
	delay := w.backoff.NextBackOff()
	w.mu.Unlock()

	if n > s.conf.MaxRestarts {
		s.disable(w, fmt.Sprintf("module %s disabled after %d timeouts", w.name, n))
		return
	}
	if delay == backoff.Stop {
		delay = s.conf.RestartBackoffMax
	}
	t := time.NewTimer(delay)
	select {
	case <-t.C:
	case <-s.ctx.Done():
		t.Stop()
		return
	}

	m, err := dag.Instantiate(w.name, w.factory, w.env)
	if err == nil {
		err = s.startInstance(w, m)
	}
	if err != nil {
		s.disable(w, fmt.Sprintf("module %s could not be restarted: %v", w.name, err))
		return
	}
	w.mu.Lock()
	w.mod = m
	w.mu.Unlock()
	s.stats.restarts.Add(1)
	metrics.ModuleRestarts.WithLabelValues(w.name).Inc()
	s.logger.Info("module restarted", "module", w.name, "restart", n, "delay", delay)
	s.retry(w, it, cause)
}

// disable stops routing to w for the rest of the scan and drops its pending work.
func (s *session) disable(w *moduleWorker, reason string) {
	if !w.disabled.CompareAndSwap(false, true) {
		return
	}
	for range s.pool.Discard(w.name) {
		s.release()
	}
	// Its queued items are now admitted for release.
	s.queue.Notify()
	metrics.ModulesDisabled.WithLabelValues(w.name).Inc()
	s.warn(reason)
}

// -----------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------

// correlate evaluates the current rule catalog over the stored events.
func (s *session) correlate() {
	if s.correlator == nil || s.rules == nil {
		return
	}
	cat := s.rules()
	if cat == nil {
		return
	}
	s.corrMu.Lock()
	results := s.correlator.Evaluate(s.id, s.store, cat)
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	s.corrMu.Unlock()

	if s.sink != nil && len(results) > 0 {
		s.sink.PublishResults(context.WithoutCancel(s.ctx), s.id, results)
	}
}

func (s *session) snapshot() *Scan {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := &Scan{
		ID:         s.id,
		Target:     s.req.Target,
		TargetType: s.req.TargetType,
		Modules:    append([]string(nil), s.load.Names...),
		State:      s.state,
		CreatedAt:  s.createdAt,
		Warnings:   append([]string(nil), s.warnings...),
		Queue:      s.queue.Stats(),
		Config:     s.conf,
		LoadResult: s.load,
		Failures:   s.load.FailureMessages(),
		Results:    s.results,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		sc.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		sc.EndedAt = &t
	}
	for _, w := range s.order {
		if w.disabled.Load() {
			sc.Disabled = append(sc.Disabled, w.name)
		}
	}
	sc.Stats = Stats{
		Events:       s.store.Len(),
		Produced:     s.stats.produced.Load(),
		Duplicates:   s.stats.duplicates.Load(),
		Invalid:      s.stats.invalid.Load(),
		Dispatched:   s.stats.dispatched.Load(),
		Errors:       s.stats.errors.Load(),
		Timeouts:     s.stats.timeouts.Load(),
		Retried:      s.stats.retried.Load(),
		DeadLettered: s.stats.deadLettered.Load(),
		Dropped:      s.stats.dropped.Load(),
		Rejected:     s.stats.rejected.Load(),
		Restarts:     s.stats.restarts.Load(),
		InFlight:     s.inflight.Load(),
	}
	return sc
}
