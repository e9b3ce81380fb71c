package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/osintflow/internal/config"
	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/dag"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

// Publisher receives a scan's accepted events and, once it has ended, its
// correlation results. sink.Fanout implements it.
type Publisher interface {
	Publish(ctx context.Context, scanID string, ev *event.Event)
	PublishResults(ctx context.Context, scanID string, results []correlation.Result)
}

// Options are the collaborators shared by every scan.
type Options struct {
	Services   module.Services
	Queue      queue.Config
	Sink       Publisher
	Bolt       *event.BoltDB // nil keeps events in memory
	Correlator *correlation.Engine
	Rules      *correlation.Catalog
	Logger     *slog.Logger
}

// Engine runs scans against the module registry.
type Engine struct {
	reg    *module.Registry
	conf   config.EngineConf
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	rules  atomic.Pointer[correlation.Catalog]

	mu      sync.RWMutex
	scans   map[string]*session
	closing bool
}

// New creates an Engine. conf is the base for every scan; requests may override it.
func New(reg *module.Registry, conf config.EngineConf, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Correlator == nil {
		opts.Correlator = correlation.NewEngine(0, opts.Logger)
	}
	e := &Engine{
		reg:    reg,
		conf:   conf,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer("github.com/gyaneshwarpardhi/osintflow/internal/engine"),
		scans:  make(map[string]*session),
	}
	e.rules.Store(opts.Rules)
	return e
}

// SwapRules atomically replaces the rule catalog (used on hot-reload). Scans that
// end afterwards correlate against the new catalog.
func (e *Engine) SwapRules(cat *correlation.Catalog) {
	e.rules.Store(cat)
}

// SetConfig replaces the base configuration of scans started from now on.
func (e *Engine) SetConfig(conf config.EngineConf) {
	e.mu.Lock()
	e.conf = conf
	e.mu.Unlock()
}

// Rules returns the current rule catalog, possibly nil.
func (e *Engine) Rules() *correlation.Catalog {
	return e.rules.Load()
}

// StartScan resolves the module set for req and starts the scan in the background.
// The scan outlives ctx; use Stop to end it.
func (e *Engine) StartScan(ctx context.Context, req ScanRequest) (*Scan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	closing, base := e.closing, e.conf
	e.mu.RUnlock()
	if closing {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	logger := e.logger.With("scan_id", id)
	conf := base.WithOverrides(req.Overrides)

	store, err := e.openStore(id)
	if err != nil {
		return nil, err
	}
	load := dag.Resolve(e.reg, dag.Request{
		Modules:  req.Modules,
		Desired:  req.Desired,
		Services: e.opts.Services,
	}, logger)

	s := newSession(ctx, id, req, conf, load, store, sessionDeps{
		queue:      e.opts.Queue,
		sink:       e.opts.Sink,
		correlator: e.opts.Correlator,
		rules:      e.rules.Load,
		tracer:     e.tracer,
		logger:     logger,
	})

	e.mu.Lock()
	e.scans[id] = s
	e.mu.Unlock()

	logger.Info("scan created", "target", req.Target, "target_type", req.TargetType,
		"modules", load.Names, "pruned", load.Pruned, "method", load.Method)
	go s.run()
	return s.snapshot(), nil
}

func (e *Engine) openStore(id string) (event.Store, error) {
	if e.opts.Bolt == nil {
		return event.NewMemoryStore(), nil
	}
	st, err := e.opts.Bolt.Store(id)
	if err != nil {
		return nil, fmt.Errorf("open store for scan %s: %w", id, err)
	}
	return st, nil
}

func (e *Engine) session(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return s, nil
}

// Get returns a snapshot of scan id.
func (e *Engine) Get(id string) (*Scan, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// List returns snapshots of every known scan, oldest first.
func (e *Engine) List() []*Scan {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.scans))
	for _, s := range e.scans {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	out := make([]*Scan, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop aborts a scan: no new work is dispatched, queued work is discarded and
// in-flight handlers are given their interrupt grace to return.
func (e *Engine) Stop(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	return s.stop("stop requested")
}

// Pause halts dispatch of a running scan. Handlers already running finish.
func (e *Engine) Pause(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	return s.pause()
}

// Resume continues a paused scan.
func (e *Engine) Resume(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	return s.resume()
}

// Wait blocks until scan id has reached a terminal state and been correlated.
func (e *Engine) Wait(ctx context.Context, id string) (*Scan, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return s.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the stored events of scan id.
func (e *Engine) Events(id string, f event.Filter) ([]*event.Event, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	return s.store.All(f), nil
}

// Results returns the correlation results of scan id. They are empty until the scan
// has ended.
func (e *Engine) Results(id string) (correlation.Results, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, nil
}

// DeadLetters returns the work items of scan id whose retries were exhausted.
func (e *Engine) DeadLetters(id string) ([]queue.Item, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	return s.queue.DeadLetters(), nil
}

// SetFalsePositive flags (or unflags) an event and its descendants. For a scan that
// has already ended the correlations are recomputed.
func (e *Engine) SetFalsePositive(id, hash string, fp bool) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	if err := s.store.SetFalsePositive(hash, fp); err != nil {
		return err
	}
	select {
	case <-s.done:
		s.correlate()
	default:
	}
	return nil
}

// Delete forgets an ended scan and its stored events.
func (e *Engine) Delete(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
	default:
		return fmt.Errorf("%w: %s is %s", ErrScanActive, id, s.currentState())
	}

	e.mu.Lock()
	delete(e.scans, id)
	e.mu.Unlock()

	if err := s.store.Close(); err != nil {
		e.logger.Warn("closing scan store", "scan_id", id, "err", err)
	}
	if e.opts.Bolt != nil {
		if err := e.opts.Bolt.DeleteScan(id); err != nil {
			return fmt.Errorf("delete scan %s: %w", id, err)
		}
	}
	e.logger.Info("scan deleted", "scan_id", id)
	return nil
}

// Shutdown stops every active scan and waits for them to end or ctx to expire.
// New scans are refused from now on.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	sessions := make([]*session, 0, len(e.scans))
	for _, s := range e.scans {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if !s.currentState().Terminal() {
			_ = s.stop("engine shutdown")
		}
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("engine shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// Active returns how many scans have not ended yet.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.scans {
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}

// Accepting reports whether StartScan still takes new scans.
func (e *Engine) Accepting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closing
}
