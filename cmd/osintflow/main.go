package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/osintflow/internal/api"
	"github.com/gyaneshwarpardhi/osintflow/internal/config"
	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/engine"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
	"github.com/gyaneshwarpardhi/osintflow/internal/module/builtin"
	"github.com/gyaneshwarpardhi/osintflow/internal/sink"
)

func main() {
	cfgPath := flag.String("config", "configs/osintflow.yaml", "Path to YAML config (empty for defaults)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, slog.Default())
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	listenAddr := cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	logger := config.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)

	// ── Module registry ──────────────────────────────────────────────────────
	reg := module.NewRegistry(logger)
	builtin.Register(reg)
	if cfg.Modules.Manifest != "" {
		m, err := module.LoadManifest(cfg.Modules.Manifest)
		if err != nil {
			slog.Error("failed to load module manifest", "err", err)
			os.Exit(1)
		}
		for _, w := range reg.ApplyManifest(m) {
			slog.Warn("module manifest", "warning", w)
		}
	}
	slog.Info("modules registered", "count", reg.Len())

	// ── Correlation rules ────────────────────────────────────────────────────
	var (
		rules   api.RuleSource
		catalog *correlation.Catalog
		watcher *correlation.Watcher
	)
	if cfg.Correlation.RulesDir != "" {
		watcher, err = correlation.NewWatcher(cfg.Correlation.RulesDir, cfg.Correlation.Debounce, logger)
		if err != nil {
			slog.Error("failed to load correlation rules", "err", err)
			os.Exit(1)
		}
		rules = watcher
		catalog = watcher.Current()
		slog.Info("correlation rules loaded", "rules", catalog.Len(), "errors", len(catalog.Errors()))
	}

	// ── Event sink ───────────────────────────────────────────────────────────
	fanout := sink.NewFanout(cfg.Sink.Buffer, logger)
	var nc *nats.Conn
	if cfg.Sink.NATS.URL != "" {
		var pub *sink.NATSPublisher
		pub, nc, err = sink.Connect(cfg.Sink.NATS.URL, cfg.Sink.NATS.SubjectPrefix, logger)
		if err != nil {
			slog.Warn("nats unavailable (event publishing disabled)", "err", err)
		} else {
			fanout.Add(pub)
			slog.Info("publishing events to nats", "url", cfg.Sink.NATS.URL, "prefix", cfg.Sink.NATS.SubjectPrefix)
		}
	}

	// ── Event store ──────────────────────────────────────────────────────────
	var bolt *event.BoltDB
	if cfg.Store.Backend == "bolt" {
		bolt, err = event.OpenBolt(cfg.Store.Path)
		if err != nil {
			slog.Error("failed to open event store", "path", cfg.Store.Path, "err", err)
			os.Exit(1)
		}
		defer bolt.Close()
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	eng := engine.New(reg, cfg.Engine, engine.Options{
		Services:   module.DefaultServices(cfg.Modules.HTTPTimeout, cfg.Modules.UserAgent, cfg.Modules.CacheSize, cfg.Modules.CacheTTL),
		Queue:      cfg.Queue.QueueConfig(),
		Sink:       fanout,
		Bolt:       bolt,
		Correlator: correlation.NewEngine(cfg.Correlation.RegexCacheSize, logger),
		Rules:      catalog,
		Logger:     logger,
	})

	// ── Hot-reload watchers ──────────────────────────────────────────────────
	if watcher != nil {
		watcher.OnChange(func(cat *correlation.Catalog) {
			eng.SwapRules(cat)
			slog.Info("correlation rules hot-reloaded", "rules", cat.Len(), "errors", len(cat.Errors()))
		})
		if cfg.Correlation.Watch {
			stop, err := watcher.Watch()
			if err != nil {
				slog.Warn("rules watcher unavailable (hot-reload disabled)", "err", err)
			} else {
				defer stop()
			}
		}
	}
	if *cfgPath != "" {
		loader.OnChange(func(next *config.Config) {
			eng.SetConfig(next.Engine)
			slog.Info("engine config hot-reloaded", "workers", next.Engine.Workers,
				"module_timeout", next.Engine.ModuleTimeout, "max_restarts", next.Engine.MaxRestarts)
		})
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      api.New(eng, rules, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…", "active_scans", eng.Active())

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	if err := eng.Shutdown(shutCtx); err != nil {
		slog.Warn("scans still running at exit", "err", err)
	}
	fanout.Close()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Warn("nats drain", "err", err)
		}
	}
	slog.Info("goodbye")
}
