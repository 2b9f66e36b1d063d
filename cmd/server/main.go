package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automations/config"
	"github.com/liamcoop/automations/contextprovider"
	"github.com/liamcoop/automations/executor"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/metrics"
	"github.com/liamcoop/automations/rules"
	"github.com/liamcoop/automations/scheduler"
)

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("shutdown: close failed", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, cl *closers) (rules.RuleStore, func(context.Context) error, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		cl.add(db.Close)
		return rules.NewPostgresRuleStore(db), db.PingContext, nil

	case config.StoreSQLite:
		store, err := rules.NewSQLiteRuleStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		cl.add(store.Close)
		return store, nil, nil

	case config.StoreRemote:
		store := rules.NewHTTPRuleStore(cfg.RemoteURL, nil)
		health := func(ctx context.Context) error {
			_, err := store.ListUserIDs(ctx)
			return err
		}
		return store, health, nil

	case config.StoreMemory:
		return rules.NewInMemoryRuleStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func buildExecutor(cfg config.ExecutorConfig, cl *closers) (rules.Executor, error) {
	byKind := map[string]rules.Executor{}
	var all executor.Fanout
	for _, kind := range cfg.Kinds {
		var e rules.Executor
		switch kind {
		case config.ExecutorLog:
			e = executor.NewLogExecutor(nil)
		case config.ExecutorWebhook:
			e = executor.NewWebhookExecutor(cfg.WebhookURL, cfg.WebhookHeaders, cfg.WebhookTimeout)
		case config.ExecutorNATS:
			ne, err := executor.NewNATSExecutor(cfg.NATSURL, cfg.SubjectPrefix)
			if err != nil {
				return nil, err
			}
			cl.add(func() error { ne.Close(); return nil })
			e = ne
		default:
			return nil, fmt.Errorf("unknown executor kind %q", kind)
		}
		byKind[kind] = e
		all = append(all, e)
	}

	var fallback rules.Executor = all
	if len(all) == 1 {
		fallback = all[0]
	}
	if len(cfg.Routes) == 0 {
		return fallback, nil
	}

	router := executor.NewRouter(fallback)
	for action, kind := range cfg.Routes {
		ak, err := rules.ParseActionKind(action)
		if err != nil {
			return nil, err
		}
		e, ok := byKind[kind]
		if !ok {
			return nil, fmt.Errorf("route %s: executor %q is not configured", action, kind)
		}
		router.Route(ak, e)
	}
	return router, nil
}

func buildProvider(cfg *config.Config) (rules.ContextProvider, *contextprovider.Tracker) {
	loc := cfg.Location()
	if cfg.Context.Provider == config.ContextHTTP {
		return contextprovider.NewHTTPProvider(cfg.Context.ActivityURL, cfg.Context.Timeout, loc), nil
	}
	tracker := contextprovider.NewTracker(contextprovider.WithLocation(loc))
	return tracker, tracker
}

func run(ctx context.Context, cfg *config.Config) error {
	var cl closers
	defer cl.close()

	store, health, err := openStore(ctx, cfg.Store, &cl)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := metrics.RegisterLogCounters(reg); err != nil {
		return fmt.Errorf("failed to register log counters: %w", err)
	}

	exec, err := buildExecutor(cfg.Executor, &cl)
	if err != nil {
		return err
	}

	evaluator := rules.NewConditionEvaluator(rules.NewInMemoryProgramCache(rules.CacheConfig{
		MaxEntries: cfg.Engine.ProgramCacheSize,
	}))
	engineOpts := []rules.EngineOption{
		rules.WithEvaluator(evaluator),
		rules.WithExecutorTimeout(cfg.Engine.ExecutorTimeout),
		rules.WithScheduleLookback(cfg.Engine.ScheduleLookback),
		rules.WithObserver(m),
	}
	if !cfg.Engine.CheckWriteBackVersion {
		engineOpts = append(engineOpts, rules.WithUnconditionedWriteBack())
	}
	engine := rules.NewEngine(store, exec, engineOpts...)
	manager := rules.NewManager(store, rules.WithPolicy(cfg.Policy()))
	provider, tracker := buildProvider(cfg)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		opts := []scheduler.Option{
			scheduler.WithInterval(cfg.Scheduler.Interval),
			scheduler.WithMaxConcurrentUsers(cfg.Scheduler.MaxConcurrentUsers),
			scheduler.WithRetry(cfg.Scheduler.RetryAttempts, cfg.Scheduler.RetryInitial),
			scheduler.WithObserver(m),
		}
		if lister, ok := store.(rules.UserLister); ok {
			opts = append(opts, scheduler.WithUserLister(lister))
		}
		sched = scheduler.New(engine, provider, opts...)
	}

	server := NewServer(Dependencies{
		Store:           store,
		Manager:         manager,
		Engine:          engine,
		Provider:        provider,
		Tracker:         tracker,
		Scheduler:       sched,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:          health,
		PassesPerSecond: cfg.RateLimit.PassesPerSecond,
		PassBurst:       cfg.RateLimit.Burst,
		RequestTimeout:  cfg.Server.RequestTimeout,
	})

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	schedDone := make(chan struct{})
	if sched != nil {
		go func() {
			defer close(schedDone)
			_ = sched.Run(runCtx)
		}()
	} else {
		close(schedDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"executors", cfg.Executor.Kinds,
			"context_provider", cfg.Context.Provider,
			"scheduler", cfg.Scheduler.Enabled,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	<-schedDone
	logger.Info("server stopped")
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("AUTOMATIONS_CONFIG"), "Path to YAML configuration file (env: AUTOMATIONS_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Setup(ctx, cfg.LoggerOptions()); err != nil {
		logger.Warn("logger setup incomplete", "error", err)
	}

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = logger.Shutdown(shutdownCtx)
}
