// Command server runs the pipeline orchestrator: the REST API, the
// scheduling engine, the timeout sweeper, the trigger poller, and the
// subscription delivery manager, all against a shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meridianhq/orchestrator/action"
	"github.com/meridianhq/orchestrator/config"
	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/handlers"
	"github.com/meridianhq/orchestrator/metrics"
	"github.com/meridianhq/orchestrator/store"
	"github.com/meridianhq/orchestrator/subscription"
	"github.com/meridianhq/orchestrator/trigger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores. Postgres gets the resilience wrapper on its execution store;
	// the in-memory store is for development and tests.
	var (
		defs     store.DefinitionStore
		execs    store.ExecutionStore
		progress store.ProgressStore
		subStore store.SubscriptionStore
		trigSt   store.TriggerStore
		breaker  *store.CircuitBreaker
	)
	if cfg.Store.PostgresURL != "" {
		pg, err := store.NewPGStore(ctx, store.PGConfig{
			URL:      cfg.Store.PostgresURL,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		if err := store.Migrate(ctx, pg.Pool()); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		breaker = store.NewCircuitBreaker(
			cfg.Store.BreakerFailureThreshold,
			cfg.Store.BreakerSuccessThreshold,
			cfg.Store.BreakerCooldown,
		)
		guard := store.NewGuard(cfg.Store.Retry, breaker, logger)
		defs = pg.Definitions()
		execs = store.NewResilientExecutionStore(pg.Executions(), guard)
		progress = pg.Progress()
		subStore = pg.Subscriptions()
		trigSt = pg.Triggers()
		logger.Info("using postgres store", "max_conns", cfg.Store.MaxConns)
	} else {
		mem := store.NewMemoryStore()
		defs, execs, progress, subStore, trigSt = mem, mem, mem, mem, mem
		logger.Warn("using in-memory store; state is lost on restart")
	}

	registry := action.NewRegistry()
	if err := registerActions(registry); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}
	registry.Seal()

	collector := metrics.New(breaker)

	// Subscription delivery.
	var pub subscription.Publisher
	var nc *nats.Conn
	switch cfg.Subscriptions.Publisher {
	case "nats":
		nc, err = nats.Connect(cfg.Subscriptions.NATSURL, nats.Name("orchestrator"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		pub = subscription.NewNATSPublisher(nc)
	case "http":
		pub = subscription.NewHTTPPublisher(cfg.Subscriptions.HTTP, nil)
	default:
		pub = logPublisher{logger: logger}
	}
	subs := subscription.NewManager(subStore, pub, logger)

	eng := engine.New(defs, execs, progress, registry, engine.Config{
		MaxParallelSteps: cfg.Engine.MaxParallelSteps,
		CallbackURL:      cfg.Server.CallbackURL,
		Logger:           logger,
		Notifier:         subs,
		Observer:         collector,
	})
	go eng.Run(ctx)
	eng.StartSweeper(ctx, cfg.Engine.SweepInterval)
	if cfg.Engine.RetentionAge > 0 {
		eng.StartRetention(ctx, cfg.Engine.RetentionSweep, cfg.Engine.RetentionAge)
	}

	triggers := trigger.NewManager(trigSt, eng, logger)
	go triggers.RunPoller(ctx, cfg.Triggers.PollInterval)
	if nc != nil {
		go func() {
			if err := triggers.ListenEvents(ctx, trigger.NewNATSSource(nc)); err != nil {
				logger.Error("event listener stopped", "error", err)
			}
		}()
	}

	api := handlers.NewServer(defs, execs, progress, eng, triggers, subs, logger)
	mux := api.Routes()
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Let in-flight subscription deliveries finish.
	subs.Wait()
	return nil
}

// registerActions installs the built-in action types. Deployments with
// custom back-ends register external task executors here, driven by
// environment configuration.
func registerActions(r *action.Registry) error {
	if err := r.Register(action.Descriptor{
		Type:           "noop",
		Mode:           action.ModeSync,
		DefaultTimeout: time.Minute,
		Idempotent:     true,
		Executor:       action.NoopExecutor{},
	}); err != nil {
		return err
	}
	if err := r.Register(action.Descriptor{
		Type:           "http_call",
		Mode:           action.ModeSync,
		DefaultTimeout: time.Minute,
		ParamSchema: map[string]action.ParamSpec{
			"url": {Type: "string", Required: true},
		},
		Executor: &action.HTTPCallExecutor{},
	}); err != nil {
		return err
	}
	if submitURL := os.Getenv("ORCHESTRATOR_EXTERNAL_SUBMIT_URL"); submitURL != "" {
		if err := r.Register(action.Descriptor{
			Type:           "external_task",
			Mode:           action.ModeEventDriven,
			DefaultTimeout: 30 * time.Minute,
			Executor: &action.ExternalTaskExecutor{
				SubmitURL:   submitURL,
				CancelURL:   os.Getenv("ORCHESTRATOR_EXTERNAL_CANCEL_URL"),
				HandlerType: "external_task",
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// logPublisher is the default delivery transport: transitions are logged
// instead of sent anywhere. Useful for development.
type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.logger.Info("subscription delivery", "topic", topic, "payload", string(payload))
	return nil
}
