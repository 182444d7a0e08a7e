package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dandantas/gatekeeper/internal/config"
	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/database"
	"github.com/dandantas/gatekeeper/internal/handler"
	"github.com/dandantas/gatekeeper/internal/ingress"
	"github.com/dandantas/gatekeeper/internal/reaper"
	"github.com/dandantas/gatekeeper/internal/store"
	"github.com/dandantas/gatekeeper/internal/webhook"
	"github.com/dandantas/gatekeeper/internal/worker"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Gatekeeper", "version", version, "store_backend", cfg.StoreBackend)

	if err := run(cfg); err != nil {
		slog.Error("Gatekeeper stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Gatekeeper stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	// Egress: HTTP dispatcher when a URL is configured, structured log otherwise
	var (
		emitter      coordinator.Emitter
		circuitState func() string
	)
	if target, ok := cfg.EgressTarget(); ok {
		if err := target.Validate(); err != nil {
			return err
		}
		breaker := webhook.NewCircuitBreaker(webhook.CircuitBreakerConfig{
			FailureThreshold: cfg.EgressCircuitFailures,
			OpenTimeout:      cfg.EgressCircuitOpenAfter,
		})
		dispatcher := webhook.NewDispatcher(target, cfg.EgressTimeout, backend.Emissions, breaker)
		emitter = dispatcher
		circuitState = dispatcher.CircuitState
		slog.Info("Delivering coverage ratio events over HTTP", "target_url", target.URL)
	} else {
		emitter = webhook.NewLogEmitter(backend.Emissions)
		slog.Warn("EGRESS_URL not set, coverage ratio events are only logged")
	}

	coord := coordinator.New(backend.Runs, emitter, coordinator.Options{
		RunTimeout:         cfg.RunTimeout,
		TombstoneRetention: cfg.TombstoneRetention,
		DeliveryLeaseTTL:   cfg.DeliveryLeaseTTL,
		SkillPolicy:        cfg.SkillPolicy(),
		InstanceID:         cfg.InstanceID,
	})

	normalizer, err := ingress.NewNormalizer(cfg.Selectors(), cfg.IngressKindPrefix)
	if err != nil {
		return err
	}

	pool := worker.NewWorkerPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, coord.Handle)
	pool.Start()
	defer pool.Stop()

	var sweeper *reaper.Reaper
	if cfg.ReaperEnabled {
		sweeper = reaper.New(backend.Runs, backend.Locks, coord, reaper.Config{
			Schedule:    cfg.ReaperSchedule,
			LockTTL:     cfg.ReaperLockTTL,
			RunTimeout:  cfg.RunTimeout,
			BatchSize:   cfg.ReaperBatchSize,
			Concurrency: cfg.ReaperConcurrency,
		})
	} else {
		slog.Info("Reaper is disabled by configuration")
	}

	router := handler.NewRouter(
		handler.NewEventHandler(normalizer, coord, pool, cfg.HTTPMaxBodyBytes, cfg.BatchMaxItems, cfg.BatchMaxBodyBytes),
		handler.NewRunHandler(backend.Runs, coord),
		handler.NewEmissionHandler(backend.Emissions),
		handler.NewHealthHandler(backend.Runs, cfg.StoreBackend, circuitState, pool.GetJobQueueLength, version),
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if sweeper != nil {
		if err := sweeper.Start(gctx); err != nil {
			return fmt.Errorf("failed to start reaper: %w", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal, initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sweeper != nil {
			slog.Info("Stopping reaper...")
			sweeper.Stop(shutdownCtx)
		}

		slog.Info("Shutting down HTTP server...")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openBackend connects the configured store and prepares its schema
func openBackend(ctx context.Context, cfg *config.Config) (*store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		if err := database.CreateIndexes(ctx, db); err != nil {
			_ = db.Disconnect(context.Background())
			return nil, err
		}
		return database.NewMongoBackend(db, cfg.StoreMaxRetries), nil

	case config.BackendPostgres:
		pg, err := database.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close(context.Background())
			return nil, err
		}
		return database.NewPostgresBackend(pg, cfg.StoreMaxRetries), nil

	default:
		slog.Warn("Using in-memory store; run state is lost on restart")
		return store.NewMemoryBackend(), nil
	}
}
