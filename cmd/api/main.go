package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/studioloop/backend/internal/audit"
	"github.com/studioloop/backend/internal/config"
	"github.com/studioloop/backend/internal/execution"
	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/logging"
	"github.com/studioloop/backend/internal/provider"
	"github.com/studioloop/backend/internal/repository"
	"github.com/studioloop/backend/internal/services"
	"github.com/studioloop/backend/internal/storage"
)

func main() {
	logger := logging.SetDefault()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	store := repository.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	policies, err := store.ListRefundPolicies(ctx)
	if err != nil {
		slog.Error("Failed to load refund policies", "error", err)
		os.Exit(1)
	}

	// Ledger, refunds and task tracking
	ledgerSvc := ledger.NewService(store, logger)
	refunds := services.NewRefundEngine(policies, ledgerSvc, store, logger)
	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
	}, logger)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	scheduler := execution.NewScheduler()

	tracker := services.NewTracker(store, refunds, providerClient, logger)
	tracker.Backoff = services.Backoff{Initial: cfg.PollInitialInterval, Max: cfg.PollMaxInterval}
	tracker.Horizon = cfg.PollHorizon
	tracker.PollTimeout = cfg.ProviderPollTimeout

	gateway := &services.Gateway{
		Guard:         services.NewGuard(store, cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		Ledger:        ledgerSvc,
		Tasks:         store,
		Tracker:       tracker,
		Provider:      providerClient,
		Scheduler:     scheduler,
		CallbackURL:   cfg.CallbackURL,
		SubmitTimeout: cfg.ProviderSubmitTimeout,
		Logger:        logger,
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewPollTaskWorker(tracker, scheduler, logger))
	river.AddWorker(workers, execution.NewMonthlyResetWorker(ledgerSvc, logger))
	river.AddWorker(workers, execution.NewReconcileWorker(audit.NewReconciler(store, logger), logger))
	river.AddWorker(workers, execution.NewSweepTasksWorker(tracker))

	if cfg.ArchiveEnabled() {
		archiver, err := newArchiver(cfg, store, logger)
		if err != nil {
			slog.Error("Failed to configure result archiving", "error", err)
			os.Exit(1)
		}
		river.AddWorker(workers, execution.NewArchiveResultWorker(archiver))
		tracker.Archive = scheduler
		slog.Info("Result archiving enabled", "bucket", cfg.S3Bucket)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.ReconcileInterval, cfg.SweepInterval),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	scheduler.SetInsertFunc(func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.Insert(ctx, args, opts)
		return err
	})

	handler, err := newRouter(cfg, gateway, store, ledgerSvc, tracker, logger)
	if err != nil {
		slog.Error("Failed to build HTTP routes", "error", err)
		os.Exit(1)
	}

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop", "error", err)
	}
}

func newArchiver(cfg config.Config, store *repository.Store, logger *slog.Logger) (*storage.Archiver, error) {
	scfg := storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	}
	client, err := storage.NewS3Client(scfg)
	if err != nil {
		return nil, err
	}
	return storage.NewArchiver(scfg, client, store, logger)
}
