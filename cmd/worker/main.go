package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/ingest-worker/internal/api"
	"github.com/ignite/ingest-worker/internal/config"
	"github.com/ignite/ingest-worker/internal/pkg/distlock"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
	"github.com/ignite/ingest-worker/internal/repository/postgres"
	"github.com/ignite/ingest-worker/internal/storage"
	"github.com/ignite/ingest-worker/internal/worker"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("WORKER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactionEnabled())
	logger.SetBaseFields("service", "ingest-worker", "worker_id", cfg.Worker.ID)

	if err := run(cfg); err != nil {
		logger.Error("worker exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database")

	// Redis is optional; both interfaces stay nil when it is off.
	var (
		lockClient  redis.Cmdable
		progress    worker.ProgressPublisher
		healthRedis redis.Cmdable
	)
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		lockClient = rdb
		healthRedis = rdb
		progress = worker.NewRedisProgress(rdb)
		logger.Info("redis enabled", "purpose", "progress mirror, reaper lock")
	}

	store, err := storage.New(ctx, cfg.Storage, cfg.Worker.SignedURLExpiry())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	logger.Info("storage ready", "provider", cfg.Storage.Provider, "bucket", cfg.Storage.Bucket)

	repo := postgres.NewImportRepo(db, cfg.Worker.ID, cfg.Worker.StatementTimeout())

	ingestor := worker.NewIngestor(repo, worker.IngestorConfig{
		ChunkSize:         cfg.Worker.ChunkSize,
		MaxRows:           cfg.Worker.MaxRows,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
	})
	if progress != nil {
		ingestor.WithProgress(progress)
	}

	lock := distlock.NewLock(lockClient, worker.ReaperLockKey, worker.ReaperLockTTL)
	claimer := worker.NewClaimer(repo, lock, cfg.Worker.ID, cfg.Worker.ReaperThreshold(), cfg.Worker.MaxAttempts)
	loop := worker.NewLoop(cfg.Worker.ID, claimer, store, ingestor, cfg.Worker.PollInterval())

	hc := api.NewHealthChecker(db, healthRedis, store, loop.Status, cfg.Worker.ID, cfg.Worker.PollInterval())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           api.SetupRoutes(hc, cfg.Worker.HealthAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	logger.Info("worker starting",
		"poll_interval", cfg.Worker.PollInterval().String(),
		"reaper_threshold", cfg.Worker.ReaperThreshold().String(),
		"heartbeat_interval", cfg.Worker.HeartbeatInterval().String(),
		"max_attempts", cfg.Worker.MaxAttempts,
		"chunk_size", cfg.Worker.ChunkSize,
		"health_port", cfg.Worker.HealthPort,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	final := loop.Status()
	logger.Info("worker stopped",
		"batches_completed", final.BatchesCompleted,
		"batches_failed", final.BatchesFailed,
		"batches_aborted", final.BatchesAborted,
	)
	return err
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
