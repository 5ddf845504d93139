// Command server runs the endpoint monitoring control plane.
//
// # Usage
//
//	server --database postgres://localhost/payeshgar --listen :8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (PAYESHGAR_*)
// - Config file (YAML, via --config)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/payeshgar/endpoint-mon/db/migrate"
	"github.com/payeshgar/endpoint-mon/internal/api"
	"github.com/payeshgar/endpoint-mon/internal/cache"
	"github.com/payeshgar/endpoint-mon/internal/config"
	"github.com/payeshgar/endpoint-mon/internal/ingest"
	"github.com/payeshgar/endpoint-mon/internal/jobs"
	"github.com/payeshgar/endpoint-mon/internal/schedule"
	"github.com/payeshgar/endpoint-mon/internal/service"
	"github.com/payeshgar/endpoint-mon/internal/store"
	"github.com/payeshgar/endpoint-mon/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		listenAddr = flag.String("listen", "", "HTTP listen address")
		dbURL      = flag.String("database", "", "Database URL (postgres://...)")
		redisAddr  = flag.String("redis", "", "Redis address (host:port), empty disables queue and cache")
		agentAuth  = flag.Bool("enforce-agent-auth", false, "Reject submissions without a valid agent token")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("payeshgar-server v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()

	// Flags win over file and environment.
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "postgres://localhost:5432/payeshgar?sslmode=disable"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := service.NewService(db, logger)
	ingestor := ingest.NewIngestor(db, logger)
	generator := schedule.NewGenerator(db, schedule.Config{
		Horizon:      cfg.Scheduler.Horizon,
		SafetyMargin: cfg.Scheduler.SafetyMargin,
	}, logger)

	var (
		enqueuer      api.ResultEnqueuer
		trigger       worker.GenerateTrigger = worker.DirectTrigger{Generator: generator}
		responseCache *cache.Cache
		jobsClient    *jobs.Client
		jobsWorker    *jobs.Worker
	)

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		responseCache, err = cache.New(redisClient, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)

		jobsClient = jobs.NewClient(jobs.ClientConfig{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
		}, logger)
		defer jobsClient.Close()
		enqueuer = jobsClient
		trigger = jobsClient

		handler := jobs.NewTaskHandler(ingestor, generator, logger)
		jobsWorker = jobs.NewWorker(jobs.WorkerConfig{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			Concurrency:   cfg.Redis.WorkerConcurrency,
		}, handler, logger)

		go func() {
			if err := jobsWorker.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("job worker failed", "error", err)
				stop()
			}
		}()
	}

	scheduleWorker := worker.NewScheduleWorker(trigger, worker.ScheduleWorkerConfig{
		Interval: cfg.Scheduler.GenerateInterval,
	}, logger)
	scheduleWorker.Start(runCtx)
	defer scheduleWorker.Stop()

	apiServer := api.NewServer(svc, ingestor, db, enqueuer, responseCache, api.Options{
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		AgentAuthEnabled:  *agentAuth,
	}, logger)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
