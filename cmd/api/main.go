package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"giftext/internal/cache"
	"giftext/internal/config"
	"giftext/internal/encoder"
	"giftext/internal/generation"
	"giftext/internal/httpapi"
	"giftext/internal/pkg/logger"
	"giftext/internal/pkg/shutdown"
	"giftext/internal/repositories"
	"giftext/internal/worker"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := logger.New(cfg.Log)
	log.Info("starting giftext",
		"version", version,
		"pool_warm", cfg.PoolWarm,
		"pool_max_workers", cfg.PoolMaxWorkers,
	)

	ctx := context.Background()

	// Handlers run last registered first: the HTTP server stops before the
	// generations it serves, which stop before the pool and the stores.
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	// Cache: redis when configured and reachable, in-process otherwise.
	var (
		gw  cache.Gateway
		rdb *redis.Client
	)
	if cfg.RedisAddr != "" {
		log.Info("connecting to Redis", "addr", cfg.RedisAddr)
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("Redis unreachable, using in-process cache", "error", err.Error())
			_ = rdb.Close()
			rdb = nil
		} else {
			log.Info("Redis connected")
			gw = cache.NewRedis(rdb)
			shutdownMgr.Register("redis", func(ctx context.Context) error {
				return rdb.Close()
			})
		}
	}
	if gw == nil {
		mem := cache.NewMemoryWithLimit(cfg.CacheMaxEntries)
		sweepCtx, stopSweep := context.WithCancel(ctx)
		go mem.RunSweeper(sweepCtx, time.Minute)
		shutdownMgr.RegisterSimple("memory-cache", stopSweep)
		gw = mem
	}

	// Generation ledger: PostgreSQL when configured, in-process otherwise.
	var (
		store repositories.GenerationStore
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.Register("postgres", func(ctx context.Context) error {
			pool.Close()
			return nil
		})
		repo := repositories.NewGenerationRepository(pool)
		if err := repo.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			log.LogFatal("failed to migrate generations table", err)
		}
		log.Info("PostgreSQL connected")
		store = repo
	} else {
		store = repositories.NewMemoryGenerationRepository(0)
	}

	// Workers
	workers := worker.NewPool(&worker.ProcessSpawner{
		Path: cfg.WorkerBin,
		Env:  []string{"LOG_LEVEL=" + cfg.Log.Level},
		Log:  log,
	}, cfg.PoolMaxWorkers, log)
	shutdownMgr.Register("worker-pool", func(ctx context.Context) error {
		return workers.Close()
	})
	workers.Warm(ctx, cfg.PoolWarm)

	pipeline := generation.NewPipeline(generation.PipelineDeps{
		Frames: worker.NewScheduler(workers, cfg.RenderConcurrency, log),
		Encoder: encoder.New(encoder.Options{
			Path:   cfg.EncoderBin,
			Delay:  cfg.FrameDelay,
			Colors: cfg.PaletteColors,
		}, log),
		Count:  cfg.FrameCount,
		Width:  cfg.FrameWidth,
		Height: cfg.FrameHeight,
		Log:    log,
	})

	baseCtx, cancelGenerations := context.WithCancel(ctx)
	coord := generation.New(baseCtx, generation.Deps{
		Cache:    gw,
		Renderer: pipeline,
		Store:    store,
		TTL:      cfg.CacheTTL,
		Timeout:  cfg.GenerationTimeout,
		Frames:   cfg.FrameCount,
		Log:      log,
	})
	shutdownMgr.Register("generations", func(ctx context.Context) error {
		defer cancelGenerations()
		if err := coord.Wait(ctx); err != nil {
			log.Warn("abandoning running generations", "in_flight", coord.InFlight())
			return err
		}
		return nil
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Coordinator: coord,
		Workers:     workers,
		Generations: store,
		DB:          pool,
		RDB:         rdb,
		Log:         log,
		Version:     version,
	}, httpapi.Options{
		Limiter:     limiter,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:        "0.0.0.0:" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// A streamed response lasts as long as its generation.
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		log.Error("shutdown completed with errors", "error", err.Error())
		os.Exit(1)
	}
}
