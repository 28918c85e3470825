package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"giftext/internal/generation"
	"giftext/internal/pkg/logger"
	"giftext/internal/repositories"
	"giftext/internal/worker"
)

// WorkerStats reports the worker pool state.
type WorkerStats interface {
	Stats() worker.PoolStats
}

type Deps struct {
	Coordinator *generation.Coordinator
	Workers     WorkerStats
	// Generations is the outcome ledger. Optional.
	Generations repositories.GenerationStore
	// DB and RDB are only used by the deep health check. Either may be nil.
	DB      *pgxpool.Pool
	RDB     *redis.Client
	Log     *logger.Logger
	Version string
}

type Handler struct {
	coord       *generation.Coordinator
	workers     WorkerStats
	generations repositories.GenerationStore
	db          *pgxpool.Pool
	rdb         *redis.Client
	log         *logger.Logger
	version     string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		coord:       d.Coordinator,
		workers:     d.Workers,
		generations: d.Generations,
		db:          d.DB,
		rdb:         d.RDB,
		log:         log.WithComponent("http"),
		version:     version,
	}
}
