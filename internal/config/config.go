// Package config loads service configuration from the environment, with an
// optional JSON file for the external binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"

	"giftext/internal/httpkit"
	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
)

// workerMemory is the memory budget of one worker process, used to derive
// the default pool ceiling.
const workerMemory = 64 << 20

type Config struct {
	HTTPPort    string
	RedisAddr   string
	DatabaseURL string

	WorkerBin  string
	EncoderBin string

	PoolWarm          int
	PoolMaxWorkers    int
	RenderConcurrency int

	FrameCount    int
	FrameWidth    int
	FrameHeight   int
	FrameDelay    int
	PaletteColors int

	CacheTTL          time.Duration
	CacheMaxEntries   int
	GenerationTimeout time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	Log logger.Config
}

// fileConfig is the optional CONFIG_FILE. Keys are the binary names.
type fileConfig struct {
	Worker   string `json:"worker"`
	Gifsicle string `json:"gifsicle"`
}

// Load reads the configuration. Environment variables win over CONFIG_FILE,
// which wins over the defaults. A missing CONFIG_FILE is not an error.
func Load() (*Config, error) {
	file, err := readFile(Env("CONFIG_FILE", "config.json"))
	if err != nil {
		return nil, err
	}

	warm := IntEnv("POOL_WARM", runtime.NumCPU()+1)

	cfg := &Config{
		HTTPPort:    Env("HTTP_PORT", Env("PORT", "8080")),
		RedisAddr:   Env("REDIS_ADDR", ""),
		DatabaseURL: Env("DATABASE_URL", ""),

		WorkerBin:  Env("WORKER_BIN", orDefault(file.Worker, "giftext-worker")),
		EncoderBin: Env("ENCODER_BIN", orDefault(file.Gifsicle, "gifsicle")),

		PoolWarm:          warm,
		PoolMaxWorkers:    IntEnv("POOL_MAX_WORKERS", DefaultPoolMax(warm)),
		RenderConcurrency: IntEnv("RENDER_CONCURRENCY", runtime.NumCPU()),

		FrameCount:    IntEnv("FRAME_COUNT", 24),
		FrameWidth:    IntEnv("FRAME_WIDTH", 400),
		FrameHeight:   IntEnv("FRAME_HEIGHT", 150),
		FrameDelay:    IntEnv("FRAME_DELAY", 8),
		PaletteColors: IntEnv("PALETTE_COLORS", 256),

		CacheTTL:          DurationEnv("CACHE_TTL", 600*time.Second),
		CacheMaxEntries:   IntEnv("CACHE_MAX_ENTRIES", 1024),
		GenerationTimeout: DurationEnv("GENERATION_TIMEOUT", 60*time.Second),

		RateLimitRPS:   FloatEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst: IntEnv("RATE_LIMIT_BURST", 100),

		CORSAllowedOrigins: httpkit.SplitCSV(Env("CORS_ALLOWED_ORIGINS", "*")),

		Log: logger.Config{
			Level:       Env("LOG_LEVEL", "info"),
			Format:      Env("LOG_FORMAT", "json"),
			ServiceName: Env("SERVICE_NAME", "giftext"),
			AddSource:   BoolEnv("LOG_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a generation.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		ok    bool
		msg   string
	}{
		{"HTTP_PORT", c.HTTPPort != "", "must be set"},
		{"WORKER_BIN", c.WorkerBin != "", "must be set"},
		{"ENCODER_BIN", c.EncoderBin != "", "must be set"},
		{"POOL_WARM", c.PoolWarm >= 0, "must not be negative"},
		{"POOL_MAX_WORKERS", c.PoolMaxWorkers >= 0, "must not be negative (0 means no ceiling)"},
		{"POOL_MAX_WORKERS", c.PoolMaxWorkers == 0 || c.PoolMaxWorkers >= c.PoolWarm, "must not be below POOL_WARM"},
		{"RENDER_CONCURRENCY", c.RenderConcurrency > 0, "must be positive"},
		{"FRAME_COUNT", c.FrameCount > 0 && c.FrameCount <= 1000, "must be in 1..1000"},
		{"FRAME_WIDTH", c.FrameWidth > 0 && c.FrameWidth <= 2048, "must be in 1..2048"},
		{"FRAME_HEIGHT", c.FrameHeight > 0 && c.FrameHeight <= 2048, "must be in 1..2048"},
		{"FRAME_DELAY", c.FrameDelay > 0, "must be positive"},
		{"PALETTE_COLORS", c.PaletteColors >= 2 && c.PaletteColors <= 256, "must be in 2..256"},
		{"CACHE_TTL", c.CacheTTL > 0, "must be positive"},
		{"CACHE_MAX_ENTRIES", c.CacheMaxEntries > 0, "must be positive"},
		{"GENERATION_TIMEOUT", c.GenerationTimeout > 0, "must be positive"},
		{"RATE_LIMIT_RPS", c.RateLimitRPS >= 0, "must not be negative (0 disables rate limiting)"},
		{"RATE_LIMIT_BURST", c.RateLimitBurst > 0 || c.RateLimitRPS == 0, "must be positive"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return errors.ValidationField(chk.field, chk.msg)
		}
	}
	return nil
}

// DefaultPoolMax derives a worker ceiling from the host: four workers per
// CPU, bounded by memory and by the process limit, never below warm.
func DefaultPoolMax(warm int) int {
	limit := 4*runtime.NumCPU() + 1
	if total := memory.TotalMemory(); total > 0 {
		if byMem := int(total / workerMemory); byMem < limit {
			limit = byMem
		}
	}
	if nproc := processLimit(); nproc > 0 {
		if byProc := int(nproc / 4); byProc < limit {
			limit = byProc
		}
	}
	if limit < warm {
		limit = warm
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fc, nil
	}
	if err != nil {
		return fc, errors.Wrap(err, "config.read_file", fmt.Sprintf("reading %s", path))
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return fc, errors.WrapWithCode(err, errors.CodeValidation, "config.read_file", fmt.Sprintf("parsing %s", path))
	}
	return fc, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Env gets an environment variable with a default value.
func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// IntEnv reads an env var as int. If empty or invalid, returns def.
func IntEnv(k string, def int) int {
	v := Env(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// FloatEnv reads an env var as float64. If empty or invalid, returns def.
func FloatEnv(k string, def float64) float64 {
	v := Env(k, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// BoolEnv reads an env var as bool. If empty or invalid, returns def.
// strconv.ParseBool accepts: 1,t,T,TRUE,true,True,0,f,F,FALSE,false,False.
func BoolEnv(k string, def bool) bool {
	v := Env(k, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// DurationEnv reads an env var as a time.Duration ("90s", "2m"). A bare
// integer is taken as seconds. If empty or invalid, returns def.
func DurationEnv(k string, def time.Duration) time.Duration {
	v := Env(k, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
