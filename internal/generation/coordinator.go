package generation

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"giftext/internal/cache"
	"giftext/internal/models"
	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
	"giftext/internal/repositories"
)

const (
	defaultTimeout    = 60 * time.Second
	cacheWriteTimeout = 2 * time.Second
	ledgerTimeout     = 5 * time.Second
)

// Renderer produces the encoded animation for a key, streaming it to live
// while it is produced.
type Renderer interface {
	Render(ctx context.Context, key string, live io.Writer) ([]byte, error)
}

type Deps struct {
	Cache    cache.Gateway
	Renderer Renderer
	// Store records generation outcomes. Optional.
	Store repositories.GenerationStore
	// TTL of cache entries. Defaults to cache.DefaultTTL.
	TTL time.Duration
	// Timeout bounds one generation.
	Timeout time.Duration
	// Frames is recorded with each generation.
	Frames int
	Log    *logger.Logger
}

// Result is delivered once to every waiter of a generation.
type Result struct {
	Payload []byte
	Err     error
}

// Ticket is a waiter's handle on a generation.
type Ticket struct {
	// Leader is true for the request that started the generation; its live
	// writer receives the output while it is encoded.
	Leader bool
	// ID of the generation.
	ID   string
	done chan Result
}

// Wait returns the generation result, or ctx's error if ctx ends first.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type record struct {
	id      string
	started time.Time
	waiters []chan Result
}

// Stats are coordinator counters since start.
type Stats struct {
	InFlight    int   `json:"in_flight"`
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Joined      int64 `json:"joined"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// Coordinator makes sure at most one generation runs per key. Requests for a
// key that is being generated wait for that generation instead of starting
// another one.
type Coordinator struct {
	cache    cache.Gateway
	renderer Renderer
	store    repositories.GenerationStore
	ttl      time.Duration
	timeout  time.Duration
	frames   int
	log      *logger.Logger

	base context.Context
	wg   sync.WaitGroup

	// mu guards active. Joining a record and detaching it for notification
	// both happen under mu, so a waiter is either notified or never joined.
	mu     sync.Mutex
	active map[string]*record

	started, completed, failed, joined atomic.Int64
	hits, misses                       atomic.Int64
}

// New creates a coordinator. Generations run under base: canceling it fails
// every running generation.
func New(base context.Context, d Deps) *Coordinator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		cache:    d.Cache,
		renderer: d.Renderer,
		store:    d.Store,
		ttl:      ttl,
		timeout:  timeout,
		frames:   d.Frames,
		log:      log.WithComponent("coordinator"),
		base:     base,
		active:   make(map[string]*record),
	}
}

// Lookup returns the cached animation for key. Cache errors count as a miss.
func (c *Coordinator) Lookup(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.FromContext(ctx).Warn("cache read failed, treating as miss", "key", key, "error", err.Error())
		ok = false
	}
	if !ok || len(val) == 0 {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// JoinOrStart registers the caller as a waiter of the active generation for
// key, or starts a new generation with the caller as leader. live is only
// used when the caller becomes the leader.
func (c *Coordinator) JoinOrStart(key string, live io.Writer) *Ticket {
	done := make(chan Result, 1)

	c.mu.Lock()
	if rec, ok := c.active[key]; ok {
		rec.waiters = append(rec.waiters, done)
		c.mu.Unlock()
		c.joined.Add(1)
		return &Ticket{Leader: false, ID: rec.id, done: done}
	}

	rec := &record{
		id:      uuid.NewString(),
		started: time.Now(),
		waiters: []chan Result{done},
	}
	c.active[key] = rec
	c.wg.Add(1)
	c.mu.Unlock()

	c.started.Add(1)
	go c.run(key, rec, live)
	return &Ticket{Leader: true, ID: rec.id, done: done}
}

func (c *Coordinator) run(key string, rec *record, live io.Writer) {
	defer c.wg.Done()

	ctx := logger.ContextWithGenerationID(c.base, rec.id)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := c.log.FromContext(ctx).WithKey(key)
	log.Info("generation started")

	payload, err := c.renderer.Render(ctx, key, live)
	if err == nil && len(payload) == 0 {
		err = errors.Encoder(nil, "empty payload")
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.IsTimeout(err) {
			err = errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "generation.run", "generation timed out")
		}
		c.fail(ctx, key, rec, err)
		return
	}
	c.complete(ctx, key, rec, payload)
}

// complete caches payload, then hands it to every waiter and forgets the
// record. The cache write is best-effort and bounded by cacheWriteTimeout.
func (c *Coordinator) complete(ctx context.Context, key string, rec *record, payload []byte) {
	log := c.log.FromContext(ctx).WithKey(key)

	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	if err := c.cache.Set(setCtx, key, payload, c.ttl); err != nil {
		log.Warn("cache write failed", "error", err.Error())
	}
	cancel()

	waiters := c.detach(key, rec)
	for _, w := range waiters {
		w <- Result{Payload: payload}
	}
	c.completed.Add(1)

	duration := time.Since(rec.started)
	log.Info("generation completed",
		"bytes", len(payload),
		"waiters", len(waiters),
		"duration_ms", duration.Milliseconds(),
	)
	c.record(ctx, &models.Generation{
		ID:         rec.id,
		Key:        key,
		Status:     models.GenerationCompleted,
		Frames:     c.frames,
		SizeBytes:  len(payload),
		Waiters:    len(waiters),
		DurationMS: duration.Milliseconds(),
	})
}

// fail hands err to every waiter and forgets the record. Nothing is cached.
func (c *Coordinator) fail(ctx context.Context, key string, rec *record, err error) {
	waiters := c.detach(key, rec)
	for _, w := range waiters {
		w <- Result{Err: err}
	}
	c.failed.Add(1)

	duration := time.Since(rec.started)
	fields := []any{
		"code", string(errors.GetCode(err)),
		"waiters", len(waiters),
		"duration_ms", duration.Milliseconds(),
	}
	for k, v := range errors.GetFields(err) {
		fields = append(fields, k, v)
	}
	c.log.FromContext(ctx).WithKey(key).WithError(err).Error("generation failed", fields...)

	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	c.record(ctx, &models.Generation{
		ID:         rec.id,
		Key:        key,
		Status:     models.GenerationFailed,
		Frames:     c.frames,
		Waiters:    len(waiters),
		DurationMS: duration.Milliseconds(),
		ErrorText:  msg,
	})
}

// detach removes rec from the registry and takes its waiters.
func (c *Coordinator) detach(key string, rec *record) []chan Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[key] == rec {
		delete(c.active, key)
	}
	waiters := rec.waiters
	rec.waiters = nil
	return waiters
}

func (c *Coordinator) record(ctx context.Context, g *models.Generation) {
	if c.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := c.store.Create(storeCtx, g); err != nil {
		c.log.FromContext(ctx).Warn("recording generation failed", "error", err.Error())
	}
}

// InFlight returns the number of running generations.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:    c.InFlight(),
		Started:     c.started.Load(),
		Completed:   c.completed.Load(),
		Failed:      c.failed.Load(),
		Joined:      c.joined.Load(),
		CacheHits:   c.hits.Load(),
		CacheMisses: c.misses.Load(),
	}
}

// Wait blocks until every running generation has finished or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
