package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/logger"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Handle is one long-lived render process. It serves one job at a time.
type Handle interface {
	PID() int
	// Alive reports whether the process is still running.
	Alive() bool
	Render(ctx context.Context, job v1.Job) ([]byte, error)
	Close() error
}

// Spawner starts new render processes.
type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context) (Handle, error)

func (f SpawnFunc) Spawn(ctx context.Context) (Handle, error) { return f(ctx) }

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Live      int   `json:"live"`
	Idle      int   `json:"idle"`
	Waiting   int   `json:"waiting"`
	Max       int   `json:"max"`
	Spawned   int64 `json:"spawned"`
	Discarded int64 `json:"discarded"`
}

// Pool keeps idle handles for reuse and spawns new ones on demand.
//
// With max > 0 at most max handles are alive at once; Acquire beyond that
// waits until a handle is released or discarded. With max == 0 the pool never
// waits and always spawns when no idle handle is available.
type Pool struct {
	spawner Spawner
	max     int
	log     *logger.Logger

	mu      sync.Mutex
	idle    []Handle
	live    int
	waiters []chan struct{}
	closed  bool

	spawned   atomic.Int64
	discarded atomic.Int64
}

func NewPool(spawner Spawner, max int, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault()
	}
	if max < 0 {
		max = 0
	}
	return &Pool{
		spawner: spawner,
		max:     max,
		log:     log.WithComponent("worker-pool"),
	}
}

// Warm spawns n handles into the idle set. Spawn failures are logged and
// stop the warm-up; the pool still works and spawns lazily.
func (p *Pool) Warm(ctx context.Context, n int) int {
	warmed := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || (p.max > 0 && p.live >= p.max) {
			p.mu.Unlock()
			break
		}
		p.live++
		p.mu.Unlock()

		h, err := p.spawn(ctx)
		if err != nil {
			p.log.Warn("worker warm-up stopped", "error", err.Error(), "warmed", warmed)
			break
		}
		p.Release(h)
		warmed++
	}
	p.log.Info("worker pool warmed", "workers", warmed, "max", p.max)
	return warmed
}

// Acquire returns an idle handle, or spawns one when none is idle and the
// ceiling allows it. Otherwise it waits for a release, a discard or ctx.
// Idle handles whose process has exited are discarded, never returned.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if !h.Alive() {
				p.log.WithWorker(h.PID()).Info("idle worker exited")
				p.Discard(h)
				continue
			}
			return h, nil
		}
		if p.max == 0 || p.live < p.max {
			p.live++
			p.mu.Unlock()
			return p.spawn(ctx)
		}

		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(wake) {
				// Already woken: hand the wake-up to the next waiter.
				p.wakeLocked()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Release returns a handle whose last job succeeded to the idle set.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	p.idle = append(p.idle, h)
	p.wakeLocked()
	p.mu.Unlock()
}

// Discard closes a handle that must not be reused. Its slot is freed and a
// replacement is spawned by a later Acquire.
func (p *Pool) Discard(h Handle) {
	p.discarded.Add(1)
	pid := h.PID()
	if err := h.Close(); err != nil {
		p.log.WithWorker(pid).Debug("closing discarded worker", "error", err.Error())
	}
	p.log.WithWorker(pid).Warn("worker discarded")

	p.mu.Lock()
	p.live--
	p.wakeLocked()
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Live:      p.live,
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Max:       p.max,
		Spawned:   p.spawned.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes every idle handle. Busy handles are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.closed = true
	for _, w := range p.waiters {
		w <- struct{}{}
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, h := range idle {
		_ = h.Close()
	}
	p.log.Info("worker pool closed", "closed", len(idle))
	return nil
}

// spawn starts a handle for a slot already counted in live.
func (p *Pool) spawn(ctx context.Context) (Handle, error) {
	h, err := p.spawner.Spawn(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.wakeLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.spawned.Add(1)
	p.log.WithWorker(h.PID()).Debug("worker spawned")
	return h, nil
}

func (p *Pool) wakeLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- struct{}{}
}

func (p *Pool) removeWaiterLocked(w chan struct{}) bool {
	for i, c := range p.waiters {
		if c == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
