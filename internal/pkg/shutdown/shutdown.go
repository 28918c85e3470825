// Package shutdown runs registered cleanups when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"giftext/internal/pkg/logger"
)

// Manager runs cleanup handlers one at a time, last registered first, so a
// component is stopped before the things it depends on.
type Manager struct {
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	handlers []Handler

	once     sync.Once
	stopping chan struct{}
	done     chan struct{}
	err      error
}

// Handler is a named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a shutdown manager. All handlers share one deadline of
// timeout, 30s when zero.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a cleanup handler that cannot fail.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until SIGINT, SIGTERM or SIGHUP, then runs Shutdown.
func (m *Manager) Wait() error {
	return m.WaitWithContext(context.Background())
}

// WaitWithContext is Wait that also shuts down when ctx ends.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	case <-m.stopping:
	}

	return m.Shutdown()
}

// Shutdown runs every handler once. Later calls wait for the first one and
// return its result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		close(m.stopping)
		m.err = m.run()
		close(m.done)
	})
	<-m.done
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		start := time.Now()
		if err := h.Cleanup(ctx); err != nil {
			m.log.Error("shutdown handler failed",
				"name", h.Name,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			errs = append(errs, err)
			continue
		}
		m.log.Debug("shutdown handler completed",
			"name", h.Name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if ctx.Err() != nil {
		m.log.Warn("shutdown timeout exceeded")
	} else {
		m.log.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// Stopping is closed as soon as shutdown starts.
func (m *Manager) Stopping() <-chan struct{} {
	return m.stopping
}

// Done is closed once every handler has run.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns a context that is canceled once shutdown has completed.
func (m *Manager) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.done
		cancel()
	}()
	return ctx
}
