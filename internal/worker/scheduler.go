package worker

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
)

// Scheduler renders the frames of one generation across the pool.
type Scheduler struct {
	pool        *Pool
	concurrency int
	log         *logger.Logger
}

func NewScheduler(pool *Pool, concurrency int, log *logger.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Scheduler{
		pool:        pool,
		concurrency: concurrency,
		log:         log.WithComponent("scheduler"),
	}
}

// RenderAll renders frames 0..frames-1 and returns them in index order,
// whatever order the workers finish in. The first failing frame cancels the
// others and the whole render fails; no partial result is returned.
func (s *Scheduler) RenderAll(ctx context.Context, opts v1.RenderOptions, frames int) ([][]byte, error) {
	if frames <= 0 {
		return nil, errors.ValidationField("frames", "frame count must be positive")
	}

	log := s.log.FromContext(ctx)
	start := time.Now()

	results := make([][]byte, frames)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := 0; i < frames; i++ {
		job := v1.Job{Options: opts, Frame: i, Frames: frames}
		g.Go(func() error {
			frame, err := s.renderOne(gctx, job)
			if err != nil {
				return err
			}
			results[job.Frame] = frame
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn("frame render failed", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return nil, errors.Wrap(err, "scheduler.render_all", "rendering frames failed")
	}

	log.Debug("frames rendered", "frames", frames, "duration_ms", time.Since(start).Milliseconds())
	return results, nil
}

func (s *Scheduler) renderOne(ctx context.Context, job v1.Job) ([]byte, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeWorkerFailed, "worker.acquire", "no worker available")
	}
	if err := ctx.Err(); err != nil {
		s.pool.Release(h)
		return nil, err
	}

	frame, err := h.Render(ctx, job)
	if err != nil {
		s.pool.Discard(h)
		return nil, errors.Worker(err, job.Frame, h.PID())
	}

	s.pool.Release(h)
	return frame, nil
}
