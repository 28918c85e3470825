// Command giftext-worker renders frames for the giftext service. It reads
// jobs on stdin and writes frames on stdout, one job at a time, until stdin
// is closed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"giftext/internal/pkg/logger"
	"giftext/internal/worker"
	"giftext/internal/worker/renderer"
)

func main() {
	log := logger.NewWorker(os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := renderer.New()
	if err != nil {
		log.LogFatal("failed to load font", err)
	}

	err = worker.Run(ctx, worker.Deps{
		In:       os.Stdin,
		Out:      os.Stdout,
		Renderer: r,
		Log:      log,
	})
	if err != nil && ctx.Err() == nil {
		log.LogFatal("worker stopped", err)
	}
}
