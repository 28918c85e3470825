package worker

import (
	"io"

	"giftext/internal/pkg/logger"
	"giftext/internal/worker/renderer"
)

// Deps wires the worker process loop.
type Deps struct {
	In       io.Reader
	Out      io.Writer
	Renderer renderer.Renderer
	Log      *logger.Logger
}
