package generation

import (
	"context"
	"io"
	"math/rand/v2"
	"time"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/logger"
)

// FrameRenderer renders every frame of one generation, in index order.
type FrameRenderer interface {
	RenderAll(ctx context.Context, opts v1.RenderOptions, frames int) ([][]byte, error)
}

// FrameEncoder assembles ordered frames into the final animation.
type FrameEncoder interface {
	Encode(ctx context.Context, frames [][]byte, live io.Writer) ([]byte, error)
}

type PipelineDeps struct {
	Frames  FrameRenderer
	Encoder FrameEncoder
	Count   int
	Width   int
	Height  int
	Log     *logger.Logger
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Pipeline is the Renderer used in production: pick options, render all
// frames on the worker pool, then encode them.
type Pipeline struct {
	frames  FrameRenderer
	encoder FrameEncoder
	count   int
	width   int
	height  int
	rand    func() float64
	log     *logger.Logger
}

func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Count <= 0 {
		d.Count = 24
	}
	if d.Width <= 0 {
		d.Width = 400
	}
	if d.Height <= 0 {
		d.Height = 150
	}
	if d.Rand == nil {
		d.Rand = rand.Float64
	}
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	return &Pipeline{
		frames:  d.Frames,
		encoder: d.Encoder,
		count:   d.Count,
		width:   d.Width,
		height:  d.Height,
		rand:    d.Rand,
		log:     d.Log.WithComponent("pipeline"),
	}
}

func (p *Pipeline) Render(ctx context.Context, key string, live io.Writer) ([]byte, error) {
	log := p.log.FromContext(ctx).WithKey(key)
	opts := NewOptions(key, p.width, p.height, p.rand)

	start := time.Now()
	frames, err := p.frames.RenderAll(ctx, opts, p.count)
	if err != nil {
		return nil, err
	}
	rendered := time.Since(start)

	payload, err := p.encoder.Encode(ctx, frames, live)
	if err != nil {
		return nil, err
	}

	log.Debug("pipeline finished",
		"axis", opts.Axis,
		"render_ms", rendered.Milliseconds(),
		"encode_ms", (time.Since(start) - rendered).Milliseconds(),
	)
	return payload, nil
}
