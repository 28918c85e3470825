// Package encoder runs the external animated-GIF encoder. Frames go in on
// stdin in presentation order; the encoder output is streamed to a live
// writer while it is also accumulated for caching.
package encoder

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
)

const (
	// initialBufferSize matches a typical 24 frame 400x150 animation.
	initialBufferSize = 200 * 1024
	// liveQueueChunks bounds the output chunks waiting for the live writer.
	liveQueueChunks  = 64
	defaultLiveDrain = 10 * time.Second
)

// Options configure the encoder command line.
type Options struct {
	// Path of the encoder binary, gifsicle compatible.
	Path string
	// Delay between frames in hundredths of a second.
	Delay int
	// Colors caps the output palette size.
	Colors int
	// Stderr receives the encoder diagnostics. Defaults to os.Stderr.
	Stderr io.Writer
	// LiveDrain is how long a finished encode waits for the live writer to
	// catch up before it returns without it.
	LiveDrain time.Duration
}

type Encoder struct {
	opts Options
	log  *logger.Logger
}

func New(opts Options, log *logger.Logger) *Encoder {
	if opts.Path == "" {
		opts.Path = "gifsicle"
	}
	if opts.Delay <= 0 {
		opts.Delay = 8
	}
	if opts.Colors <= 0 || opts.Colors > 256 {
		opts.Colors = 256
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.LiveDrain <= 0 {
		opts.LiveDrain = defaultLiveDrain
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Encoder{opts: opts, log: log.WithComponent("encoder")}
}

// Args returns the encoder arguments: multi-file input, fixed delay,
// infinite loop, capped palette.
func (e *Encoder) Args() []string {
	return []string{
		"--multifile",
		"-d", strconv.Itoa(e.opts.Delay),
		"--loopcount",
		"--colors", strconv.Itoa(e.opts.Colors),
	}
}

// Encode feeds frames to the encoder and returns its complete output. Output
// is forwarded to live as it arrives from a separate goroutine: a slow or
// failing live writer loses its stream but never stalls or fails the encode.
// Any stream error, a non-zero exit or an empty output fails the encode and
// no bytes are returned.
func (e *Encoder) Encode(ctx context.Context, frames [][]byte, live io.Writer) ([]byte, error) {
	if len(frames) == 0 {
		return nil, errors.Encoder(nil, "no frames to encode")
	}

	log := e.log.FromContext(ctx)
	start := time.Now()

	cmd := exec.CommandContext(ctx, e.opts.Path, e.Args()...)
	cmd.Stderr = e.opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Encoder(err, "encoder stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Encoder(err, "encoder stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Encoder(err, "start encoder")
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrames(stdin, frames)
	}()

	fwd := newForwarder(live)
	buf := bytes.NewBuffer(make([]byte, 0, initialBufferSize))
	_, readErr := io.Copy(&tee{buf: buf, fwd: fwd}, stdout)
	if readErr != nil {
		// Unblock the frame writer.
		_ = cmd.Process.Kill()
	}

	inErr := <-writeErr
	waitErr := cmd.Wait()

	err = nil
	switch {
	case ctx.Err() != nil:
		err = errors.Encoder(ctx.Err(), "encode aborted")
	case inErr != nil:
		err = errors.Encoder(inErr, "writing frames to encoder")
	case readErr != nil:
		err = errors.Encoder(readErr, "reading encoder output")
	case waitErr != nil:
		err = errors.Encoder(waitErr, "encoder exited with error")
	case buf.Len() == 0:
		err = errors.Encoder(nil, "encoder produced no output")
	}

	if !fwd.finish(ctx, e.opts.LiveDrain) && err == nil {
		log.Warn("live writer fell behind, stream abandoned", "bytes", buf.Len())
	}
	if err != nil {
		return nil, err
	}

	log.Debug("encode completed",
		"frames", len(frames),
		"bytes", buf.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeFrames(stdin io.WriteCloser, frames [][]byte) error {
	for _, f := range frames {
		if _, err := stdin.Write(f); err != nil {
			_ = stdin.Close()
			return err
		}
	}
	return stdin.Close()
}

// tee accumulates everything into buf and hands a copy to the forwarder.
type tee struct {
	buf *bytes.Buffer
	fwd *forwarder
}

func (t *tee) Write(p []byte) (int, error) {
	n, _ := t.buf.Write(p)
	t.fwd.send(p)
	return n, nil
}

// forwarder writes output chunks to the live writer off the copy path. Once
// the live writer fails or the queue is full the stream is broken and every
// later chunk is dropped.
type forwarder struct {
	live   io.Writer
	chunks chan []byte
	done   chan struct{}
	broken atomic.Bool
}

func newForwarder(live io.Writer) *forwarder {
	f := &forwarder{live: live, done: make(chan struct{})}
	if live == nil {
		close(f.done)
		f.broken.Store(true)
		return f
	}
	f.chunks = make(chan []byte, liveQueueChunks)
	go f.run()
	return f
}

func (f *forwarder) run() {
	defer close(f.done)
	for c := range f.chunks {
		if f.broken.Load() {
			continue
		}
		if _, err := f.live.Write(c); err != nil {
			f.broken.Store(true)
		}
	}
}

func (f *forwarder) send(p []byte) {
	if f.broken.Load() {
		return
	}
	select {
	case f.chunks <- bytes.Clone(p):
	default:
		f.broken.Store(true)
	}
}

// finish closes the queue and waits up to drain, or until ctx ends, for the
// live writer to take the queued chunks. It reports false when it gave up.
func (f *forwarder) finish(ctx context.Context, drain time.Duration) bool {
	if f.chunks == nil {
		return true
	}
	close(f.chunks)

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}
	f.broken.Store(true)
	return false
}
