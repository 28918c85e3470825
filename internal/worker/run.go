package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/logger"
)

// Run is the worker process loop: read one job from d.In, render it, answer
// on d.Out, repeat until d.In is closed or ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	dec := json.NewDecoder(bufio.NewReader(d.In))
	out := bufio.NewWriter(d.Out)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		var job v1.Job
		if err := dec.Decode(&job); err != nil {
			if err == io.EOF {
				log.Debug("input closed, stopping")
				return nil
			}
			return fmt.Errorf("decode job: %w", err)
		}

		startTime := time.Now()
		frame, err := d.Renderer.Render(job)
		reply := v1.Reply{Frame: job.Frame, Size: len(frame)}
		if err != nil {
			log.Error("frame failed", "frame", job.Frame, "error", err.Error())
			reply = v1.Reply{Frame: job.Frame, Error: err.Error()}
			frame = nil
		} else {
			log.Debug("frame rendered",
				"frame", job.Frame,
				"bytes", len(frame),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}

		if err := writeReply(out, reply, frame); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

func writeReply(w *bufio.Writer, reply v1.Reply, frame []byte) error {
	header, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return w.Flush()
}
