package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/logger"
)

const (
	// maxFrameSize bounds the size announced by a worker reply.
	maxFrameSize = 64 << 20
	// closeGrace is how long Close waits for a worker to exit after its stdin closed.
	closeGrace = 2 * time.Second
)

// ProcessSpawner starts worker processes from a binary speaking frame protocol v1.
type ProcessSpawner struct {
	Path string
	Args []string
	// Env is added to the service environment.
	Env []string
	// Stderr receives the worker's diagnostics. Defaults to os.Stderr.
	Stderr io.Writer
	Log    *logger.Logger
}

// Spawn starts one worker process. The process is not bound to ctx: it
// outlives the request that caused it to be spawned.
func (s *ProcessSpawner) Spawn(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", s.Path, err)
	}

	log := s.Log
	if log == nil {
		log = logger.NewDefault()
	}

	h := &processHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		enc:    json.NewEncoder(stdin),
		log:    log.WithComponent("worker").WithWorker(cmd.Process.Pid),
		exited: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	enc    *json.Encoder
	log    *logger.Logger

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

func (h *processHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Render sends one job and reads its reply. Any error leaves the process in
// an unknown protocol state; callers must discard the handle. When ctx ends
// before the reply arrives the process is killed.
func (h *processHandle) Render(ctx context.Context, job v1.Job) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = h.cmd.Process.Kill()
	})
	defer stop()

	if err := h.enc.Encode(job); err != nil {
		return nil, h.cause(ctx, fmt.Errorf("send job: %w", err))
	}

	line, err := h.stdout.ReadBytes('\n')
	if err != nil {
		return nil, h.cause(ctx, fmt.Errorf("read reply: %w", err))
	}

	var reply v1.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("worker error: %s", reply.Error)
	}
	if reply.Frame != job.Frame {
		return nil, fmt.Errorf("reply for frame %d, want %d", reply.Frame, job.Frame)
	}
	if reply.Size <= 0 || reply.Size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", reply.Size)
	}

	frame := make([]byte, reply.Size)
	if _, err := io.ReadFull(h.stdout, frame); err != nil {
		return nil, h.cause(ctx, fmt.Errorf("read frame: %w", err))
	}
	// ctx may have ended after the last byte arrived; the kill already ran.
	if !stop() {
		return nil, fmt.Errorf("%w: worker killed after reply", ctx.Err())
	}
	return frame, nil
}

// Close ends the process: stdin is closed so a healthy worker exits on its
// own; the process is killed if it is still running afterwards.
func (h *processHandle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
		select {
		case <-h.exited:
		case <-time.After(closeGrace):
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	})
	return h.waitErr
}

func (h *processHandle) wait() {
	h.waitErr = h.cmd.Wait()
	if h.waitErr != nil {
		h.log.Debug("worker exited", "error", h.waitErr.Error())
	}
	close(h.exited)
}

// cause prefers the context error when the process was killed because ctx ended.
func (h *processHandle) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
