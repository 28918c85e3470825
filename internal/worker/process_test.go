package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	v1 "giftext/internal/contracts/frame/v1"
	"giftext/internal/pkg/logger"
)

// helperRenderer answers "frame-<n>" for every job.
type helperRenderer struct{ fail bool }

func (r helperRenderer) Render(job v1.Job) ([]byte, error) {
	if r.fail {
		return nil, stderrors.New("font not found")
	}
	return []byte(fmt.Sprintf("frame-%d", job.Frame)), nil
}

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a worker process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	in := bufio.NewReader(os.Stdin)
	switch os.Getenv("HELPER_MODE") {
	case "crash":
		_, _ = in.ReadBytes('\n')
		os.Exit(3)
	case "hang":
		_, _ = in.ReadBytes('\n')
		time.Sleep(time.Hour)
	case "wrong-frame":
		line, _ := in.ReadBytes('\n')
		var job v1.Job
		_ = json.Unmarshal(line, &job)
		fmt.Fprintf(os.Stdout, "{\"frame\":%d,\"size\":1}\nx", job.Frame+1)
		time.Sleep(time.Hour)
	case "error":
		_ = Run(context.Background(), Deps{In: in, Out: os.Stdout, Renderer: helperRenderer{fail: true}, Log: logger.Discard()})
	default:
		if err := Run(context.Background(), Deps{In: in, Out: os.Stdout, Renderer: helperRenderer{}, Log: logger.Discard()}); err != nil {
			os.Exit(2)
		}
	}
	os.Exit(0)
}

func helperSpawner(mode string) *ProcessSpawner {
	return &ProcessSpawner{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$", "--"},
		Env:    []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		Stderr: io.Discard,
		Log:    logger.Discard(),
	}
}

func spawnHelper(t *testing.T, mode string) Handle {
	t.Helper()
	h, err := helperSpawner(mode).Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestProcessHandle_Render(t *testing.T) {
	h := spawnHelper(t, "ok")
	if h.PID() <= 0 {
		t.Errorf("PID() = %d", h.PID())
	}

	for i := 0; i < 3; i++ {
		frame, err := h.Render(context.Background(), v1.Job{Options: testOptions, Frame: i, Frames: 3})
		if err != nil {
			t.Fatalf("Render(%d) error = %v", i, err)
		}
		if want := fmt.Sprintf("frame-%d", i); string(frame) != want {
			t.Errorf("Render(%d) = %q, want %q", i, frame, want)
		}
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close() = %v, want clean exit", err)
	}
}

func TestProcessHandle_Failures(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{"error", "worker error: font not found"},
		{"wrong-frame", "reply for frame 1, want 0"},
		{"crash", "read reply"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			h := spawnHelper(t, tt.mode)
			_, err := h.Render(context.Background(), v1.Job{Options: testOptions, Frame: 0, Frames: 1})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Render() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestProcessHandle_ContextKillsWorker(t *testing.T) {
	h := spawnHelper(t, "hang")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Render(ctx, v1.Job{Options: testOptions, Frame: 0, Frames: 1})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Render() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Render took %v after the deadline", elapsed)
	}
}

func TestProcessHandle_CanceledBeforeSend(t *testing.T) {
	h := spawnHelper(t, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Render(ctx, v1.Job{Frame: 0, Frames: 1}); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Render() error = %v, want canceled", err)
	}

	// The process was left alone and still serves jobs.
	if _, err := h.Render(context.Background(), v1.Job{Options: testOptions, Frame: 0, Frames: 1}); err != nil {
		t.Fatalf("Render() after canceled call: %v", err)
	}
}

// cancelOnRead cancels once marker has passed through the reader.
type cancelOnRead struct {
	r      io.Reader
	marker []byte
	seen   []byte
	cancel context.CancelFunc
}

func (c *cancelOnRead) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.seen = append(c.seen, p[:n]...)
	if bytes.Contains(c.seen, c.marker) {
		c.cancel()
	}
	return n, err
}

func TestProcessHandle_CanceledAfterReply(t *testing.T) {
	h := spawnHelper(t, "ok")
	ph := h.(*processHandle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ph.stdout = bufio.NewReader(&cancelOnRead{r: ph.stdout, marker: []byte("frame-0"), cancel: cancel})

	frame, err := h.Render(ctx, v1.Job{Options: testOptions, Frame: 0, Frames: 1})
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("Render() = %q, %v, want canceled", frame, err)
	}

	select {
	case <-ph.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not killed")
	}
	if h.Alive() {
		t.Error("Alive() = true after kill")
	}
}

func TestProcessSpawner_MissingBinary(t *testing.T) {
	s := &ProcessSpawner{Path: "/nonexistent/giftext-worker", Log: logger.Discard()}
	if _, err := s.Spawn(context.Background()); err == nil {
		t.Fatal("expected an error for a missing binary")
	}
}

func TestPoolWithProcesses(t *testing.T) {
	pool := NewPool(helperSpawner("ok"), 2, logger.Discard())
	defer pool.Close()
	s := NewScheduler(pool, 2, logger.Discard())

	frames, err := s.RenderAll(context.Background(), testOptions, 6)
	if err != nil {
		t.Fatalf("RenderAll() error = %v", err)
	}
	for i, f := range frames {
		if want := fmt.Sprintf("frame-%d", i); string(f) != want {
			t.Errorf("frame %d = %q, want %q", i, f, want)
		}
	}
	if st := pool.Stats(); st.Spawned > 2 {
		t.Errorf("spawned = %d, want at most 2", st.Spawned)
	}
}

func TestPoolWithProcesses_KilledIdleWorkersReplaced(t *testing.T) {
	pool := NewPool(helperSpawner("ok"), 2, logger.Discard())
	defer pool.Close()
	if n := pool.Warm(context.Background(), 2); n != 2 {
		t.Fatalf("Warm() = %d, want 2", n)
	}

	pool.mu.Lock()
	idle := append([]Handle(nil), pool.idle...)
	pool.mu.Unlock()
	for _, h := range idle {
		ph := h.(*processHandle)
		_ = ph.cmd.Process.Kill()
		<-ph.exited
		if h.Alive() {
			t.Fatalf("worker %d still alive after kill", h.PID())
		}
	}

	frames, err := NewScheduler(pool, 2, logger.Discard()).RenderAll(context.Background(), testOptions, 6)
	if err != nil {
		t.Fatalf("RenderAll() error = %v", err)
	}
	for i, f := range frames {
		if want := fmt.Sprintf("frame-%d", i); string(f) != want {
			t.Errorf("frame %d = %q, want %q", i, f, want)
		}
	}
	if st := pool.Stats(); st.Discarded != 2 || st.Live > 2 || st.Spawned < 3 {
		t.Errorf("stats = %+v, want both dead workers discarded and replaced", st)
	}
}
