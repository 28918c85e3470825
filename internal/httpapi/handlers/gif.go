package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"giftext/internal/generation"
	apperrors "giftext/internal/pkg/errors"
	"giftext/internal/pkg/middleware"
)

// DefaultText is where the root path sends visitors.
const DefaultText = "giftext.tv"

const gifSuffix = ".gif"

// liveWriteTimeout bounds one streamed write to a stalled client.
const liveWriteTimeout = 10 * time.Second

var errDetached = errors.New("live writer detached")

// Root redirects to the default animation.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/"+DefaultText+gifSuffix, http.StatusFound)
}

// Text serves /{text}.gif and redirects /{text} to it.
func (h *Handler) Text(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "text")
	if !strings.HasSuffix(param, gifSuffix) {
		http.Redirect(w, r, r.URL.EscapedPath()+gifSuffix, http.StatusFound)
		return
	}

	raw := strings.TrimSuffix(param, gifSuffix)
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			middleware.HandlePlainError(w, r, h.log, apperrors.ValidationField("text", "malformed escape"))
			return
		}
		raw = unescaped
	}
	h.serveGIF(w, r, generation.NormalizeKey(raw))
}

func (h *Handler) serveGIF(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	log := h.log.FromContext(ctx).WithKey(key)

	if !generation.ValidKey(key) {
		middleware.HandlePlainError(w, r, h.log,
			apperrors.ValidationField("text", "text must be 1 to "+strconv.Itoa(generation.MaxKeyLength)+" characters"))
		return
	}

	if payload, ok := h.coord.Lookup(ctx, key); ok {
		writeGIF(w, payload, "HIT")
		return
	}

	live := newLiveWriter(w)
	ticket := h.coord.JoinOrStart(key, live)
	res, err := ticket.Wait(ctx)
	live.Detach()

	if err != nil {
		log.Debug("client left before the generation finished", "generation_id", ticket.ID, "leader", ticket.Leader)
		return
	}

	if res.Err != nil {
		if live.Committed() {
			// Part of the image is already on the wire.
			log.Warn("aborting streamed response", "generation_id", ticket.ID, "bytes", live.Written())
			panic(http.ErrAbortHandler)
		}
		middleware.HandlePlainError(w, r, h.log, res.Err)
		return
	}

	switch n := live.Written(); {
	case !ticket.Leader || !live.Committed():
		status := "MISS"
		if !ticket.Leader {
			status = "JOINED"
		}
		writeGIF(w, res.Payload, status)
	case n == len(res.Payload) && !live.Failed():
		// Streamed in full by the encoder.
	default:
		log.Warn("streamed response incomplete", "generation_id", ticket.ID, "bytes", n, "want", len(res.Payload))
		panic(http.ErrAbortHandler)
	}
}

func writeGIF(w http.ResponseWriter, payload []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// liveWriter streams encoder output to the leader's response. It commits the
// 200 and image headers on the first write and flushes after every write.
// After Detach, writes are refused so nothing reaches the response once the
// handler has moved on. Every write carries a deadline so a stalled client
// cannot hold Detach for longer than liveWriteTimeout.
type liveWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	rc        *http.ResponseController
	committed bool
	written   int
	failed    error
	detached  bool
}

func newLiveWriter(w http.ResponseWriter) *liveWriter {
	return &liveWriter{w: w, rc: http.NewResponseController(w)}
}

func (l *liveWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.detached {
		return 0, errDetached
	}
	if l.failed != nil {
		return 0, l.failed
	}
	if !l.committed {
		l.w.Header().Set("Content-Type", "image/gif")
		l.w.Header().Set("X-Cache", "MISS")
		l.w.WriteHeader(http.StatusOK)
		l.committed = true
	}

	// Recorders and wrappers without deadline support just write unbounded.
	_ = l.rc.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	n, err := l.w.Write(p)
	l.written += n
	if err == nil {
		err = l.rc.Flush()
		if errors.Is(err, http.ErrNotSupported) {
			err = nil
		}
	}
	if err != nil {
		l.failed = err
		return n, err
	}
	return n, nil
}

// Detach stops all further writes. It waits for a write in progress, which
// the write deadline bounds, and clears the deadline for the rest of the
// response.
func (l *liveWriter) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.detached && l.committed {
		_ = l.rc.SetWriteDeadline(time.Time{})
	}
	l.detached = true
}

// Committed reports whether the response status and headers were sent.
func (l *liveWriter) Committed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Failed reports whether a write to the client failed.
func (l *liveWriter) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed != nil
}

// Written returns the number of bytes sent to the client.
func (l *liveWriter) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}
