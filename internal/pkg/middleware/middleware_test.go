package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
)

func bufferedLogger(buf *bytes.Buffer, level string) *logger.Logger {
	return logger.New(logger.Config{
		Level:  level,
		Format: "json",
		Output: buf,
	})
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Context().Value(logger.RequestIDKey)
		if reqID == nil || reqID == "" {
			t.Error("expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates new request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		reqID := rec.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(reqID); err != nil {
			t.Errorf("expected a uuid request ID, got %q", reqID)
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "existing-id-123")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != "existing-id-123" {
			t.Errorf("expected preserved request ID 'existing-id-123', got %s", got)
		}
	})
}

func TestLogging(t *testing.T) {
	var logBuf bytes.Buffer
	log := bufferedLogger(&logBuf, "info")

	handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest("GET", "/hello.gif", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not one JSON line: %v\n%s", err, logBuf.String())
	}
	if entry["msg"] != "request completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/hello.gif" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(200) || entry["size"] != float64(5) {
		t.Errorf("status/size = %v %v", entry["status"], entry["size"])
	}
	if entry["aborted"] != false {
		t.Errorf("aborted = %v, want false", entry["aborted"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected duration_ms in log")
	}
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		expectedLevel string
	}{
		{"2xx logs info", 200, "INFO"},
		{"3xx logs info", 302, "INFO"},
		{"4xx logs warn", 404, "WARN"},
		{"5xx logs error", 500, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			handler := Logging(bufferedLogger(&logBuf, "debug"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

			if !strings.Contains(logBuf.String(), `"level":"`+tt.expectedLevel+`"`) {
				t.Errorf("expected log level %s, got: %s", tt.expectedLevel, logBuf.String())
			}
		})
	}
}

func TestLoggingAbortedStream(t *testing.T) {
	var logBuf bytes.Buffer
	handler := Logging(bufferedLogger(&logBuf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("GIF89a"))
		panic(http.ErrAbortHandler)
	}))

	func() {
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x.gif", nil))
	}()

	out := logBuf.String()
	if !strings.Contains(out, `"aborted":true`) || !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("expected an aborted error entry, got: %s", out)
	}
}

func TestRecovery(t *testing.T) {
	var logBuf bytes.Buffer
	log := bufferedLogger(&logBuf, "info")

	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR in body, got: %s", body)
	}

	logOutput := logBuf.String()
	if !strings.Contains(logOutput, "panic recovered") || !strings.Contains(logOutput, "test panic") {
		t.Errorf("expected the panic in log, got: %s", logOutput)
	}
}

func TestRecoveryPassesAbort(t *testing.T) {
	handler := Recovery(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x.gif", nil))
	t.Error("ErrAbortHandler was swallowed")
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		rw.WriteHeader(http.StatusCreated)
		if rw.status != http.StatusCreated {
			t.Errorf("expected status 201, got %d", rw.status)
		}
	})

	t.Run("captures size", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		_, _ = rw.Write([]byte("hello world"))
		if rw.size != 11 {
			t.Errorf("expected size 11, got %d", rw.size)
		}
	})

	t.Run("only writes header once", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		rw.WriteHeader(http.StatusCreated)
		rw.WriteHeader(http.StatusOK)
		if rw.status != http.StatusCreated {
			t.Errorf("expected status 201, got %d", rw.status)
		}
	})

	t.Run("flushes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := wrapResponseWriter(rec)
		_, _ = rw.Write([]byte("x"))
		rw.Flush()
		if !rec.Flushed {
			t.Error("expected the recorder to be flushed")
		}
		if rw.Unwrap() != rec {
			t.Error("Unwrap did not return the underlying writer")
		}
	})
}

func TestTimeout(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok || time.Until(deadline) > 50*time.Millisecond {
			t.Errorf("deadline = %v, %v", deadline, ok)
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestRateLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.5), 2)
	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x.gif", nil))
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "2" {
			t.Errorf("Retry-After = %q, want 2", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestWrapHandler(t *testing.T) {
	var logBuf bytes.Buffer
	log := bufferedLogger(&logBuf, "info")

	t.Run("successful handler", func(t *testing.T) {
		handler := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusOK)
			return nil
		})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("handler with error", func(t *testing.T) {
		logBuf.Reset()
		handler := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error {
			return errors.New(errors.CodeNotFound, "generation not found").WithField("id", "123")
		})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Code != "NOT_FOUND" || body.Error.Details["id"] != "123" {
			t.Errorf("body = %+v", body)
		}
		if !strings.Contains(logBuf.String(), "request error") {
			t.Errorf("expected a warn entry, got: %s", logBuf.String())
		}
	})
}

func TestHandlePlainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"worker failure", errors.Worker(errors.Internal("exit status 1"), 5, 42), 500},
		{"timeout", errors.Timeout("generation"), 504},
		{"validation", errors.Validation("empty text"), 400},
		{"canceled", errors.New(errors.CodeCanceled, "client gone"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.Header().Set("Content-Length", "999")
			HandlePlainError(rec, httptest.NewRequest("GET", "/x.gif", nil), logger.Discard(), tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q", ct)
			}
			if rec.Header().Get("Content-Length") != "" {
				t.Error("stale Content-Length was kept")
			}
			if rec.Body.String() != FailureMessage {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		code     errors.Code
		message  string
		details  map[string]any
		expected int
	}{
		{"validation error", errors.CodeValidation, `bad "limit"`, map[string]any{"field": "limit"}, 400},
		{"not found", errors.CodeNotFound, "generation not found", nil, 404},
		{"unavailable", errors.CodeUnavailable, "ledger disabled", nil, 503},
		{"internal error", errors.CodeInternal, "unexpected error", nil, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteErrorResponse(rec, tt.code, tt.message, tt.details)

			if rec.Code != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, rec.Code)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
			}
			if body.Error.Code != string(tt.code) || body.Error.Message != tt.message {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
