// Package middleware provides HTTP middleware for the giftext service.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"giftext/internal/pkg/errors"
	"giftext/internal/pkg/logger"
)

// RequestIDHeader is the header name for request IDs.
const RequestIDHeader = "X-Request-ID"

// FailureMessage is the plain text body of every failed image request.
const FailureMessage = "oh no, something has gone wrong :("

// responseWriter wraps http.ResponseWriter to capture status code and size.
// It keeps Flush working so streamed responses stay streamed.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	size        int
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging logs HTTP requests with structured logging.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)
			reqLog := log.FromContext(r.Context())

			reqLog.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			aborted := true
			defer func() {
				logFn := reqLog.Info
				switch {
				case aborted || wrapped.status >= 500:
					logFn = reqLog.Error
				case wrapped.status >= 400:
					logFn = reqLog.Warn
				}
				logFn("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"size", wrapped.size,
					"aborted", aborted,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()

			next.ServeHTTP(wrapped, r)
			aborted = false
		})
	}
}

// Recovery recovers from panics and logs them. http.ErrAbortHandler is
// passed through so the server drops the connection without a response.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.FromContext(r.Context()).Error("panic recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				WriteErrorResponse(w, errors.CodeInternal, "internal server error", nil)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds the request context. Handlers are expected to honor it.
func Timeout(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit rejects requests beyond the limiter's rate with 429.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				retry := time.Second
				if l := limiter.Limit(); l > 0 && l < 1 {
					retry = time.Duration(float64(time.Second) / float64(l))
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte("rate limit exceeded\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandlerFunc is a handler that returns its error instead of writing it.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler wraps a handler function that returns an error. Errors are
// written as JSON.
func WrapHandler(log *logger.Logger, fn ErrorHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			HandleError(w, r, log, err)
		}
	}
}

// HandleError logs err and writes the JSON error response.
func HandleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	code, fields := logError(r, log, err)
	WriteErrorResponse(w, code, err.Error(), fields)
}

// HandlePlainError logs err and writes the plain text failure response used
// by the image route. Details stay in the log.
func HandlePlainError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	logError(r, log, err)
	status := errors.GetHTTPStatus(err)
	if status < 500 && status != http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	WritePlainError(w, status)
}

func logError(r *http.Request, log *logger.Logger, err error) (errors.Code, map[string]any) {
	reqLog := log.FromContext(r.Context())

	code := errors.GetCode(err)
	status := errors.GetHTTPStatus(err)
	fields := errors.GetFields(err)

	logFields := []any{
		"error", err.Error(),
		"code", string(code),
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	}
	for k, v := range fields {
		logFields = append(logFields, k, v)
	}

	if status >= 500 {
		var e *errors.Error
		if errors.As(err, &e) && len(e.Stack) > 0 {
			logFields = append(logFields, "stack", e.StackTrace())
		}
		reqLog.Error("request failed", logFields...)
	} else {
		reqLog.Warn("request error", logFields...)
	}
	return code, fields
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// WriteErrorResponse writes a JSON error response.
func WriteErrorResponse(w http.ResponseWriter, code errors.Code, message string, details map[string]any) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	body.Error.Details = details

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader((&errors.Error{Code: code}).HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

// WritePlainError writes FailureMessage as text/plain.
func WritePlainError(w http.ResponseWriter, status int) {
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(FailureMessage))
}
