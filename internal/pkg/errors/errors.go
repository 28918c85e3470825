// Package errors provides the coded error type used across the render service.
// Errors carry a code (mapped to an HTTP status), the failing operation,
// optional context fields and the stack at creation.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

type Code string

const (
	CodeInternal    Code = "INTERNAL_ERROR"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeTimeout     Code = "TIMEOUT"
	CodeCanceled    Code = "CANCELED"
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeWorkerFailed marks a frame render that failed in a worker process:
	// crash, malformed reply or transport error.
	CodeWorkerFailed Code = "WORKER_FAILED"
	// CodeEncoderFailed marks a failure of the external encoder: stream
	// error, non-zero exit or empty output.
	CodeEncoderFailed Code = "ENCODER_FAILED"
)

// statusByCode maps codes to HTTP statuses. Unknown codes are 500.
var statusByCode = map[Code]int{
	CodeValidation:  http.StatusBadRequest,
	CodeNotFound:    http.StatusNotFound,
	CodeTimeout:     http.StatusGatewayTimeout,
	CodeCanceled:    499,
	CodeUnavailable: http.StatusServiceUnavailable,
}

const maxStackFrames = 10

type Error struct {
	Code    Code
	Message string
	// Op is the failing operation, e.g. "encoder.encode".
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error formats as "op: [CODE] message: cause", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op + ": ")
	}
	if e.Code != "" {
		b.WriteString("[" + string(e.Code) + "] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// StackTrace renders Stack one frame per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

// Wrap adds op and message to err. The code of a wrapped *Error is kept,
// context errors become TIMEOUT or CANCELED, anything else is INTERNAL.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Code: codeFor(err), Message: message, Op: op, Err: err, Stack: captureStack(2)}
	var inner *Error
	if errors.As(err, &inner) {
		e.Code = inner.Code
		e.Fields = inner.Fields
	}
	return e
}

// WrapWithCode wraps err under code, except that context errors keep their
// TIMEOUT or CANCELED code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	if c := codeFor(err); c != CodeInternal {
		code = c
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

func Internal(message string) *Error {
	return New(CodeInternal, message)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

func Timeout(operation string) *Error {
	return New(CodeTimeout, operation+" timed out").WithField("operation", operation)
}

func Unavailable(service string) *Error {
	return New(CodeUnavailable, service+" unavailable").WithField("service", service)
}

// Worker wraps a frame render failure of one worker process.
func Worker(err error, frame int, pid int) *Error {
	e := WrapWithCode(err, CodeWorkerFailed, "worker.render", "frame render failed")
	if e == nil {
		e = New(CodeWorkerFailed, "frame render failed")
		e.Op = "worker.render"
	}
	return e.WithField("frame", frame).WithField("worker_pid", pid)
}

// Encoder wraps a failure of the external encoder process. err may be nil.
func Encoder(err error, message string) *Error {
	if err == nil {
		e := New(CodeEncoderFailed, message)
		e.Op = "encoder.encode"
		return e
	}
	return WrapWithCode(err, CodeEncoderFailed, "encoder.encode", message)
}

// GetCode returns the code of the outermost *Error in err's chain, or the
// code implied by a bare context error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codeFor(err)
}

func GetHTTPStatus(err error) int {
	return (&Error{Code: GetCode(err)}).HTTPStatus()
}

func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func IsTimeout(err error) bool {
	return IsCode(err, CodeTimeout)
}

func codeFor(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// captureStack records up to maxStackFrames callers, skipping runtime frames.
func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, maxStackFrames)
	it := runtime.CallersFrames(pcs[:n])
	for len(frames) < maxStackFrames {
		f, more := it.Next()
		if !strings.Contains(f.File, "runtime/") {
			frames = append(frames, Frame{File: f.File, Line: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return frames
}

// As is errors.As, re-exported so callers need one errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is, re-exported so callers need one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
