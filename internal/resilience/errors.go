package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Dependency names shared by the pipeline's guards.
const (
	DepOCR           = "ocr"
	DepSummarization = "summarization"
	DepSearch        = "search"
)

// CircuitOpenError is returned when a dependency's breaker rejects a call
// without invoking it.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s", e.Dependency)
}

// Is lets errors.Is(err, ErrCircuitOpen) match any dependency.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// ErrCircuitOpen matches every *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit open")

// StatusError is a non-success answer from a dependency, carrying the
// HTTP-equivalent status code.
type StatusError struct {
	Dependency string
	Code       int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Dependency, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Dependency, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal so retry loops give up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies an error. Rate limits, server errors, and network
// failures are retryable. Other 4xx answers, open circuits, permanent
// errors, and context cancellation are fatal. Unknown errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// dependencyAnswered reports whether err proves the dependency is reachable
// and responding, which keeps the breaker from counting it as a failure.
func dependencyAnswered(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}
