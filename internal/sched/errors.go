package sched

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrQueueFull = errors.New("scheduler queue full")
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("request cancelled")
	ErrStopped   = errors.New("scheduler stopped")
	ErrNotFound  = errors.New("request not found")

	ErrDuplicateID    = errors.New("request id already pending")
	ErrInvalidRequest = errors.New("invalid request")
)

// Kind classifies a failure.
type Kind int

const (
	KindServer Kind = iota
	KindClient
	KindTimeout
	KindCancelled
	KindQueueFull
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "downstream_server"
	case KindClient:
		return "downstream_client"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind is absorbed by the retry controller.
func (k Kind) Retryable() bool { return k == KindServer || k == KindTimeout }

// RequestError is the structured rejection delivered to callers.
type RequestError struct {
	Kind      Kind
	RequestID string
	Attempts  int
	Retries   int
	Elapsed   time.Duration
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s %s after %d attempt(s) in %s: %v", e.RequestID, e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) and friends match on the kind even when the
// underlying error is an executor error.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrQueueFull:
		return e.Kind == KindQueueFull
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// ClientError marks an executor error as terminal (validation, auth, 4xx).
//
// Example:
//
//	return nil, sched.ClientError(fmt.Errorf("bad payload: %w", err))
func ClientError(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{err: err, kind: KindClient}
}

// ServerError marks an executor error as retryable (connection refused, 5xx).
func ServerError(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{err: err, kind: KindServer}
}

type classifiedError struct {
	err  error
	kind Kind
}

func (e classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e classifiedError) Unwrap() error { return e.err }

// StatusCoder is implemented by executor errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an executor error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindServer
	}
	var ce classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code == 429 || code >= 500:
			return KindServer
		case code >= 400:
			return KindClient
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindServer
	}
	return KindServer
}
