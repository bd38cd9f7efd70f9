package chatsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransport  = errors.New("transport failure")
	ErrRegression = errors.New("watermark regression")
	ErrRejected   = errors.New("mutation rejected")
)

// TransportError covers network failures, timeouts and 5xx responses. It is
// recoverable: the scheduler retries on the next tick.
type TransportError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("transport: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("transport: http %d: %s", e.StatusCode, e.Message)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// RegressionError reports an attempt to move the sync watermark backward.
// It indicates a client or server bug and is never silently accepted.
type RegressionError struct {
	Current  time.Time
	Proposed time.Time
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark regression: %s is earlier than %s",
		e.Proposed.Format(time.RFC3339Nano), e.Current.Format(time.RFC3339Nano))
}

func (e *RegressionError) Is(target error) bool {
	return target == ErrRegression
}

// RejectedMutation is a send/reply/edit the server refused, e.g. a permission
// failure. The optimistic local change must be rolled back and the failure
// surfaced to the caller.
type RejectedMutation struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedMutation) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mutation rejected: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mutation rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedMutation) Is(target error) bool {
	return target == ErrRejected
}
