package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Transient failures are retried inside the client; what the
// orchestrator sees after the budget runs out is ErrUnavailable wrapping
// the classified cause.
var (
	ErrTransient   = errors.New("transient upstream failure")
	ErrPermanent   = errors.New("permanent upstream failure")
	ErrTimeout     = errors.New("upstream deadline exceeded")
	ErrUnavailable = errors.New("adapter unavailable")
)

// classifyStatus maps an HTTP status to an error kind. 2xx maps to nil.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("status %d: %w", code, ErrTimeout)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("status %d: %w", code, ErrTransient)
	default:
		return fmt.Errorf("status %d: %w", code, ErrPermanent)
	}
}

// classifyErr maps a transport-level failure. Caller cancellation is
// passed through untouched so the orchestrator can unwind the stage.
func classifyErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	default:
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
}

// Retryable reports whether the client should attempt the call again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
