package notify

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors forming the failure taxonomy. Transport and store
// implementations wrap one of these so callers can pick a retry policy
// with errors.Is instead of inspecting driver-specific types.
var (
	// ErrNetwork marks transport-unreachable failures; retryable with backoff.
	ErrNetwork = errors.New("network unreachable")
	// ErrTimeout marks no-response-within-bound failures; retryable.
	ErrTimeout = errors.New("operation timed out")
	// ErrPermission marks server-side rejections; fatal for the operation.
	ErrPermission = errors.New("permission denied")
	// ErrValidation marks malformed payloads; the item is skipped, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks durable local persistence failures; best-effort continues.
	ErrStorage = errors.New("local storage failed")

	// ErrNotFound is returned by stores for unknown notification ids.
	ErrNotFound = errors.New("notification not found")
)

// Retryable reports whether err should be retried with backoff.
// Permission and validation errors are never retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermission), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrTimeout), errors.Is(err, ErrStorage):
		return true
	}
	// Unknown errors from collaborator drivers: classify before deciding.
	return Retryable(Classify(err))
}

// Classify maps a raw collaborator error onto the taxonomy. Errors already
// in the taxonomy pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNetwork, ErrTimeout, ErrPermission, ErrValidation, ErrStorage, ErrNotFound} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	return ErrNetwork
}
