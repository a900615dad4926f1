package remote

import (
	"errors"
	"fmt"
)

// Failure kinds. Callers branch on these to decide between retrying,
// re-authenticating, and surfacing the error to the user.
var (
	ErrNetwork    = errors.New("remote: network failure")
	ErrAuth       = errors.New("remote: authentication rejected")
	ErrQuota      = errors.New("remote: quota exceeded")
	ErrValidation = errors.New("remote: request rejected")
	ErrNotFound   = errors.New("remote: entity not found")
)

// Retryable reports whether a failed call may succeed on a later
// attempt. Only transport faults qualify; auth, quota and validation
// failures repeat until something else changes.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func classify(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %s", ErrAuth, body)
	case status == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, body)
	case status == 429 || status == 507:
		return fmt.Errorf("%w: %s", ErrQuota, body)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s", ErrValidation, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrNetwork, status, body)
	}
}
