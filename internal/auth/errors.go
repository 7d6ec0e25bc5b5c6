package auth

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, token and guard layers. Callers classify
// with errors.Is; wrapped messages carry detail for logs only.
var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrConflict           = errors.New("auth: resource conflict")
	ErrNotFound           = errors.New("auth: not found")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	ErrForbidden          = errors.New("auth: forbidden")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrUnavailable        = errors.New("auth: store unavailable")
)

// Unavailable wraps err as a retryable ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// classifyStoreErr maps context expiry onto ErrUnavailable and leaves taxonomy
// errors untouched.
func classifyStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(op, err)
	}
	return err
}
