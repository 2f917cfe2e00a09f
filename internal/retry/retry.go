// Package retry provides exponential backoff with jitter for calls to
// optional collaborators.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
)

// Policy controls how many attempts Do makes and how long it waits between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
}

// DefaultPolicy is used for notifier and classifier calls.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// retryable reports whether err is worth another attempt. Validation and
// policy errors never succeed on retry.
func retryable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, faults.ErrValidation) && !errors.Is(err, faults.ErrPolicyDenied)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is cancelled. The delay doubles each attempt with +-25% jitter.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}
