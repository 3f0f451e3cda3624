package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigvault/core/fault"
)

// DefaultMaxAttempts bounds commit retries after optimistic conflicts.
const DefaultMaxAttempts = 5

const retryBaseDelay = 10 * time.Millisecond

// RunInTx executes fn inside a transaction and commits it, retrying the whole
// function with exponential backoff when the commit hits an optimistic
// conflict. Only conflicts are retried; every other error is returned as-is
// after rollback. When maxAttempts is exhausted the error wraps
// fault.ErrConflictExceeded.
func (s *Store) RunInTx(ctx context.Context, maxAttempts int, fn func(*Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		tx := s.Begin()
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		err := tx.Commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, fault.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", fault.ErrConflictExceeded, maxAttempts, lastErr)
}
