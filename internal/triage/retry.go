package triage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultRetryAttempts is used when RetryTriage is given no attempt count
	// and no WithRetryAttempts option.
	DefaultRetryAttempts = 3

	// MaxRetryAttempts caps any requested attempt count; the final wait is
	// 2^(MaxRetryAttempts-1) seconds.
	MaxRetryAttempts = 10

	retryBaseDelay = time.Second
)

// retryDelay is the wait after failed attempt n (from 1): 2^n seconds.
func retryDelay(attempt int) time.Duration {
	return retryBaseDelay << attempt
}

// RetryTriage runs the pipeline up to maxAttempts times, each with a fresh
// run id, waiting 2^attempt seconds between failed attempts. Errors that a
// retry cannot fix are returned unchanged after the first attempt.
func (s *Service) RetryTriage(ctx context.Context, ticketID string, maxAttempts int) (*Outcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.attempts
	}
	maxAttempts = min(maxAttempts, MaxRetryAttempts)
	L := s.logger.With("ticket_id", ticketID, "max_attempts", maxAttempts)

	var (
		runIDs []string
		last   error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runID := NewID()
		runIDs = append(runIDs, runID)

		out, err := s.Triage(ctx, ticketID, runID, TriggerRetry)
		if err == nil {
			s.countRetry("success")
			return out, nil
		}
		last = err

		if permanent(err) {
			s.countRetry("permanent")
			return nil, err
		}

		L.Warn(ctx, "triage attempt failed",
			"attempt", attempt,
			"run_id", runID,
			"error", err.Error(),
		)

		if attempt == maxAttempts {
			break
		}
		if err := s.sleep(ctx, retryDelay(attempt)); err != nil {
			s.countRetry("canceled")
			return nil, fmt.Errorf("retry canceled after %d attempts: %w", attempt, errors.Join(err, last))
		}
	}

	s.countRetry("exhausted")
	return nil, &RetryExhaustedError{Attempts: maxAttempts, RunIDs: runIDs, Last: last}
}

func (s *Service) countRetry(result string) {
	if s.metrics != nil {
		s.metrics.RetriesTotal.WithLabelValues(result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
