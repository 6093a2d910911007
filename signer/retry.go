package signer

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

type deviceCall[T any] func(ctx context.Context, eth ledger.Eth) (T, error)

type callResult[T any] struct {
	v   T
	err error
}

// dispatch runs fn against the session, retrying while the device reports a
// transient lock. With a timeout configured the loop races a timer; when the
// timer wins the call in flight is abandoned, its result discarded, and no
// further attempt starts.
func dispatch[T any](ctx context.Context, s *Signer, op string, fn deviceCall[T]) (T, error) {
	var zero T
	if s.closed.Load() {
		return zero, ErrClosed
	}

	start := time.Now()
	v, err := dispatchTimed(ctx, s, op, fn)
	s.opts.metrics.observe(op, start, err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func dispatchTimed[T any](ctx context.Context, s *Signer, op string, fn deviceCall[T]) (T, error) {
	var zero T
	if s.opts.timeout <= 0 {
		return attemptLoop(ctx, ctx, s, op, fn)
	}

	loopCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	results := make(chan callResult[T], 1)
	go func() {
		v, err := attemptLoop(loopCtx, ctx, s, op, fn)
		results <- callResult[T]{v: v, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil && ctx.Err() == nil && errors.Is(loopCtx.Err(), context.DeadlineExceeded) && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, s.timedOut(op, context.DeadlineExceeded, nil)
		}
		return r.v, r.err
	case <-loopCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, s.timedOut(op, context.DeadlineExceeded, nil)
	}
}

// attemptLoop waits for the session on loopCtx, then attempts fn with callCtx
// until it succeeds, fails terminally, or the attempt ceiling is reached
func attemptLoop[T any](loopCtx, callCtx context.Context, s *Signer, op string, fn deviceCall[T]) (T, error) {
	var zero T
	eth, err := s.session.get(loopCtx)
	if err != nil {
		return zero, err
	}

	var (
		out     T
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(s.opts.maxAttempts-1), retry.NewConstant(s.opts.retryInterval))
	err = retry.Do(loopCtx, backoff, func(context.Context) error {
		attempt++
		s.opts.metrics.attempt(op)

		v, err := fn(callCtx, eth)
		if err == nil {
			out = v
			return nil
		}
		if ledger.IsTransient(err) {
			s.opts.metrics.lockedRetry(op)
			s.opts.logger.Debug("device locked, retrying", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return out, nil
	}
	if ledger.IsTransient(err) {
		return zero, s.timedOut(op, ErrAttemptsExhausted, err)
	}
	return zero, err
}

func (s *Signer) timedOut(op string, cause, last error) error {
	s.opts.metrics.timeout(op, cause)
	s.opts.logger.Warn("device operation timed out", "op", op, "cause", cause)
	return &TimeoutError{Op: op, Cause: cause, Last: last}
}
