// Package health waits for a service to report healthy.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/nodevisor/internal/metrics"
)

const (
	DefaultDelay          = 500 * time.Millisecond
	DefaultAttemptTimeout = 400 * time.Millisecond
	DefaultDeadline       = 30 * time.Second
)

// Check probes a service once. A non-nil error means unhealthy; the probe is
// retried until the deadline.
type Check func(ctx context.Context) error

// Permanent marks a check error that must not be retried.
func Permanent(err error) error { return backoff.Permanent(err) }

// Strategy decides the timeout of each attempt.
type Strategy interface {
	// AttemptTimeout returns the timeout of the zero-based attempt, never more
	// than remaining.
	AttemptTimeout(attempt int, remaining time.Duration) time.Duration
	String() string
}

// Fixed gives every attempt the same timeout.
type Fixed struct{ Timeout time.Duration }

func (f Fixed) AttemptTimeout(_ int, remaining time.Duration) time.Duration {
	t := f.Timeout
	if t <= 0 {
		t = DefaultAttemptTimeout
	}
	return min(t, remaining)
}

func (f Fixed) String() string { return fmt.Sprintf("fixed(%s)", f.Timeout) }

// Growing gives attempt k a timeout of (k+1)*Base.
type Growing struct{ Base time.Duration }

func (g Growing) AttemptTimeout(attempt int, remaining time.Duration) time.Duration {
	b := g.Base
	if b <= 0 {
		b = DefaultAttemptTimeout
	}
	t := time.Duration(attempt+1) * b
	if t <= 0 || t > remaining {
		return remaining
	}
	return t
}

func (g Growing) String() string { return fmt.Sprintf("growing(%s)", g.Base) }

type Options struct {
	Strategy Strategy
	// Delay separates attempts.
	Delay time.Duration
	// Deadline bounds the whole wait.
	Deadline time.Duration
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Strategy == nil {
		o.Strategy = Fixed{Timeout: DefaultAttemptTimeout}
	}
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// TimeoutError is returned when the service did not become healthy in time.
type TimeoutError struct {
	Name     string
	Elapsed  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not healthy after %s (%d attempts)", e.Name, e.Elapsed.Round(time.Millisecond), e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// IsTimeout reports whether err wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

var errDeadline = errors.New("deadline reached")

// WaitUntilHealthy runs check until it succeeds, the deadline passes, or ctx
// is cancelled. Attempts are spaced by a constant delay.
func WaitUntilHealthy(ctx context.Context, name string, check Check, opts Options) error {
	opts = opts.withDefaults()
	log := opts.Logger.With("process", name)

	start := time.Now()
	deadline := start.Add(opts.Deadline)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	attempts := 0
	var last, fatal error
	op := func() error {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return backoff.Permanent(errDeadline)
		}
		timeout := opts.Strategy.AttemptTimeout(attempts, remaining)
		attempts++
		actx, acancel := context.WithTimeout(waitCtx, timeout)
		err := check(actx)
		acancel()
		metrics.IncHealthAttempt(name, err == nil)
		if err != nil {
			last = err
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				fatal = perm.Err
			}
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debug("health check failed", "attempt", attempts, "retry_in", next, "err", err)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(opts.Delay), waitCtx)
	err := backoff.RetryNotify(op, b, notify)
	elapsed := time.Since(start)
	if err == nil {
		metrics.ObserveHealthWait(name, elapsed.Seconds(), true)
		log.Info("healthy", "attempts", attempts, "elapsed", elapsed.Round(time.Millisecond))
		return nil
	}
	metrics.ObserveHealthWait(name, elapsed.Seconds(), false)
	if fatal != nil {
		return fmt.Errorf("health check %s: %w", name, fatal)
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("wait for %s: %w", name, cerr)
	}
	te := &TimeoutError{Name: name, Elapsed: elapsed, Attempts: attempts, Last: last}
	log.Warn("health wait timed out", "err", te, "strategy", opts.Strategy.String())
	return te
}

// HTTPCheck returns a Check issuing GET url and expecting status want.
func HTTPCheck(client *http.Client, url string, want int) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode != want {
			return fmt.Errorf("GET %s: status %d, want %d", url, resp.StatusCode, want)
		}
		return nil
	}
}
