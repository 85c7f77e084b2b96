// Package poll waits for asynchronous conditions with an interval and a
// deadline, never with a bare sleep.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AssertionTimeout reports a condition that did not hold before its deadline.
// Last is the final observation, for the report.
type AssertionTimeout struct {
	What    string
	Waited  time.Duration
	Last    any
	LastErr error
}

func (e *AssertionTimeout) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Waited.Round(time.Millisecond), e.What)
	if e.Last != nil {
		msg += fmt.Sprintf(" (last observed: %v)", e.Last)
	}
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.LastErr)
	}
	return msg
}

func (e *AssertionTimeout) Unwrap() error { return e.LastErr }

// Check observes the system once. It returns whether the condition holds and
// the observation to report if it never does. A returned error is kept as the
// last error and polling continues, unless it was wrapped with Abort.
type Check func(ctx context.Context) (ok bool, observed any, err error)

type abort struct{ err error }

func (a *abort) Error() string { return a.err.Error() }
func (a *abort) Unwrap() error { return a.err }

// Abort marks err as final: Until and Quiet return it at once instead of
// waiting out the deadline.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abort{err: err}
}

func aborted(err error) (bool, error) {
	var a *abort
	if errors.As(err, &a) {
		return true, a.err
	}
	return false, nil
}

// Until runs check every interval until it holds, within expires, or ctx ends.
// The first check runs immediately.
func Until(ctx context.Context, what string, interval, within time.Duration, check Check) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	start := time.Now()
	deadline := start.Add(within)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last any
	var lastErr error
	for {
		ok, observed, err := check(ctx)
		if err == nil && ok {
			return nil
		}
		if stop, final := aborted(err); stop {
			return final
		}
		last, lastErr = observed, err

		if !time.Now().Before(deadline) {
			return &AssertionTimeout{What: what, Waited: time.Since(start), Last: last, LastErr: lastErr}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Quiet checks that violation stays false for the whole window. It is the
// negative form of Until: it returns nil only after window has passed. An
// error from violation ends the wait and is returned as is.
func Quiet(ctx context.Context, what string, interval, window time.Duration, violation func() (bool, any, error)) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	start := time.Now()
	timer := time.NewTimer(window)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observe := func() error {
		bad, observed, err := violation()
		if err != nil {
			return err
		}
		if bad {
			return fmt.Errorf("unexpected %s after %s: %v", what, time.Since(start).Round(time.Millisecond), observed)
		}
		return nil
	}
	for {
		if err := observe(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("checking %s: %w", what, ctx.Err())
		case <-timer.C:
			return observe()
		case <-ticker.C:
		}
	}
}
