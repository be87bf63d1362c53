/*Package poll waits for a component to reach a condition.

Two forms cover every wait the scripts do: Until re-evaluates a check at
a fixed rate (sun elevation, a derived quantity), and Sample consumes a
topic until a sample satisfies a predicate (chiller temperature, lamp
state, door position).  Both fail with ErrTimeout.
*/
package poll

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/lsst-ts/stdscripts/sal"
)

// ErrTimeout is returned when the condition was not met in time
var ErrTimeout = errors.New("poll: condition not met before timeout")

// Check reports whether the awaited condition holds.
// A non-nil error aborts the wait.
type Check func(ctx context.Context) (bool, error)

// Until calls check every interval until it returns true, the timeout
// elapses, or ctx is done.  The first call is immediate.
func Until(ctx context.Context, interval, timeout time.Duration, check Check) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return expired(ctx, timeout)
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// expired maps a limiter/context failure to ErrTimeout when the
// deadline we set was the cause
func expired(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	// rate.Limiter refuses to wait past the deadline without returning
	// context.DeadlineExceeded, so anything else is a timeout too
	return fmt.Errorf("%w after %v", ErrTimeout, timeout)
}

// Options configure Sample
type Options struct {
	// Flush discards queued samples before the first read
	Flush bool

	// Current tests the latest value (waiting for one if none) before
	// reading new samples.  It implies Flush.
	Current bool

	// ReadTimeout bounds each read.  Zero means Timeout.
	ReadTimeout time.Duration

	// Timeout bounds the whole wait
	Timeout time.Duration
}

// Predicate accepts or rejects a sample.  A non-nil error aborts the wait.
type Predicate func(s sal.Sample) (bool, error)

// Sample reads r until pred accepts a sample and returns that sample
func Sample(ctx context.Context, r *sal.Reader, opts Options, pred Predicate) (sal.Sample, error) {
	rt := opts.ReadTimeout
	if rt == 0 || rt > opts.Timeout {
		rt = opts.Timeout
	}
	deadline := time.Now().Add(opts.Timeout)
	var last sal.Sample
	first := true
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, timeoutErr(r, opts.Timeout, last)
		}
		wait := rt
		if wait > remaining {
			wait = remaining
		}
		var (
			s   sal.Sample
			err error
		)
		if first && opts.Current {
			// later reads only see samples newer than this one
			r.Flush()
			s, err = r.Aget(ctx, wait)
		} else {
			s, err = r.Next(ctx, first && opts.Flush, wait)
		}
		first = false
		if err != nil {
			if errors.Is(err, sal.ErrTimeout) {
				// a read timeout is only fatal when the overall budget is gone
				// or when each read is meant to see data
				if opts.ReadTimeout > 0 && opts.ReadTimeout < opts.Timeout {
					return last, fmt.Errorf("no %s sample in %v: %w", r.Name(), opts.ReadTimeout, ErrTimeout)
				}
				continue
			}
			return last, err
		}
		last = s
		ok, err := pred(s)
		if err != nil {
			return s, err
		}
		if ok {
			return s, nil
		}
	}
}

func timeoutErr(r *sal.Reader, timeout time.Duration, last sal.Sample) error {
	if last == nil {
		return fmt.Errorf("%w: no %s sample in %v", ErrTimeout, r.Name(), timeout)
	}
	return fmt.Errorf("%w: %s did not reach the condition in %v, last %v", ErrTimeout, r.Name(), timeout, map[string]interface{}(last))
}

// WithinRelative reports whether value is within tol*|target| of target
func WithinRelative(value, target, tol float64) bool {
	return math.Abs(value-target) <= tol*math.Abs(target)
}

// WithinAbsolute reports whether value is within tol of target
func WithinAbsolute(value, target, tol float64) bool {
	return math.Abs(value-target) <= tol
}
