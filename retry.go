// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"context"
	"math"
	"time"
)

// RetryPolicy is the backoff schedule a retry engine invocation follows
// (§3, §4.C). Total attempts equals 1 + MaxRetries.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// delay returns the sleep duration before attempt n (0-based, n >= 1 is a
// retry attempt): initial * multiplier^(n-1). No jitter: spec.md's S2
// scenario requires exact, reproducible delays for testability.
func (p RetryPolicy) delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	factor := math.Pow(p.Multiplier, float64(n-1))
	return time.Duration(float64(p.InitialDelay) * factor)
}

// sleepFunc is the process-wide sleep routine used by every retry engine
// invocation (§4.C, §9's "process-wide sleep override" design note). It is
// initialize-once: embedders replace it during startup to integrate with a
// host event loop, never after the library is in use (§5's shared-resource
// policy).
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSleepFunc replaces the process-wide sleep routine used by the retry
// engine. Call this once, before constructing any client; it is not safe to
// call concurrently with in-flight operations (§5, §9).
func SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	sleepFunc = fn
}

// classifiedError is what an attempt function returns alongside its error
// so the retry engine can classify without parsing error strings.
type classifiedError struct {
	kind ErrorKind
	err  error
}

// attemptFunc runs one try of the wrapped operation. n is the 0-based
// attempt index.
type attemptFunc[T any] func(ctx context.Context, n int) (T, *classifiedError)

// reauthFunc performs a forced re-authentication. Used only for the G2
// transport's one-shot AuthError escalation (§4.C, §7).
type reauthFunc func(ctx context.Context) error

// classifiedErrorMessage guards against an attempt func that sets kind
// without err; falls back to the kind's name rather than panicking on a
// nil err.
func classifiedErrorMessage(cerr *classifiedError) string {
	if cerr.err == nil {
		return cerr.kind.String()
	}
	return cerr.err.Error()
}

// doRetry wraps attempt with the classification and backoff rules of §4.C:
// transient kinds sleep and retry up to policy.MaxRetries times; terminal
// kinds propagate immediately; KindAuth triggers one forced re-auth (via
// reauth, if non-nil) and one extra attempt that does not count against
// MaxRetries or increase the reported Retries.
func doRetry[T any](ctx context.Context, policy RetryPolicy, logger Logger, operation string, reauth reauthFunc, attempt attemptFunc[T]) (T, error) {
	var zero T
	reauthed := false

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, newError(KindTimeout, operation, "context canceled", err)
		}

		value, cerr := attempt(ctx, n)
		if cerr == nil {
			return value, nil
		}

		if cerr.kind == KindAuth && reauth != nil && !reauthed {
			reauthed = true
			logger.Warn("auth error, forcing re-authentication", "operation", operation)
			if rerr := reauth(ctx); rerr != nil {
				return zero, newError(KindAuth, operation, "re-authentication failed", rerr)
			}
			// Retry once; does not consume the retry budget.
			value, cerr = attempt(ctx, n)
			if cerr == nil {
				return value, nil
			}
		}

		if !cerr.kind.Transient() || n >= policy.MaxRetries {
			perr := newError(cerr.kind, operation, classifiedErrorMessage(cerr), cerr.err)
			perr.Retries = n
			return zero, perr
		}

		d := policy.delay(n + 1)
		logger.Warn("transient error, retrying", "operation", operation, "attempt", n+1,
			"max_retries", policy.MaxRetries, "backoff", d.String(), "error", classifiedErrorMessage(cerr))

		if err := sleepFunc(ctx, d); err != nil {
			return zero, newError(KindTimeout, operation, "context canceled during backoff", err)
		}
	}
}
