package catalogsync

import (
	"context"
	"errors"
	"time"

	"github.com/juju/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/lukasngl/superset-operator/internal/superset"
)

// RetryPolicy bounds the retries of a single create, update or grant call.
// Zero fields take the defaults.
type RetryPolicy struct {
	// Attempts includes the first call. Defaults to 3.
	Attempts int
	// Delay before the first retry, doubled after every attempt.
	// Defaults to 1s.
	Delay time.Duration
	// MaxDelay caps the delay. Defaults to 10s.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used for zero fields of a [RetryPolicy].
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second, MaxDelay: 10 * time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// retry calls f until it succeeds, fails permanently or the policy is
// exhausted. A permanent failure is returned as is, an exhausted policy
// returns the error of the last attempt.
func (s *Syncer) retry(ctx context.Context, op string, f func() error) error {
	p := s.Retry.withDefaults()
	err := retry.Call(retry.CallArgs{
		Func:         f,
		IsFatalError: func(err error) bool { return !temporary(err) },
		NotifyFunc: func(err error, attempt int) {
			log.FromContext(ctx).V(1).Info("superset call failed, retrying",
				"operation", op, "attempt", attempt, "error", err.Error())
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock(),
		Stop:        ctx.Done(),
	})
	if err == nil || !(retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) || retry.IsDurationExceeded(err)) {
		return err
	}
	return retry.LastError(err)
}

// temporary reports whether err is an API failure worth repeating:
// transport errors, 429 and 5xx responses.
func temporary(err error) bool {
	var apiErr *superset.APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}
