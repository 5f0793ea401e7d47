package device

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy shapes the send-then-receive loop of a Session.
// MaxAttempts of 0 retries until the context is done.
type RetryPolicy struct {
	MaxAttempts uint
	Delay       time.Duration
	Backoff     Backoff
}

func Bounded(attempts uint, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Delay: delay, Backoff: BackoffFixed}
}

func Unbounded(delay time.Duration) RetryPolicy {
	return RetryPolicy{Delay: delay, Backoff: BackoffFixed}
}

func (p RetryPolicy) Bounded() bool {
	return p.MaxAttempts > 0
}

func (p RetryPolicy) Validate() error {
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %v", p.Delay)
	}
	switch p.Backoff {
	case BackoffNone, BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown retry backoff %q", p.Backoff)
	}
	return nil
}

func (p RetryPolicy) backOff() backoff.BackOff {
	switch p.Backoff {
	case BackoffNone:
		return &backoff.ZeroBackOff{}
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		if p.Delay > 0 {
			b.InitialInterval = p.Delay
		}
		if b.MaxInterval < b.InitialInterval {
			b.MaxInterval = b.InitialInterval
		}
		return b
	default:
		return backoff.NewConstantBackOff(p.Delay)
	}
}

func (p RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		// The library caps total time at 15 minutes unless told otherwise;
		// the caller's context is the only bound here.
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}
