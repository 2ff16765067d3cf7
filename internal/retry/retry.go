// Package retry executes operations against the broker cluster with a
// bounded exponential backoff. Transient failures are re-attempted until
// the budget runs out; aborted (non-retryable) failures pass through
// untouched.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "retry", Name: "attempts_retried_total",
		Help: "Attempts that failed and were retried",
	})
	giveupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "retry", Name: "giveups_total",
		Help: "Operations abandoned after the retry budget",
	})
	successesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier", Subsystem: "retry", Name: "successes_total",
		Help: "Operations that eventually succeeded",
	})
)

type Config struct {
	InitialInterval     time.Duration `koanf:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval"`
	Multiplier          float64       `koanf:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time"`
	PerAttemptTimeout   time.Duration `koanf:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 250 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
}

// Func is one attempt of a retryable operation.
type Func func(ctx context.Context) error

// ExhaustedError reports that the budget ran out. Unwrap yields the error
// of the final attempt.
type ExhaustedError struct {
	Err      error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Abort marks err as non-retryable: Execute stops immediately and returns
// err unchanged instead of an ExhaustedError.
func Abort(err error) error { return backoff.Permanent(err) }

// Execute runs op under cfg until it succeeds, aborts, or the budget is
// exhausted. The ctx bounds the whole run; PerAttemptTimeout bounds each
// attempt separately.
func Execute(ctx context.Context, cfg Config, log *slog.Logger, op Func) error {
	cfg.applyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.MaxElapsedTime = cfg.MaxElapsedTime

	var attempts int
	var aborted bool

	operation := func() error {
		attempts++
		actx := ctx
		if cfg.PerAttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
			defer cancel()
		}
		err := op(actx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			aborted = true
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		retriesTotal.Inc()
		log.Warn("retrying", "error", err, "delay", delay, "attempt", attempts)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		if aborted {
			return err
		}
		giveupsTotal.Inc()
		log.Error("retry budget exhausted", "error", err, "attempts", attempts)
		return &ExhaustedError{Err: err, Attempts: attempts}
	}
	successesTotal.Inc()
	return nil
}
