package metastore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tablecat/tablecat/pkg/logger"
)

// Retry defaults; overridable through RetryerConfig.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 20 * time.Millisecond
	DefaultMaxInterval     = 500 * time.Millisecond
)

// RetryerConfig configures the retry coordinator.
type RetryerConfig struct {
	// MaxAttempts caps how often the operation runs in total, first try
	// included.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *logger.Logger
}

// Retryer re-invokes a transactional operation while it fails with a
// concurrency conflict, with jittered exponential backoff between attempts.
// This is the sole recovery mechanism for concurrent-write contention;
// entity writes always go through it.
type Retryer struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *logger.Logger
}

// NewRetryer creates a retry coordinator
func NewRetryer(cfg RetryerConfig) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("metastore-retry", "")
	}
	return &Retryer{
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
		logger:          cfg.Logger,
	}
}

// Run invokes op, re-running it on ErrConcurrencyConflict until the attempt
// cap is reached. Any other error short-circuits and propagates immediately;
// after the cap, the last conflict is returned.
func (r *Retryer) Run(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0

	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsConcurrencyConflict(err) {
			if attempt < r.maxAttempts {
				r.logger.Debugf("attempt %d/%d hit a write conflict, retrying: %v", attempt, r.maxAttempts, err)
			}
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	policy.MaxInterval = r.maxInterval

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx))
}
