// Package stage invokes external pipeline stages with deadlines, retries and
// per-stage circuit breakers.
package stage

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/recovery"
)

// Stage names used for policies, breakers and the failure ledger.
const (
	StageSolve      = "calibration_solve"
	StageApply      = "calibration_apply"
	StageImaging    = "imaging"
	StageMosaic     = "mosaicking"
	StagePhotometry = "photometry"
)

// Policy bundles the breaker and retry knobs for one stage.
type Policy struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           bool
}

// DefaultPolicies per stage.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		StageSolve:      {FailureThreshold: 3, RecoveryTimeout: 300 * time.Second, SuccessThreshold: 3, MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
		StageApply:      {FailureThreshold: 3, RecoveryTimeout: 300 * time.Second, SuccessThreshold: 3, MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
		StageImaging:    {FailureThreshold: 5, RecoveryTimeout: 600 * time.Second, SuccessThreshold: 3, MaxAttempts: 2, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, Jitter: true},
		StageMosaic:     {FailureThreshold: 3, RecoveryTimeout: 300 * time.Second, SuccessThreshold: 3, MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
		StagePhotometry: {FailureThreshold: 5, RecoveryTimeout: 300 * time.Second, SuccessThreshold: 3, MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute, Jitter: true},
	}
}

// Outcome of one stage invocation.
type Outcome struct {
	OK         bool
	Skipped    bool
	SkipReason string
	Kind       mosaicd.ErrorCode
	Err        error
	Attempts   int
}

// Runner owns one circuit breaker per stage. Breaker state is process-local;
// the ledger persists failure counts for diagnostics only.
type Runner struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	policies map[string]Policy
	ledger   *recovery.Ledger
	onOpen   func(stage string)
}

// SetOpenHook registers a callback invoked whenever a stage's breaker opens.
func (r *Runner) SetOpenHook(fn func(stage string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

func NewRunner(policies map[string]Policy, ledger *recovery.Ledger) *Runner {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Runner{
		breakers: map[string]*gobreaker.CircuitBreaker{},
		policies: policies,
		ledger:   ledger,
	}
}

func (r *Runner) policy(stage string) Policy {
	if p, ok := r.policies[stage]; ok {
		return p
	}
	return Policy{FailureThreshold: 3, RecoveryTimeout: 300 * time.Second, SuccessThreshold: 3, MaxAttempts: 2, BaseDelay: 5 * time.Second, Jitter: true}
}

func (r *Runner) breaker(stage string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[stage]; ok {
		return cb
	}
	p := r.policy(stage)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        stage,
		MaxRequests: p.SuccessThreshold,
		Timeout:     p.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("stage: breaker state change", "stage", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				r.mu.Lock()
				fn := r.onOpen
				r.mu.Unlock()
				if fn != nil {
					fn(name)
				}
			}
		},
	})
	r.breakers[stage] = cb
	return cb
}

// Run invokes fn under the stage's breaker and retry policy. The deadline
// clamps fn's context; a zero deadline means none beyond ctx's own.
func (r *Runner) Run(ctx context.Context, stage string, deadline time.Time, fn func(ctx context.Context) error) Outcome {
	p := r.policy(stage)
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	attempts := 0
	_, err := r.breaker(stage).Execute(func() (any, error) {
		attempts = 0
		b := retry.NewExponential(p.BaseDelay)
		if p.MaxDelay > 0 {
			b = retry.WithCappedDuration(p.MaxDelay, b)
		}
		if p.Jitter {
			b = retry.WithJitterPercent(50, b)
		}
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
		return nil, retry.Do(ctx, b, func(ctx context.Context) error {
			attempts++
			err := fn(ctx)
			if err == nil {
				return nil
			}
			kind := recovery.Classify(err)
			r.ledger.Record(ctx, stage, kind, err.Error())
			if recovery.Retryable(kind) {
				return retry.RetryableError(err)
			}
			return err
		})
	})
	if err == nil {
		return Outcome{OK: true, Attempts: attempts}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.ledger.Record(ctx, stage, mosaicd.CircuitOpen, "breaker refused call")
		return Outcome{Skipped: true, SkipReason: "circuit open", Kind: mosaicd.CircuitOpen, Attempts: attempts}
	}

	kind := recovery.Classify(err)
	if recovery.Retryable(kind) && attempts >= p.MaxAttempts {
		// Transient failures become permanent for the group once the stage's
		// attempts are exhausted.
		kind = mosaicd.Permanent
	}
	return Outcome{Kind: kind, Err: err, Attempts: attempts}
}

// State returns the breaker state string for a stage, for status output.
func (r *Runner) State(stage string) string {
	return r.breaker(stage).State().String()
}
