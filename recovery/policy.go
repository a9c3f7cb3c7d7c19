// Package recovery classifies stage failures, shapes retry backoff and keeps
// the failure ledger the circuit breakers and operators consult.
package recovery

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/store"
)

// Classify maps an error to the closed taxonomy. Declared kinds win; context
// deadlines are Timeout; the transient-marker heuristic catches undeclared
// I/O-ish failures; everything else is Permanent.
func Classify(err error) mosaicd.ErrorCode {
	if err == nil {
		return mosaicd.Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mosaicd.Timeout
	}
	if errors.Is(err, context.Canceled) {
		return mosaicd.Transient
	}
	if code := mosaicd.CodeOf(err); code != mosaicd.Unknown {
		return code
	}
	if mosaicd.IsTransient(err) {
		return mosaicd.Transient
	}
	return mosaicd.Permanent
}

// Retryable reports whether a failure of this kind may be retried within a
// stage invocation.
func Retryable(kind mosaicd.ErrorCode) bool {
	switch kind {
	case mosaicd.Transient, mosaicd.Resource, mosaicd.Timeout:
		return true
	}
	return false
}

// Backoff is the per-stage delay schedule.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Exponent  float64
	Jitter    bool
}

// Delay returns min(maxDelay, base*exp^attempt) with multiplicative jitter in
// [0.5, 1.5] when enabled. attempt counts from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	exp := b.Exponent
	if exp <= 0 {
		exp = 2.0
	}
	d := float64(b.BaseDelay) * math.Pow(exp, float64(attempt))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Ledger records failures for breaker diagnostics and "why is this group
// stuck" queries. Retention is enforced by the store.
type Ledger struct {
	store *store.Store
	clock mosaicd.Clock
}

func NewLedger(st *store.Store, clock mosaicd.Clock) *Ledger {
	return &Ledger{store: st, clock: clock}
}

// Record appends one failure event.
func (l *Ledger) Record(ctx context.Context, subsystem string, kind mosaicd.ErrorCode, message string) {
	if l == nil {
		return
	}
	// Ledger writes are best effort; a full disk must not mask the original failure.
	_ = l.store.AppendFailure(ctx, mosaicd.FailureEvent{
		Subsystem: subsystem,
		ErrorKind: kind.String(),
		Message:   message,
		TS:        l.clock.Now().UTC(),
	})
}

// CountSince returns how many failures the subsystem logged in the window.
func (l *Ledger) CountSince(ctx context.Context, subsystem string, window time.Duration) int {
	if l == nil {
		return 0
	}
	return len(l.store.RecentFailures(ctx, subsystem, l.clock.Now().Add(-window)))
}
