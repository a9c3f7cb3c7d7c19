package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepsynoptic/mosaicd"
	"github.com/deepsynoptic/mosaicd/recovery"
	"github.com/deepsynoptic/mosaicd/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func fastPolicies() map[string]Policy {
	p := map[string]Policy{}
	for name, pol := range DefaultPolicies() {
		pol.BaseDelay = time.Millisecond
		pol.MaxDelay = 2 * time.Millisecond
		pol.RecoveryTimeout = 50 * time.Millisecond
		p[name] = pol
	}
	return p
}

func newRunner() (*Runner, *recovery.Ledger, *store.Store) {
	st := store.NewMemory()
	l := recovery.NewLedger(st, fixedClock{time.Now()})
	return NewRunner(fastPolicies(), l), l, st
}

func TestRunSuccess(t *testing.T) {
	r, _, _ := newRunner()
	out := r.Run(context.Background(), StageSolve, time.Time{}, func(ctx context.Context) error {
		return nil
	})
	if !out.OK || out.Attempts != 1 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	r, _, _ := newRunner()
	calls := 0
	out := r.Run(context.Background(), StageSolve, time.Time{}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("network unreachable")
		}
		return nil
	})
	if !out.OK {
		t.Fatalf("outcome: %+v", out)
	}
	if calls != 3 {
		t.Errorf("collaborator called %d times", calls)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	r, _, _ := newRunner()
	calls := 0
	out := r.Run(context.Background(), StageSolve, time.Time{}, func(ctx context.Context) error {
		calls++
		return mosaicd.Errorf(mosaicd.Validation, "bad field table")
	})
	if out.OK || out.Skipped {
		t.Fatalf("outcome: %+v", out)
	}
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
	if out.Kind != mosaicd.Validation {
		t.Errorf("kind = %v", out.Kind)
	}
}

func TestTransientExhaustionBecomesPermanent(t *testing.T) {
	r, _, _ := newRunner()
	out := r.Run(context.Background(), StageImaging, time.Time{}, func(ctx context.Context) error {
		return errors.New("i/o error")
	})
	if out.OK || out.Skipped {
		t.Fatalf("outcome: %+v", out)
	}
	// imaging max attempts = 2
	if out.Attempts != 2 {
		t.Errorf("attempts = %d", out.Attempts)
	}
	if out.Kind != mosaicd.Permanent {
		t.Errorf("kind = %v, expected Permanent after exhaustion", out.Kind)
	}
}

func TestBreakerOpensThenRecloses(t *testing.T) {
	r, _, st := newRunner()
	ctx := context.Background()
	fail := func(ctx context.Context) error { return mosaicd.Errorf(mosaicd.Corrupt, "i/o error hard") }

	// imaging failure threshold = 5 consecutive breaker-counted failures.
	for i := 0; i < 5; i++ {
		out := r.Run(ctx, StageImaging, time.Time{}, fail)
		if out.OK || out.Skipped {
			t.Fatalf("call %d outcome: %+v", i, out)
		}
	}

	calls := 0
	out := r.Run(ctx, StageImaging, time.Time{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !out.Skipped || out.Kind != mosaicd.CircuitOpen {
		t.Fatalf("breaker did not refuse: %+v", out)
	}
	if calls != 0 {
		t.Errorf("collaborator invoked while breaker open")
	}
	// CircuitOpen outcomes land in the ledger for diagnostics.
	evs := st.RecentFailures(ctx, StageImaging, time.Now().Add(-time.Hour))
	found := false
	for _, ev := range evs {
		if ev.ErrorKind == mosaicd.CircuitOpen.String() {
			found = true
		}
	}
	if !found {
		t.Errorf("CircuitOpen not in ledger")
	}

	// After the recovery timeout, trials are admitted; successes close it.
	time.Sleep(60 * time.Millisecond)
	for i := 0; i < 3; i++ {
		out = r.Run(ctx, StageImaging, time.Time{}, func(ctx context.Context) error { return nil })
		if !out.OK {
			t.Fatalf("half-open trial %d: %+v", i, out)
		}
	}
	if r.State(StageImaging) != "closed" {
		t.Errorf("breaker state = %s after successes", r.State(StageImaging))
	}
}

func TestDeadlineClampsStage(t *testing.T) {
	r, _, _ := newRunner()
	deadline := time.Now().Add(10 * time.Millisecond)
	out := r.Run(context.Background(), StageMosaic, deadline, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if out.OK {
		t.Fatalf("deadline ignored: %+v", out)
	}
}
