package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errDiscover = errors.New("no container")

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(WithBreakerClock(clk.now))
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error { calls++; return errDiscover }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failing, nil); !errors.Is(err, errDiscover) {
			t.Fatalf("call %d: got %v, want the operation error", i, err)
		}
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state after 3 failures: got %s, want open", cb.State())
	}

	// <30s later: short-circuited to the fallback, op not called.
	clk.advance(29 * time.Second)
	var cause error
	err := cb.Execute(ctx, failing, func(_ context.Context, c error) error { cause = c; return nil })
	if err != nil {
		t.Fatalf("fallback result: %v", err)
	}
	var open *ErrCircuitOpen
	if !errors.As(cause, &open) {
		t.Fatalf("fallback cause: got %v, want *ErrCircuitOpen", cause)
	}
	if calls != 3 {
		t.Fatalf("wrapped op called while open: %d calls", calls)
	}

	// Without a fallback the open error is returned.
	if err := cb.Execute(ctx, failing, nil); !errors.As(err, &open) {
		t.Fatalf("got %v, want *ErrCircuitOpen", err)
	}

	// >=30s after the last failure: probe allowed, success closes.
	clk.advance(time.Second)
	var during BreakerState
	err = cb.Execute(ctx, func(context.Context) error {
		during = cb.State()
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if during != BreakerHalfOpen {
		t.Errorf("state during probe: got %s, want half_open", during)
	}
	if cb.State() != BreakerClosed || cb.Failures() != 0 {
		t.Errorf("after probe: state %s failures %d, want closed 0", cb.State(), cb.Failures())
	}
}

func TestBreakerHalfOpenFailureRestartsCooldown(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	var transitions []string
	cb := NewCircuitBreaker(
		WithBreakerClock(clk.now),
		WithBreakerStateChange(func(from, to BreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	ctx := context.Background()
	fail := func(context.Context) error { return errDiscover }
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail, nil)
	}
	clk.advance(30 * time.Second)
	if err := cb.Execute(ctx, fail, nil); !errors.Is(err, errDiscover) {
		t.Fatalf("probe: got %v", err)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("after failed probe: got %s, want open", cb.State())
	}
	clk.advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("cool-down should restart from the failed probe")
	}
	clk.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should half-open after a fresh cool-down")
	}
	want := []string{"closed>open", "open>half_open", "half_open>open", "open>half_open"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: got %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions: got %v, want %v", transitions, want)
		}
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker()
	ctx := context.Background()
	cb.Execute(ctx, func(context.Context) error { return errDiscover }, nil)
	cb.Execute(ctx, func(context.Context) error { return errDiscover }, nil)
	cb.Execute(ctx, func(context.Context) error { return nil }, nil)
	cb.Execute(ctx, func(context.Context) error { return errDiscover }, nil)
	if cb.State() != BreakerClosed || cb.Failures() != 1 {
		t.Fatalf("got %s with %d failures, want closed with 1", cb.State(), cb.Failures())
	}
}
