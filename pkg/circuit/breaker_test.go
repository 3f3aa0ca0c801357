package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	cnErrors "github.com/bardlex/cnminer/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg *Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clock.now
	b.lastResetTime = clock.now()
	return b, clock
}

var errSink = errors.New("broker down")

func fail(context.Context) error    { return errSink }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(&Config{Name: "kafka", MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Hour})
	ctx := context.Background()

	for range 2 {
		if err := b.Execute(ctx, fail); !errors.Is(err, errSink) {
			t.Fatalf("Execute() error = %v, want %v", err, errSink)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %s, want open", got)
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("Execute() ran fn while open")
	}
	if !cnErrors.IsType(err, cnErrors.ErrorTypeInternal) || cnErrors.IsRetryable(err) {
		t.Errorf("Execute() open error = %v, want non-retryable internal error", err)
	}
	if ctxMap := cnErrors.GetContext(err); ctxMap["breaker"] != "kafka" {
		t.Errorf("open error context = %v, want breaker=kafka", ctxMap)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var transitions []string
	cfg := &Config{
		Name: "redis", MaxFailures: 1, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: time.Hour,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	b, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.advance(11 * time.Second)

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("Execute() probe error = %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() after one probe = %s, want half-open", got)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("Execute() second probe error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() after recovery = %s, want closed", got)
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 3, Timeout: time.Second, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.advance(2 * time.Second)
	_ = b.Execute(ctx, fail)

	if got := b.State(); got != StateOpen {
		t.Errorf("State() = %s, want open", got)
	}
}

func TestBreakerResetTimeoutForgetsFailures(t *testing.T) {
	b, clock := newTestBreaker(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.advance(2 * time.Second)
	_ = b.Execute(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed after reset window", got)
	}
	if got := b.Stats().Failures; got != 1 {
		t.Errorf("Stats().Failures = %d, want 1", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := New(nil)
	got, err := ExecuteWithResult(context.Background(), b, func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Errorf("ExecuteWithResult() = %d, %v, want 7, nil", got, err)
	}

	b.Reset()
	if s := b.Stats(); s.State != StateClosed || s.Name != "default" {
		t.Errorf("Stats() = %+v, want closed default breaker", s)
	}
}
