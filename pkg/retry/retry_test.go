package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	cnErrors "github.com/bardlex/cnminer/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		attempts int
		maxDelay time.Duration
	}{
		{"default", DefaultConfig(), 3, 5 * time.Second},
		{"dial", DialConfig(), 2, time.Second},
		{"sink", SinkConfig(), 3, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.attempts)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
		})
	}
}

func TestDo(t *testing.T) {
	connErr := cnErrors.New(cnErrors.ErrorTypeConnection, "test", "pool unreachable")
	rejected := cnErrors.New(cnErrors.ErrorTypeSubmissionRejected, "test", "low difficulty share")

	tests := []struct {
		name      string
		failures  int
		err       error
		attempts  int
		wantCalls int
		wantErr   bool
		wantType  cnErrors.ErrorType
	}{
		{"first try", 0, connErr, 3, 1, false, ""},
		{"recovers on second", 1, connErr, 3, 2, false, ""},
		{"exhausts budget", 10, connErr, 2, 2, true, cnErrors.ErrorTypeInternal},
		{"rejected share not retried", 10, rejected, 3, 1, true, cnErrors.ErrorTypeSubmissionRejected},
		{"plain error not retried", 10, errors.New("bad payload"), 3, 1, true, ""},
		{"zero attempts still runs once", 10, connErr, 0, 1, true, cnErrors.ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(tt.attempts), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("Do() calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantType != "" && !cnErrors.IsType(err, tt.wantType) {
				t.Errorf("Do() error = %v, want type %s", err, tt.wantType)
			}
		})
	}
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, config, func(context.Context) error {
		calls++
		cancel()
		return cnErrors.New(cnErrors.ErrorTypeTimeout, "test", "slow broker")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("Do() calls = %d, want 1", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), nil, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", cnErrors.New(cnErrors.ErrorTypeDatabase, "test", "redis busy")
		}
		return "stored", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != "stored" || calls != 2 {
		t.Errorf("DoWithResult() = %q after %d calls, want %q after 2", got, calls, "stored")
	}
}

func TestBackoff(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := config.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	config.Jitter = true
	for range 50 {
		d := config.backoff(0)
		if d < 100*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("backoff(0) with jitter = %v, want within [100ms, 110ms]", d)
		}
	}
}
