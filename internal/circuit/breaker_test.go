package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New("test-upstream", Config{FailureThreshold: threshold, Cooldown: cooldown}, zerolog.Nop())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3, time.Hour)

	for i := 0; i < 2; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker open after %d failures, want threshold 3", i+1)
		}
	}
	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow after threshold = %v, want ErrOpen", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %q, want %q", got, StateOpen)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Hour)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow = %v, want nil after the count was reset", err)
	}
	b.Failure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %q, want %q", got, StateOpen)
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow while open = %v, want ErrOpen", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after cooldown = %v, want nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %q, want %q", got, StateHalfOpen)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("second call during the probe must be rejected")
	}

	b.Failure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %q, want %q", got, StateOpen)
	}

	time.Sleep(30 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe = %v, want nil", err)
	}
	b.Success()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after good probe = %q, want %q", got, StateClosed)
	}
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow while closed = %v, want nil", err)
		}
	}
}

func TestBreakerDefaultThreshold(t *testing.T) {
	b := New("defaults", Config{}, zerolog.Nop())

	for i := 0; i < 4; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker open after %d failures, want default threshold 5", i+1)
		}
	}
	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow after 5 failures = %v, want ErrOpen", err)
	}
}
