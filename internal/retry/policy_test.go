package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/rule"
)

var errConnRefused = stderrors.New("connection refused")

func TestExecute_PermanentFailureUsesAllAttempts(t *testing.T) {
	p := NewPolicy(2, 10*time.Millisecond, time.Second)

	var waits []time.Duration
	calls := 0
	start := time.Now()
	attempts, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errConnRefused
	}, func(err error, attempt int, wait time.Duration) {
		waits = append(waits, wait)
	})

	if attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", attempts, calls)
	}
	if !stderrors.Is(err, errConnRefused) {
		t.Errorf("expected last transport error, got %v", err)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 waits between attempts, got %d", len(waits))
	}
	for _, w := range waits {
		if w != 10*time.Millisecond {
			t.Errorf("expected constant 10ms delay, got %v", w)
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("expected at least 20ms of delay, got %v", elapsed)
	}
}

func TestExecute_TimeoutIsTerminal(t *testing.T) {
	p := NewPolicy(2, 0, 20*time.Millisecond)

	calls := 0
	attempts, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	if attempts != 1 || calls != 1 {
		t.Errorf("expected a single attempt on timeout, got %d", attempts)
	}
	if !stderrors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestExecute_SucceedsAfterRetry(t *testing.T) {
	p := NewPolicy(3, time.Millisecond, 0)

	attempts, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errConnRefused
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecute_NoRetries(t *testing.T) {
	p := NewPolicy(0, time.Millisecond, 0)

	attempts, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		return errConnRefused
	}, nil)

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if err == nil {
		t.Error("expected error")
	}
}

func TestExecute_ParentCancelled(t *testing.T) {
	p := NewPolicy(5, 50*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return errConnRefused
	}, nil)

	if attempts != 1 {
		t.Errorf("expected 1 attempt after cancellation, got %d", attempts)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestForRule(t *testing.T) {
	r := &rule.ForwardRule{RetryCount: 2, RetryDelayMs: 100}
	p := ForRule(r, 30*time.Second)

	if p.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.Attempts())
	}
	if p.Delay != 100*time.Millisecond {
		t.Errorf("expected 100ms delay, got %v", p.Delay)
	}
	if p.PerTryTimeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", p.PerTryTimeout)
	}
}

func TestNewPolicy_NegativeRetries(t *testing.T) {
	if p := NewPolicy(-1, 0, 0); p.MaxRetries != 0 {
		t.Errorf("expected negative retries clamped to 0, got %d", p.MaxRetries)
	}
}
