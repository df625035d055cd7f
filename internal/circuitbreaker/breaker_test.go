package circuitbreaker

import (
	"fmt"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
)

func TestSetOpensAfterThreshold(t *testing.T) {
	var transitions []int
	s, err := NewSet[int](config.CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Minute,
	}, func(host string, state int) {
		transitions = append(transitions, state)
	})
	if err != nil {
		t.Fatal(err)
	}

	fail := func() (int, error) { return 0, fmt.Errorf("connection refused") }
	for i := 0; i < 3; i++ {
		if _, err := s.Execute("a:443", fail); IsOpen(err) {
			t.Fatalf("breaker opened early on attempt %d", i)
		}
	}

	calls := 0
	_, err = s.Execute("a:443", func() (int, error) {
		calls++
		return 1, nil
	})
	if !IsOpen(err) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if calls != 0 {
		t.Error("open breaker must not call fn")
	}
	if len(transitions) != 1 || transitions[0] != 2 {
		t.Errorf("expected a single transition to open, got %v", transitions)
	}

	// Other hosts are unaffected.
	if v, err := s.Execute("b:443", func() (int, error) { return 7, nil }); err != nil || v != 7 {
		t.Errorf("expected b:443 to pass, got %v, %v", v, err)
	}
}

func TestSetHalfOpenRecovers(t *testing.T) {
	s, err := NewSet[int](config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s.Execute("h", func() (int, error) { return 0, fmt.Errorf("down") })
	if _, err := s.Execute("h", func() (int, error) { return 1, nil }); !IsOpen(err) {
		t.Fatalf("expected open, got %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := s.Execute("h", func() (int, error) { return 1, nil }); err != nil {
		t.Fatalf("expected half-open probe to pass, got %v", err)
	}

	snaps := s.Snapshots()
	if len(snaps) != 1 || snaps[0].State != "closed" {
		t.Errorf("expected closed after recovery, got %+v", snaps)
	}
}

func TestSetLRUBound(t *testing.T) {
	s, err := NewSet[int](config.CircuitBreakerConfig{MaxHosts: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"a", "b", "c"} {
		s.Execute(h, func() (int, error) { return 0, nil })
	}
	if got := len(s.Snapshots()); got != 2 {
		t.Errorf("expected 2 tracked hosts, got %d", got)
	}
}

func TestIsOpen(t *testing.T) {
	if IsOpen(fmt.Errorf("other")) {
		t.Error("plain error is not a breaker rejection")
	}
}
