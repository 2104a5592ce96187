package main

import (
	"errors"
	"testing"
	"time"
)

var errProbe = errors.New("probe failed")

func TestCircuitBreakerStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(3, 30*time.Second, 1, clock.Now, discardLogger())

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errProbe }); !errors.Is(err, errProbe) {
			t.Fatalf("Call() #%d error = %v, want %v", i, err, errProbe)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), CircuitOpen)
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() while open error = %v, want %v", err, ErrCircuitOpen)
	}
	if called {
		t.Error("Call() ran fn while open")
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, 10*time.Second, 2, clock.Now, discardLogger())

	cb.Call(func() error { return errProbe })
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), CircuitOpen)
	}

	clock.Advance(11 * time.Second)
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe Call() error = %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() after one success = %v, want %v", cb.State(), CircuitHalfOpen)
	}

	cb.Call(func() error { return nil })
	if cb.State() != CircuitClosed {
		t.Errorf("State() after recovery = %v, want %v", cb.State(), CircuitClosed)
	}
	if cb.FailureCount() != 0 {
		t.Errorf("FailureCount() = %d, want 0", cb.FailureCount())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, 10*time.Second, 1, clock.Now, discardLogger())

	cb.Call(func() error { return errProbe })
	clock.Advance(11 * time.Second)
	cb.Call(func() error { return errProbe })

	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), CircuitOpen)
	}
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() error = %v, want %v", err, ErrCircuitOpen)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second, 1, nil, discardLogger())

	cb.Call(func() error { return errProbe })
	cb.Call(func() error { return errProbe })
	cb.Call(func() error { return nil })
	cb.Call(func() error { return errProbe })

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want %v", cb.State(), CircuitClosed)
	}
	if cb.FailureCount() != 1 {
		t.Errorf("FailureCount() = %d, want 1", cb.FailureCount())
	}
}
