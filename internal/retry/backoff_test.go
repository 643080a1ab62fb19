package retry

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Schedule(t *testing.T) {
	b := NewBackoff(1000*time.Millisecond, 30000*time.Millisecond)

	// Three consecutive failures.
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if b.Failures() != 3 {
		t.Errorf("Failures() = %d, want 3", b.Failures())
	}

	// A successful open resets the sequence.
	b.Reset()
	if got := b.Next(); got != 1000*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
	if b.Failures() != 1 {
		t.Errorf("Failures() after Reset+Next = %d, want 1", b.Failures())
	}
}

func TestBackoff_Cap(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w*time.Second)
		}
	}
}

func TestNewExponential_NoJitterNoDeadline(t *testing.T) {
	b := NewExponential(time.Second, 30*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Errorf("NextBackOff() #%d = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if b.MaxElapsedTime != 0 {
		t.Errorf("MaxElapsedTime = %v, want 0 (never stop)", b.MaxElapsedTime)
	}

	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("NextBackOff() after Reset = %v, want 1s", got)
	}
}

func TestNewBackoff_Normalizes(t *testing.T) {
	b := NewBackoff(0, -1)
	if got := b.Next(); got != time.Millisecond {
		t.Errorf("Next() = %v, want 1ms", got)
	}
	if got := b.Next(); got != time.Millisecond {
		t.Errorf("Next() = %v, want 1ms (max raised to initial)", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Error("Sleep should return the context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep should return promptly when cancelled")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() = %v, want nil", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v, want nil", err)
	}
}
