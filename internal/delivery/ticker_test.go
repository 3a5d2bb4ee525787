package delivery

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTicker_FiresUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	tk := StartTicker(5*time.Millisecond, func(*Ticker) { calls.Add(1) })

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("Expected at least 2 ticks, got %d", calls.Load())
	}

	tk.Stop()
	tk.Stop()
	time.Sleep(20 * time.Millisecond)
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("Ticker kept firing after Stop: %d -> %d", after, calls.Load())
	}
}

func TestTicker_StopFromCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := make(chan struct{})
	var calls atomic.Int32
	StartTicker(time.Millisecond, func(tk *Ticker) {
		if calls.Add(1) == 1 {
			tk.Stop()
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 tick, got %d", calls.Load())
	}
}
