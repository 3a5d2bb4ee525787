package domain

import "testing"

func TestState_IsProcessing(t *testing.T) {
	processing := []State{
		StateProcessing, StateAwaitingPhone, StateAwaitingOTP, StateAwaitingChannel,
		StateAwaitingOption, StateAwaitingDestination, StateTransferring,
	}
	for _, s := range processing {
		if !s.IsProcessing() {
			t.Errorf("Expected %s to be a processing state", s)
		}
	}

	for _, s := range []State{StateIdle, StateAwaitingConsent, StateAwaitingAPIID, StateAwaitingAPIHash} {
		if s.IsProcessing() {
			t.Errorf("Expected %s not to be a processing state", s)
		}
	}
}

func TestErrorCounters(t *testing.T) {
	var c ErrorCounters
	c.AddFileExpired()
	c.AddTimeout()
	c.AddTimeout()

	if c.Total != 3 || c.FileExpired != 1 || c.Timeout != 2 {
		t.Fatalf("Unexpected counters: %+v", c)
	}

	base := c
	c.AddFileExpired()
	if got := c.Since(base); got != (ErrorCounters{Total: 1, FileExpired: 1}) {
		t.Errorf("Expected one file ref since base, got %+v", got)
	}

	c.Reset()
	if c != (ErrorCounters{}) {
		t.Errorf("Expected zero counters after reset, got %+v", c)
	}
}
