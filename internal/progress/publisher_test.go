package progress

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_StartsIdle(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	snap := p.Snapshot()
	assert.Equal(t, "idle", snap.Status)
	assert.Equal(t, "Waiting for user commands", snap.Task)
	assert.Equal(t, 0, snap.Completed)
	assert.Equal(t, 100, snap.Total)
}

func TestPublisher_UpdateReplacesWholesale(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	p.Update("authenticating", "Waiting for phone number", 20, 100, 3)
	p.Update("downloading", "Downloading: x...", 45, 100, 2)

	snap := p.Snapshot()
	assert.Equal(t, "downloading", snap.Status)
	assert.Equal(t, 45, snap.Completed)
	assert.Equal(t, 2, snap.ActiveUsers)
	assert.False(t, snap.LastUpdate.IsZero())
}

func TestPublisher_SubscribeReceivesUpdates(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	ch, unsubscribe := p.Subscribe()
	p.Update("active", "User starting authentication process", 0, 100, 1)

	select {
	case snap := <-ch:
		assert.Equal(t, "active", snap.Status)
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestPublisher_SlowSubscriberDoesNotBlock(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	_, unsubscribe := p.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*10; i++ {
			p.Update("downloading", "x", i, 100, 1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Update blocked on a full subscriber")
	}
}

func TestPublisher_ScheduleIdleReset(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	p.Update("completed", "All tasks completed successfully", 100, 100, 1)
	p.ScheduleIdleReset(10*time.Millisecond, func() bool { return false })

	require.Eventually(t, func() bool {
		return p.Snapshot().Status == "idle"
	}, time.Second, 5*time.Millisecond)
}

func TestPublisher_ScheduleIdleResetSkippedWhenActive(t *testing.T) {
	p := NewPublisher(nil)
	defer p.Close()

	var checked atomic.Bool
	p.Update("completed", "All tasks completed successfully", 100, 100, 1)
	p.ScheduleIdleReset(5*time.Millisecond, func() bool {
		checked.Store(true)
		return true
	})

	require.Eventually(t, checked.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, "completed", p.Snapshot().Status)
}

func TestPublisher_CloseCancelsReset(t *testing.T) {
	p := NewPublisher(nil)

	var called atomic.Bool
	p.Update("completed", "done", 100, 100, 0)
	p.ScheduleIdleReset(20*time.Millisecond, func() bool {
		called.Store(true)
		return false
	})
	p.Close()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.Load())
	assert.Equal(t, "completed", p.Snapshot().Status)
}
