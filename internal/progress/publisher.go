// Package progress publishes the process-wide progress snapshot.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
)

const subscriberBuffer = 4

// Publisher owns the single progress snapshot. Writers replace it wholesale
// and readers never observe a partially written value.
type Publisher struct {
	current atomic.Pointer[domain.Snapshot]
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[chan domain.Snapshot]struct{}
	timers map[*time.Timer]struct{}
	closed bool
}

// NewPublisher creates a publisher holding the idle snapshot.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		now:    time.Now,
		logger: logger,
		subs:   make(map[chan domain.Snapshot]struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
	idle := domain.IdleSnapshot(p.now())
	p.current.Store(&idle)
	return p
}

// Update replaces the snapshot.
func (p *Publisher) Update(status, task string, completed, total, activeUsers int) {
	snap := domain.Snapshot{
		Status:      status,
		Task:        task,
		Completed:   completed,
		Total:       total,
		ActiveUsers: activeUsers,
		LastUpdate:  p.now(),
	}
	p.current.Store(&snap)
	p.logger.Info("Progress update", "status", status, "task", task, "completed", completed, "total", total)
	p.broadcast(snap)
}

// Snapshot returns the current snapshot.
func (p *Publisher) Snapshot() domain.Snapshot {
	return *p.current.Load()
}

// Subscribe returns a channel receiving every subsequent snapshot. Slow
// subscribers miss intermediate values rather than blocking writers. The
// returned func unsubscribes and closes the channel.
func (p *Publisher) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, subscriberBuffer)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[ch]; ok {
				delete(p.subs, ch)
				close(ch)
			}
		})
	}
}

func (p *Publisher) broadcast(snap domain.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// ScheduleIdleReset resets the snapshot to idle after delay if stillActive
// reports false at that time.
func (p *Publisher) ScheduleIdleReset(delay time.Duration, stillActive func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		_, pending := p.timers[t]
		delete(p.timers, t)
		p.mu.Unlock()
		if !pending {
			return
		}

		if stillActive != nil && stillActive() {
			return
		}
		idle := domain.IdleSnapshot(p.now())
		p.current.Store(&idle)
		p.logger.Info("Progress reset to idle")
		p.broadcast(idle)
	})
	p.timers[t] = struct{}{}
}

// Close cancels pending idle resets and closes all subscriber channels.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
		delete(p.timers, t)
	}
	for ch := range p.subs {
		close(ch)
		delete(p.subs, ch)
	}
}
