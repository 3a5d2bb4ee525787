// Package delivery implements rate-limited outbound message delivery.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBlocked is returned by a Sender when the recipient has blocked the bot.
// Messages failing with it are dropped without retry.
var ErrBlocked = errors.New("recipient blocked the bot")

// RateLimitError is returned by a Sender when the transport asks the caller to
// slow down. RetryAfter is the transport-suggested wait, zero if unknown.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Sender delivers a single text message to a user.
type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

// Options tunes the retry policy.
type Options struct {
	InterMessageDelay   time.Duration
	MinRateLimitBackoff time.Duration
	RetryDelay          time.Duration
	MaxRetries          int
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		InterMessageDelay:   2 * time.Second,
		MinRateLimitBackoff: 15 * time.Second,
		RetryDelay:          2 * time.Second,
		MaxRetries:          3,
	}
}

type entry struct {
	text    string
	retries int
	result  chan bool
}

func (e *entry) resolve(ok bool) {
	e.result <- ok
	close(e.result)
}

// Queue holds one FIFO per user and drains each with a single worker.
type Queue struct {
	sender Sender
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[int64][]*entry
	draining map[int64]bool
	closed   bool
}

// NewQueue creates a delivery queue backed by sender.
func NewQueue(sender Sender, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:   sender,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[int64][]*entry),
		draining: make(map[int64]bool),
	}
}

// Enqueue appends text to the user's queue. The returned channel yields
// exactly one value: true once delivered, false if the message was dropped.
func (q *Queue) Enqueue(userID int64, text string) <-chan bool {
	e := &entry{text: text, retries: q.opts.MaxRetries, result: make(chan bool, 1)}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		e.resolve(false)
		return e.result
	}

	q.pending[userID] = append(q.pending[userID], e)
	if !q.draining[userID] {
		q.draining[userID] = true
		q.wg.Add(1)
		go q.drain(userID)
	}
	return e.result
}

// Close stops every worker and resolves all undelivered messages as failed.
func (q *Queue) Close() {
	q.cancel()

	q.mu.Lock()
	q.closed = true
	for userID, entries := range q.pending {
		for _, e := range entries {
			e.resolve(false)
		}
		delete(q.pending, userID)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) next(userID int64) (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.pending[userID]
	if q.closed || len(entries) == 0 {
		delete(q.pending, userID)
		delete(q.draining, userID)
		return nil, false
	}
	q.pending[userID] = entries[1:]
	return entries[0], true
}

func (q *Queue) hasMore(userID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[userID]) > 0
}

func (q *Queue) pushFront(userID int64, e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		e.resolve(false)
		return
	}
	q.pending[userID] = append([]*entry{e}, q.pending[userID]...)
}

func (q *Queue) drain(userID int64) {
	defer q.wg.Done()

	for {
		e, ok := q.next(userID)
		if !ok {
			return
		}

		err := q.sender.Send(q.ctx, userID, e.text)
		if err == nil {
			e.resolve(true)
			if q.hasMore(userID) {
				q.sleep(q.opts.InterMessageDelay)
			}
			continue
		}

		var rateErr *RateLimitError
		switch {
		case errors.As(err, &rateErr):
			wait := max(rateErr.RetryAfter, q.opts.MinRateLimitBackoff)
			q.logger.Warn("Rate limited, backing off", "user_id", userID, "wait", wait)
			if !q.sleep(wait) {
				e.resolve(false)
				continue
			}
			q.pushFront(userID, e)

		case errors.Is(err, ErrBlocked):
			q.logger.Warn("Recipient blocked the bot, dropping message", "user_id", userID)
			e.resolve(false)

		case e.retries > 0:
			q.logger.Warn("Message send failed, retrying", "user_id", userID, "attempts_left", e.retries, "error", err)
			e.retries--
			if !q.sleep(q.opts.RetryDelay) {
				e.resolve(false)
				continue
			}
			q.pushFront(userID, e)

		default:
			q.logger.Error("Failed to send message after all retries", "user_id", userID, "error", err)
			e.resolve(false)
		}
	}
}

// sleep waits for d and reports false if the queue was closed meanwhile.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}
