// Package telegram adapts the Telegram Bot API to the relay engine.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/relaybot/internal/delivery"
	"github.com/ashureev/relaybot/internal/engine"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Bot status values reported by Status.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
)

const (
	maxLaunchAttempts = 5
	pollTimeout       = 60
)

// API is the subset of *tgbotapi.BotAPI the adapter uses.
type API interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler consumes inbound chat events.
type Handler interface {
	Handle(ctx context.Context, userID int64, ev engine.Event)
}

// Options configures the adapter.
type Options struct {
	// RequestsPerSecond caps outbound sends across all users.
	RequestsPerSecond float64
}

// Bot is a long-polling Telegram client. It implements delivery.Sender.
type Bot struct {
	api     API
	limiter *rate.Limiter
	logger  *slog.Logger
	status  atomic.Value

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Dial connects to the Bot API with token and wraps the client.
func Dial(token string, opts Options, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	return New(api, opts, logger), nil
}

// New wraps an existing API client.
func New(api API, opts Options, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 25
	}
	b := &Bot{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
		sleep:   sleepContext,
	}
	b.status.Store(StatusStarting)
	return b
}

// Status returns the current polling status.
func (b *Bot) Status() string {
	return b.status.Load().(string)
}

// Launch clears any webhook and verifies that no other instance is polling.
// A 409 conflict is retried up to five times with a growing wait.
func (b *Bot) Launch(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		if err := b.deleteWebhook(); err != nil {
			b.logger.Warn("Failed to delete webhook", "attempt", attempt, "error", err)
		}

		_, err := b.api.GetUpdates(tgbotapi.UpdateConfig{Offset: -1, Limit: 1, Timeout: 0})
		if err == nil {
			b.status.Store(StatusRunning)
			b.logger.Info("Telegram bot launched", "attempt", attempt)
			return nil
		}
		lastErr = err
		if !isConflict(err) {
			return fmt.Errorf("failed to launch bot: %w", err)
		}
		if attempt == maxLaunchAttempts {
			break
		}

		wait := launchBackoff(attempt)
		b.logger.Warn("Another bot instance is polling, retrying", "attempt", attempt, "wait", wait)
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed to launch bot after %d attempts: %w", maxLaunchAttempts, lastErr)
}

func (b *Bot) deleteWebhook() error {
	_, err := b.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true})
	return err
}

// launchBackoff returns min(10s + 5s*attempt, 30s).
func launchBackoff(attempt int) time.Duration {
	d := 10*time.Second + time.Duration(attempt)*5*time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func isConflict(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 409 {
		return true
	}
	var valErr tgbotapi.Error
	if errors.As(err, &valErr) && valErr.Code == 409 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "409") || strings.Contains(msg, "Conflict")
}

// Send delivers text to the private chat of userID.
func (b *Bot) Send(ctx context.Context, userID int64, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Send(tgbotapi.NewMessage(userID, text))
	return translateError(err)
}

// translateError maps Bot API failures onto delivery error kinds.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var code, retryAfter int
	var apiErr *tgbotapi.Error
	var valErr tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		code, retryAfter = apiErr.Code, apiErr.RetryAfter
	case errors.As(err, &valErr):
		code, retryAfter = valErr.Code, valErr.RetryAfter
	default:
		return err
	}
	switch code {
	case 429:
		return &delivery.RateLimitError{RetryAfter: time.Duration(retryAfter) * time.Second}
	case 403:
		return fmt.Errorf("%w: %s", delivery.ErrBlocked, err.Error())
	default:
		return err
	}
}

// Run polls for updates and dispatches them to h until ctx is cancelled.
// Events of one user are handled in arrival order; users are independent.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(cfg)

	d := newDispatcher(ctx, h)
	defer func() {
		b.api.StopReceivingUpdates()
		d.close()
		b.status.Store(StatusStopped)
		b.logger.Info("Telegram polling stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			userID, ev, ok := toEvent(upd)
			if !ok {
				continue
			}
			d.dispatch(userID, ev)
		}
	}
}

// toEvent converts a text message update into an engine event.
func toEvent(upd tgbotapi.Update) (int64, engine.Event, bool) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return 0, nil, false
	}
	if msg.IsCommand() {
		switch name := msg.Command(); name {
		case engine.CommandStart, engine.CommandCancel, engine.CommandStatus:
			return msg.From.ID, engine.Command{Name: name}, true
		}
	}
	return msg.From.ID, engine.UserText{Text: msg.Text}, true
}

// dispatcher runs one worker per user so a slow event never delays others.
// Queues are unbounded; dispatch never blocks the update loop.
type dispatcher struct {
	ctx     context.Context
	handler Handler

	mu     sync.Mutex
	queues map[int64]*userQueue
	closed bool
	wg     sync.WaitGroup
}

// userQueue holds the pending events of one user. A worker exists while
// running is true.
type userQueue struct {
	pending []engine.Event
	running bool
}

func newDispatcher(ctx context.Context, h Handler) *dispatcher {
	return &dispatcher{ctx: ctx, handler: h, queues: make(map[int64]*userQueue)}
}

func (d *dispatcher) dispatch(userID int64, ev engine.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	q, ok := d.queues[userID]
	if !ok {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.pending = append(q.pending, ev)
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.work(userID, q)
	}
}

// work drains q and exits once it is empty.
func (d *dispatcher) work(userID int64, q *userQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(d.queues, userID)
			d.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.handler.Handle(context.WithoutCancel(d.ctx), userID, ev)
	}
}

// close stops accepting events and waits for workers to drain.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
