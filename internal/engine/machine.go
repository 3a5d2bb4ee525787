// Package engine implements the per-user session state machine. User text,
// chat commands, program output, program exit and summary ticks all flow
// through a single transition function.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/relaybot/internal/classifier"
	"github.com/ashureev/relaybot/internal/delivery"
	"github.com/ashureev/relaybot/internal/domain"
	"github.com/ashureev/relaybot/internal/session"
	"github.com/ashureev/relaybot/internal/store"
	"github.com/ashureev/relaybot/internal/supervisor"
)

const (
	minAPIHashLength = 10
	minOTPDigits     = 4
	persistTimeout   = 2 * time.Second
	progressTotal    = 100
)

var digitsOnly = regexp.MustCompile(`^\d+$`)

// Spawner starts the external program for a session.
type Spawner interface {
	Spawn(ctx context.Context, userID int64, creds domain.Credentials, cb supervisor.Callbacks) (domain.Process, error)
}

// Notifier queues a message for delivery to a user.
type Notifier interface {
	Enqueue(userID int64, text string) <-chan bool
}

// ProgressSink receives progress snapshot updates.
type ProgressSink interface {
	Update(status, task string, completed, total, activeUsers int)
	ScheduleIdleReset(delay time.Duration, stillActive func() bool)
}

// Options tunes timers.
type Options struct {
	SummaryInterval time.Duration
	IdleResetDelay  time.Duration
}

// Deps are the collaborators of a Machine. Repo may be nil.
type Deps struct {
	Store      *session.Store
	Spawner    Spawner
	Notifier   Notifier
	Progress   ProgressSink
	Classifier *classifier.Classifier
	Repo       store.Repository
}

// Machine is the session state machine.
type Machine struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	startTicker func(interval time.Duration, fn func(session.Stopper)) session.Stopper
	now         func() time.Time
}

// New creates a state machine.
func New(deps Deps, opts Options, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		deps:   deps,
		opts:   opts,
		logger: logger,
		startTicker: func(interval time.Duration, fn func(session.Stopper)) session.Stopper {
			return delivery.StartTicker(interval, func(t *delivery.Ticker) { fn(t) })
		},
		now: time.Now,
	}
}

// Handle applies ev to the session of userID. Events for one session are
// serialized by the session lock. Process events for unknown sessions or
// replaced processes are ignored.
func (m *Machine) Handle(ctx context.Context, userID int64, ev Event) {
	var s *session.Session
	switch ev.(type) {
	case ProcessOutput, ProcessExit, SummaryTick:
		var ok bool
		if s, ok = m.deps.Store.Get(userID); !ok {
			return
		}
		s.Lock()
	default:
		s = m.deps.Store.Acquire(userID)
	}
	defer s.Unlock()

	before, hadProcess := s.State, s.Process != nil

	switch ev := ev.(type) {
	case Command:
		m.handleCommand(ctx, s, ev)
	case UserText:
		m.handleText(ctx, s, strings.TrimSpace(ev.Text))
	case ProcessOutput:
		m.handleOutput(ctx, s, ev)
	case ProcessExit:
		m.handleExit(ctx, s, ev)
	case SummaryTick:
		m.handleTick(s, ev)
	}

	if err := s.CheckInvariant(); err != nil {
		m.logger.Error("Session invariant violated, resetting to idle", "user_id", userID, "state", s.State, "error", err)
		m.kill(ctx, s, domain.OutcomeKilled)
	}

	if s.State != before || (s.Process != nil) != hadProcess {
		m.logger.Info("Session state changed", "user_id", userID, "from", before, "to", s.State)
		m.persist(ctx, s)
	}
}

// Shutdown kills every live process. It returns the number killed.
func (m *Machine) Shutdown(ctx context.Context) int {
	killed := 0
	for _, s := range m.deps.Store.All() {
		s.Lock()
		if s.Process != nil {
			killed++
		}
		m.kill(ctx, s, domain.OutcomeKilled)
		s.Unlock()
	}
	m.logger.Info("All session processes stopped", "killed", killed)
	return killed
}

// Forget drops the persisted record of an evicted session.
func (m *Machine) Forget(ctx context.Context, userID int64) {
	if m.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := m.deps.Repo.DeleteSession(ctx, userID); err != nil {
		m.logger.Warn("Failed to delete session record", "user_id", userID, "error", err)
	}
}

func (m *Machine) handleCommand(ctx context.Context, s *session.Session, cmd Command) {
	switch cmd.Name {
	case CommandStart:
		m.kill(ctx, s, domain.OutcomeKilled)
		s.Errors.Reset()
		s.State = domain.StateAwaitingConsent
		m.progress("active", "User starting authentication process", 0)
		m.reply(s, msgConsentWarning)

	case CommandCancel:
		m.kill(ctx, s, domain.OutcomeKilled)
		m.reply(s, msgCancelled)

	case CommandStatus:
		m.reply(s, fmt.Sprintf(msgStatus, s.State))

	default:
		m.logger.Warn("Unknown command", "user_id", s.UserID, "command", cmd.Name)
	}
}

func (m *Machine) handleText(ctx context.Context, s *session.Session, text string) {
	switch s.State {
	case domain.StateIdle:
		m.reply(s, msgIdleHint)

	case domain.StateAwaitingConsent:
		if !strings.EqualFold(text, "I CONSENT") {
			m.reply(s, msgConsentRequired)
			return
		}
		s.State = domain.StateAwaitingAPIID
		m.reply(s, msgConsentAccepted)

	case domain.StateAwaitingAPIID:
		id, err := parseAPIID(text)
		if err != nil {
			m.reply(s, msgAPIIDInvalid)
			return
		}
		s.Credentials = &domain.Credentials{APIID: id}
		s.State = domain.StateAwaitingAPIHash
		m.reply(s, msgAPIIDSaved)

	case domain.StateAwaitingAPIHash:
		if utf8.RuneCountInString(text) <= minAPIHashLength {
			m.reply(s, msgAPIHashShort)
			return
		}
		if s.Credentials == nil {
			s.Credentials = &domain.Credentials{}
		}
		s.Credentials.APIHash = text
		m.reply(s, msgAPIHashSaved)
		m.spawn(ctx, s)

	case domain.StateAwaitingPhone:
		s.Pending.Phone = text
		m.forwardWithReply(s, text, fmt.Sprintf(msgPhoneSent, text))

	case domain.StateAwaitingOTP:
		otp, ok := NormalizeOTP(text)
		if !ok {
			m.reply(s, msgOTPInvalid)
			return
		}
		m.forwardWithReply(s, otp, msgOTPSent)

	case domain.StateAwaitingChannel:
		s.Pending.Channel = text
		m.forwardWithReply(s, text, fmt.Sprintf(msgChannelSent, text))

	case domain.StateAwaitingOption:
		s.Pending.Option = text
		m.forwardWithReply(s, text, fmt.Sprintf(msgOptionSent, text))

	case domain.StateAwaitingDestination:
		s.Pending.Destination = text
		if m.forwardWithReply(s, text, fmt.Sprintf(msgDestinationSent, text)) {
			s.State = domain.StateTransferring
		}

	case domain.StateProcessing, domain.StateTransferring:
		if s.Process == nil || !s.Process.Write(text) {
			m.reply(s, msgProcessRunning)
		}

	default:
		m.logger.Error("Text received in unknown state", "user_id", s.UserID, "state", s.State)
		m.reply(s, "🤔 Unknown state. Use /start to begin or /cancel to reset.")
	}
}

func (m *Machine) forwardWithReply(s *session.Session, line, ok string) bool {
	if s.Process == nil || !s.Process.Write(line) {
		m.reply(s, msgProcessGone)
		return false
	}
	m.reply(s, ok)
	return true
}

func (m *Machine) spawn(ctx context.Context, s *session.Session) {
	userID := s.UserID
	cb := supervisor.Callbacks{
		OnOutput: func(p domain.Process, stream domain.Stream, chunk string) {
			m.Handle(context.Background(), userID, ProcessOutput{Process: p, Stream: stream, Chunk: chunk})
		},
		OnExit: func(p domain.Process, code int, err error) {
			m.Handle(context.Background(), userID, ProcessExit{Process: p, Code: code, Err: err})
		},
	}

	proc, err := m.deps.Spawner.Spawn(ctx, userID, *s.Credentials, cb)
	if err != nil {
		m.logger.Error("Failed to spawn process", "user_id", userID, "error", err)
		s.State = domain.StateIdle
		m.reply(s, fmt.Sprintf(msgProcessError, err))
		return
	}

	s.Process = proc
	s.Errors.Reset()
	s.State = domain.StateProcessing
	m.startRun(ctx, s, proc)
}

func (m *Machine) handleOutput(ctx context.Context, s *session.Session, ev ProcessOutput) {
	if s.Process == nil || s.Process != ev.Process {
		m.logger.Debug("Ignoring output from stale process", "user_id", s.UserID)
		return
	}

	res, ok := m.deps.Classifier.Classify(ev.Chunk)
	if !ok {
		return
	}
	// Unmatched stderr keeps its error look.
	if ev.Stream == domain.StreamStderr && res.Decision.Rule == "info" {
		res.Decision.Message = fmt.Sprintf(msgStderr, res.Text)
	}
	m.applyDecision(s, res)
	if res.Workflow != nil {
		m.applyWorkflow(ctx, s, res.Workflow)
	}
}

func (m *Machine) applyDecision(s *session.Session, res classifier.Result) {
	d := res.Decision
	switch d.Counter {
	case classifier.CounterFileExpired:
		s.Errors.AddFileExpired()
		m.logger.Info("File reference expired, program will retry", "user_id", s.UserID)
	case classifier.CounterTimeout:
		s.Errors.AddTimeout()
		m.logger.Info("Network timeout, program will retry", "user_id", s.UserID)
	}

	if d.Deliver {
		m.reply(s, d.Message)
		return
	}
	switch d.Rule {
	case "generic_error":
		m.logger.Info("Non-critical error (auto-handled)", "user_id", s.UserID, "output", res.Text)
	case "attempt_failed":
		m.logger.Info("Download attempt failed, program will retry", "user_id", s.UserID)
	default:
		m.logger.Debug("Output suppressed", "user_id", s.UserID, "rule", d.Rule)
	}
}

func (m *Machine) applyWorkflow(ctx context.Context, s *session.Session, w *classifier.Workflow) {
	if w.Reply != "" {
		m.reply(s, w.Reply)
	}

	if w.Complete {
		m.complete(ctx, s, w)
		return
	}

	if w.State != "" {
		s.State = w.State
	}
	if w.Progress != nil {
		m.progress(w.Progress.Status, w.Progress.Task, w.Progress.Completed)
	}
	if w.StartSummary && s.Summary == nil {
		userID := s.UserID
		s.SummaryBase = s.Errors
		s.Summary = m.startTicker(m.opts.SummaryInterval, func(t session.Stopper) {
			m.Handle(context.Background(), userID, SummaryTick{Ticker: t})
		})
	}
}

// complete ends the workflow. The program is still running at this point;
// it is killed so that an idle session never owns a process.
func (m *Machine) complete(ctx context.Context, s *session.Session, w *classifier.Workflow) {
	msg := msgCompleted
	if e := s.Errors; e.Total > 0 {
		msg += fmt.Sprintf(msgCompletedSummary, e.Total, e.FileExpired, e.Timeout)
	}
	m.reply(s, msg)

	if w.Progress != nil {
		m.progress(w.Progress.Status, w.Progress.Task, w.Progress.Completed)
	}

	m.kill(ctx, s, domain.OutcomeCompleted)
	s.Errors.Reset()

	m.deps.Progress.ScheduleIdleReset(m.opts.IdleResetDelay, func() bool {
		return m.deps.Store.ActiveCount() > 0
	})
}

func (m *Machine) handleExit(ctx context.Context, s *session.Session, ev ProcessExit) {
	if s.Process == nil || s.Process != ev.Process {
		m.logger.Debug("Ignoring exit of stale process", "user_id", s.UserID, "code", ev.Code)
		return
	}

	proc := s.Process
	s.Process = nil
	s.StopSummary()
	s.State = domain.StateIdle

	code := ev.Code
	outcome := domain.OutcomeExited
	switch {
	case ev.Err != nil:
		outcome = domain.OutcomeFailed
		m.reply(s, fmt.Sprintf(msgProcessError, ev.Err))
	case ev.Code == 0:
		m.reply(s, msgProcessSucceeded)
	default:
		outcome = domain.OutcomeFailed
		m.reply(s, fmt.Sprintf(msgProcessExited, ev.Code))
	}
	m.finishRun(ctx, s, proc, outcome, &code)
}

func (m *Machine) handleTick(s *session.Session, ev SummaryTick) {
	if s.Summary == nil || s.Summary != ev.Ticker {
		return
	}
	msg := msgSummary
	if e := s.Errors.Since(s.SummaryBase); e.Total > 0 {
		msg += fmt.Sprintf(msgSummaryCounters, e.Total, e.FileExpired, e.Timeout)
	}
	m.reply(s, msg)
}

// kill terminates the session's process, if any, and returns it to idle.
func (m *Machine) kill(ctx context.Context, s *session.Session, outcome string) {
	if proc := s.KillProcess(); proc != nil {
		m.finishRun(ctx, s, proc, outcome, nil)
	}
}

func (m *Machine) reply(s *session.Session, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		m.deps.Notifier.Enqueue(s.UserID, part)
	}
}

func (m *Machine) progress(status, task string, completed int) {
	m.deps.Progress.Update(status, task, completed, progressTotal, m.deps.Store.Len())
}

func (m *Machine) persist(ctx context.Context, s *session.Session) {
	if m.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := m.deps.Repo.UpsertSession(ctx, s.Record()); err != nil {
		m.logger.Warn("Failed to persist session", "user_id", s.UserID, "error", err)
	}
}

func (m *Machine) startRun(ctx context.Context, s *session.Session, proc domain.Process) {
	if m.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	run := &domain.RunRecord{ID: proc.ID(), UserID: s.UserID, StartedAt: m.now()}
	if err := m.deps.Repo.StartRun(ctx, run); err != nil {
		m.logger.Warn("Failed to record run start", "user_id", s.UserID, "run_id", run.ID, "error", err)
	}
}

func (m *Machine) finishRun(ctx context.Context, s *session.Session, proc domain.Process, outcome string, code *int) {
	if m.deps.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := m.deps.Repo.FinishRun(ctx, proc.ID(), outcome, code, s.Errors, m.now()); err != nil {
		m.logger.Warn("Failed to record run end", "user_id", s.UserID, "run_id", proc.ID(), "error", err)
	}
}

// NormalizeOTP strips every non-digit from text, so "3&5&6&7&8" becomes
// "35678". It reports false when fewer than four digits remain.
func NormalizeOTP(text string) (string, bool) {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	otp := b.String()
	return otp, len(otp) >= minOTPDigits
}

func parseAPIID(text string) (int64, error) {
	if !digitsOnly.MatchString(text) {
		return 0, fmt.Errorf("api id %q is not numeric", text)
	}
	return strconv.ParseInt(text, 10, 64)
}
