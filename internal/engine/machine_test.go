package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/relaybot/internal/classifier"
	"github.com/ashureev/relaybot/internal/domain"
	"github.com/ashureev/relaybot/internal/progress"
	"github.com/ashureev/relaybot/internal/session"
	"github.com/ashureev/relaybot/internal/store"
	"github.com/ashureev/relaybot/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser int64 = 1001

type fakeProcess struct {
	id string

	mu     sync.Mutex
	writes []string
	kills  int
	broken bool
}

func (p *fakeProcess) ID() string { return p.id }

func (p *fakeProcess) Write(line string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken || p.kills > 0 {
		return false
	}
	p.writes = append(p.writes, line)
	return true
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills == 0
}

func (p *fakeProcess) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProcess
	creds []domain.Credentials
	cbs   []supervisor.Callbacks
}

func (f *fakeSpawner) Spawn(_ context.Context, _ int64, creds domain.Credentials, cb supervisor.Callbacks) (domain.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProcess{id: fmt.Sprintf("run-%d", len(f.procs)+1)}
	f.procs = append(f.procs, p)
	f.creds = append(f.creds, creds)
	f.cbs = append(f.cbs, cb)
	return p, nil
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Enqueue(_ int64, text string) <-chan bool {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- true
	return ch
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[len(n.msgs)-1]
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = nil
}

type manualTicker struct {
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type harness struct {
	m        *Machine
	store    *session.Store
	spawner  *fakeSpawner
	notifier *fakeNotifier
	progress *progress.Publisher
	tickers  []*manualTicker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewStore(nil),
		spawner:  &fakeSpawner{},
		notifier: &fakeNotifier{},
		progress: progress.NewPublisher(nil),
	}
	t.Cleanup(h.progress.Close)

	h.m = New(Deps{
		Store:      h.store,
		Spawner:    h.spawner,
		Notifier:   h.notifier,
		Progress:   h.progress,
		Classifier: classifier.New(classifier.DefaultRules()),
	}, Options{SummaryInterval: time.Minute, IdleResetDelay: time.Hour}, nil)
	h.m.startTicker = func(time.Duration, func(session.Stopper)) session.Stopper {
		tk := &manualTicker{}
		h.tickers = append(h.tickers, tk)
		return tk
	}
	return h
}

func (h *harness) send(ev Event) {
	h.m.Handle(context.Background(), testUser, ev)
}

func (h *harness) text(s string) { h.send(UserText{Text: s}) }

func (h *harness) output(chunk string) {
	h.send(ProcessOutput{Process: h.spawner.last(), Stream: domain.StreamStdout, Chunk: chunk})
}

func (h *harness) state() domain.State {
	s, ok := h.store.Get(testUser)
	if !ok {
		return ""
	}
	s.Lock()
	defer s.Unlock()
	return s.State
}

func (h *harness) session() *session.Session {
	s, _ := h.store.Get(testUser)
	return s
}

// toProcessing drives a fresh session up to a spawned process.
func (h *harness) toProcessing(t *testing.T) *fakeProcess {
	t.Helper()
	h.send(Command{Name: CommandStart})
	h.text("I CONSENT")
	h.text("12345")
	h.text("0123456789abcdef")
	require.Equal(t, domain.StateProcessing, h.state())
	p := h.spawner.last()
	require.NotNil(t, p)
	return p
}

func TestIdleHint(t *testing.T) {
	h := newHarness(t)
	h.text("hello")
	assert.Equal(t, domain.StateIdle, h.state())
	assert.Equal(t, msgIdleHint, h.notifier.last())
}

func TestConsentGate(t *testing.T) {
	for _, input := range []string{"I CONSENT", "i consent", "  I Consent  "} {
		t.Run(input, func(t *testing.T) {
			h := newHarness(t)
			h.send(Command{Name: CommandStart})
			assert.Equal(t, domain.StateAwaitingConsent, h.state())
			assert.Equal(t, msgConsentWarning, h.notifier.last())
			assert.Equal(t, "active", h.progress.Snapshot().Status)

			h.text(input)
			assert.Equal(t, domain.StateAwaitingAPIID, h.state())
			assert.Equal(t, msgConsentAccepted, h.notifier.last())
		})
	}

	h := newHarness(t)
	h.send(Command{Name: CommandStart})
	h.text("I agree")
	assert.Equal(t, domain.StateAwaitingConsent, h.state())
	assert.Equal(t, msgConsentRequired, h.notifier.last())
}

func TestCredentialsAndSpawn(t *testing.T) {
	h := newHarness(t)
	h.send(Command{Name: CommandStart})
	h.text("I CONSENT")

	h.text("12ab")
	assert.Equal(t, domain.StateAwaitingAPIID, h.state())
	assert.Equal(t, msgAPIIDInvalid, h.notifier.last())

	h.text("12345")
	assert.Equal(t, domain.StateAwaitingAPIHash, h.state())

	h.text("short")
	assert.Equal(t, domain.StateAwaitingAPIHash, h.state())
	assert.Equal(t, msgAPIHashShort, h.notifier.last())
	assert.Nil(t, h.spawner.last())

	h.text("0123456789abcdef")
	assert.Equal(t, domain.StateProcessing, h.state())
	require.Len(t, h.spawner.creds, 1)
	assert.Equal(t, domain.Credentials{APIID: 12345, APIHash: "0123456789abcdef"}, h.spawner.creds[0])
	assert.Equal(t, msgAPIHashSaved, h.notifier.last())
	assert.NoError(t, h.session().CheckInvariant())
}

func TestSpawnFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("node: not found")
	h.send(Command{Name: CommandStart})
	h.text("I CONSENT")
	h.text("12345")
	h.text("0123456789abcdef")

	assert.Equal(t, domain.StateIdle, h.state())
	assert.Contains(t, h.notifier.last(), "node: not found")
	assert.Nil(t, h.session().Process)
}

func TestOTPNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"3&5&6&7&8", "35678", true},
		{"34567", "34567", true},
		{"1 2-3 4", "1234", true},
		{"1&2", "12", false},
		{"abc", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeOTP(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestOTPForwarding(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)

	h.output("Enter OTP: ")
	require.Equal(t, domain.StateAwaitingOTP, h.state())

	h.text("1&2")
	assert.Empty(t, p.written())
	assert.Equal(t, msgOTPInvalid, h.notifier.last())
	assert.Equal(t, domain.StateAwaitingOTP, h.state())

	h.text("3&5&6&7&8")
	assert.Equal(t, []string{"35678"}, p.written())
	assert.Equal(t, msgOTPSent, h.notifier.last())
}

func TestWorkflowPrompts(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)

	h.output("\x1b[32mEnter your phone number:\x1b[0m ")
	assert.Equal(t, domain.StateAwaitingPhone, h.state())
	assert.Equal(t, 20, h.progress.Snapshot().Completed)

	h.text("+15550100")
	assert.Equal(t, "+15550100", h.session().Pending.Phone)
	assert.Equal(t, fmt.Sprintf(msgPhoneSent, "+15550100"), h.notifier.last())

	h.output("Login successful")
	assert.Equal(t, domain.StateAwaitingChannel, h.state())
	assert.Contains(t, h.notifier.all(), "✅ Login successful! Now enter the channel/chat ID:")

	h.text("@source")
	h.output("Choose: 1) forward 2) copy")
	assert.Equal(t, domain.StateAwaitingOption, h.state())
	h.text("1")
	h.output("Enter destination channel")
	assert.Equal(t, domain.StateAwaitingDestination, h.state())
	h.text("@target")
	assert.Equal(t, domain.StateTransferring, h.state())

	assert.Equal(t, []string{"+15550100", "@source", "1", "@target"}, p.written())
}

func TestForwardFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)
	h.output("Enter your phone number")

	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()

	h.text("+15550100")
	assert.Equal(t, msgProcessGone, h.notifier.last())
	assert.Equal(t, domain.StateAwaitingPhone, h.state())
}

func TestProcessingForwardsOrAsksToWait(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)

	h.notifier.reset()
	h.text("y")
	assert.Equal(t, []string{"y"}, p.written())
	assert.Empty(t, h.notifier.all())

	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
	h.text("y")
	assert.Equal(t, msgProcessRunning, h.notifier.last())
}

func TestCompletionScenario(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)

	h.output("Downloading file 3 (10%)")
	require.Equal(t, domain.StateTransferring, h.state())
	require.Len(t, h.tickers, 1)
	assert.Equal(t, "downloading", h.progress.Snapshot().Status)

	h.output("Error: FILE_REFERENCE_EXPIRED")
	h.output("Timeout 503 while downloading")
	assert.Equal(t, 2, h.session().Errors.Total)

	h.notifier.reset()
	h.output("Finished")

	assert.Equal(t, domain.StateIdle, h.state())
	assert.Nil(t, h.session().Process)
	assert.Nil(t, h.session().Summary)
	assert.True(t, h.tickers[0].isStopped())
	assert.Equal(t, domain.ErrorCounters{}, h.session().Errors)
	assert.Equal(t, 1, p.kills)
	assert.Equal(t, "completed", h.progress.Snapshot().Status)
	assert.Equal(t, 100, h.progress.Snapshot().Completed)

	var completion string
	for _, msg := range h.notifier.all() {
		if strings.HasPrefix(msg, "🎉") {
			completion = msg
		}
	}
	assert.Equal(t, msgCompleted+fmt.Sprintf(msgCompletedSummary, 2, 1, 1), completion)

	// The exit that follows the kill belongs to a process the session no
	// longer owns.
	h.notifier.reset()
	h.send(ProcessExit{Process: p, Code: 143})
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestSummaryTick(t *testing.T) {
	h := newHarness(t)
	h.toProcessing(t)
	h.output("Uploading batch")
	require.Len(t, h.tickers, 1)

	h.notifier.reset()
	h.send(SummaryTick{Ticker: h.tickers[0]})
	assert.Equal(t, msgSummary, h.notifier.last())

	h.output("FILE_REFERENCE_EXPIRED")
	h.send(SummaryTick{Ticker: h.tickers[0]})
	assert.Equal(t, msgSummary+fmt.Sprintf(msgSummaryCounters, 1, 1, 0), h.notifier.last())

	// A second transfer marker keeps the running ticker.
	h.output("Uploading batch 2")
	assert.Len(t, h.tickers, 1)

	// Counters from before the ticker started are not reported.
	p := h.toProcessing(t)
	h.send(ProcessOutput{Process: p, Stream: domain.StreamStdout, Chunk: "Timeout 503"})
	h.output("Downloading")
	require.Len(t, h.tickers, 2)
	h.send(SummaryTick{Ticker: h.tickers[1]})
	assert.Equal(t, msgSummary, h.notifier.last())
	h.output("FILE_REFERENCE_EXPIRED")
	h.send(SummaryTick{Ticker: h.tickers[1]})
	assert.Equal(t, msgSummary+fmt.Sprintf(msgSummaryCounters, 1, 1, 0), h.notifier.last())
	assert.Equal(t, 2, h.session().Errors.Total)

	// Ticks from a replaced ticker are ignored.
	h.notifier.reset()
	h.send(SummaryTick{Ticker: &manualTicker{}})
	assert.Empty(t, h.notifier.all())
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)
	h.send(ProcessExit{Process: p, Code: 0})
	assert.Equal(t, domain.StateIdle, h.state())
	assert.Equal(t, msgProcessSucceeded, h.notifier.last())
	assert.Nil(t, h.session().Process)

	p = h.toProcessing(t)
	h.output("Downloading")
	h.send(ProcessExit{Process: p, Code: 2})
	assert.Equal(t, fmt.Sprintf(msgProcessExited, 2), h.notifier.last())
	assert.Nil(t, h.session().Summary)
	assert.True(t, h.tickers[0].isStopped())

	p = h.toProcessing(t)
	h.send(ProcessExit{Process: p, Code: -1, Err: errors.New("broken pipe")})
	assert.Equal(t, fmt.Sprintf(msgProcessError, errors.New("broken pipe")), h.notifier.last())
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestStderrDelivered(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)
	h.send(ProcessOutput{Process: p, Stream: domain.StreamStderr, Chunk: "  boom \n"})
	assert.Equal(t, "❌ Error: boom", h.notifier.last())
}

func TestStderrClassified(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)
	h.notifier.reset()

	h.send(ProcessOutput{Process: p, Stream: domain.StreamStderr, Chunk: "[####] 45% 3.2 Mbps"})
	h.send(ProcessOutput{Process: p, Stream: domain.StreamStderr, Chunk: "FILE_REFERENCE_EXPIRED retrying"})
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, 1, h.session().Errors.Total)
	assert.Equal(t, 1, h.session().Errors.FileExpired)

	h.send(ProcessOutput{Process: p, Stream: domain.StreamStderr, Chunk: "✅ Downloaded clip.mp4"})
	assert.Equal(t, "✅ ✅ Downloaded clip.mp4", h.notifier.last())

	h.send(ProcessOutput{Process: p, Stream: domain.StreamStderr, Chunk: "Enter OTP: "})
	assert.Equal(t, domain.StateAwaitingOTP, h.state())
}

func TestLongOutputSplit(t *testing.T) {
	h := newHarness(t)
	h.toProcessing(t)
	h.notifier.reset()

	h.output(strings.Repeat("a", 4096))
	msgs := h.notifier.all()
	require.Len(t, msgs, 2)
	// The prefix emoji takes two UTF-16 units.
	assert.Equal(t, "📝 "+strings.Repeat("a", 4093), msgs[0])
	assert.Equal(t, strings.Repeat("a", 3), msgs[1])
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, splitMessage("abcdefghijk", 5))
	assert.Equal(t, []string{"ab", "cdef"}, splitMessage("ab\ncdef", 5))
	// Emoji outside the BMP count as two units.
	assert.Equal(t, []string{"😀😀", "😀"}, splitMessage("😀😀😀", 4))
}

func TestCancelAndRestartIgnoreStaleProcess(t *testing.T) {
	h := newHarness(t)
	old := h.toProcessing(t)

	h.send(Command{Name: CommandCancel})
	h.send(Command{Name: CommandCancel})
	assert.Equal(t, domain.StateIdle, h.state())
	assert.Equal(t, msgCancelled, h.notifier.last())
	assert.Equal(t, 1, old.kills)
	assert.Nil(t, h.session().Process)

	current := h.toProcessing(t)
	h.send(ProcessOutput{Process: old, Stream: domain.StreamStdout, Chunk: "Enter your phone number"})
	h.send(ProcessExit{Process: old, Code: 1})
	assert.Equal(t, domain.StateProcessing, h.state())
	assert.Same(t, current, h.session().Process)

	// Restarting kills the live process first.
	h.send(Command{Name: CommandStart})
	assert.Equal(t, 1, current.kills)
	assert.Equal(t, domain.StateAwaitingConsent, h.state())
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t)
	h.send(Command{Name: CommandStart})
	h.send(Command{Name: CommandStatus})
	assert.Equal(t, "Current state: awaiting_consent", h.notifier.last())
}

func TestInvariantRepair(t *testing.T) {
	h := newHarness(t)
	h.send(Command{Name: CommandStatus})

	s := h.session()
	s.Lock()
	s.State = domain.StateTransferring
	s.Unlock()

	h.send(Command{Name: CommandStatus})
	assert.Equal(t, domain.StateIdle, h.state())
	assert.NoError(t, h.session().CheckInvariant())
}

func TestShutdownKillsAll(t *testing.T) {
	h := newHarness(t)
	p := h.toProcessing(t)

	h.m.Handle(context.Background(), 2002, Command{Name: CommandStart})

	assert.Equal(t, 1, h.m.Shutdown(context.Background()))
	assert.Equal(t, 1, p.kills)
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestEventsForUnknownSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.m.Handle(context.Background(), 999, ProcessExit{Process: &fakeProcess{}, Code: 1})
	_, ok := h.store.Get(999)
	assert.False(t, ok)
	assert.Empty(t, h.notifier.all())
}

func TestRunHistoryPersisted(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	h := newHarness(t)
	h.m.deps.Repo = repo

	p := h.toProcessing(t)
	h.output("FILE_REFERENCE_EXPIRED")
	h.output("Completed")

	ctx := context.Background()
	runs, err := repo.RecentRuns(ctx, testUser, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, p.ID(), runs[0].ID)
	assert.Equal(t, domain.OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, 1, runs[0].Errors.FileExpired)

	rec, err := repo.GetSession(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StateIdle, rec.State)
	assert.False(t, rec.HasProcess)

	h.m.Forget(ctx, testUser)
	rec, err = repo.GetSession(ctx, testUser)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
