package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/google/uuid"
)

const (
	readBufferSize    = 4096
	stdinWriteTimeout = 10 * time.Second
)

// Callbacks receive process events. OnOutput may be called concurrently for
// stdout and stderr; OnExit is called once, after all output was delivered.
type Callbacks struct {
	OnOutput func(p domain.Process, stream domain.Stream, chunk string)
	OnExit   func(p domain.Process, code int, err error)
}

// Options configures how the external program is launched.
type Options struct {
	Dir     string
	Command []string
	Env     []string
}

// Supervisor spawns the external program for sessions.
type Supervisor struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	// spawnMu serializes config write and start, since every spawn shares
	// the same config file.
	spawnMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a supervisor.
func New(runner Runner, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{runner: runner, opts: opts, logger: logger}
}

// Spawn writes the credentials artifact and starts the program.
func (s *Supervisor) Spawn(ctx context.Context, userID int64, creds domain.Credentials, cb Callbacks) (domain.Process, error) {
	id := uuid.NewString()

	s.spawnMu.Lock()
	if err := WriteConfig(s.opts.Dir, creds); err != nil {
		s.spawnMu.Unlock()
		return nil, fmt.Errorf("write program config: %w", err)
	}
	proc, err := s.runner.Start(ctx, Spec{
		Name:    fmt.Sprintf("relaybot-%d-%s", userID, id[:8]),
		Dir:     s.opts.Dir,
		Command: s.opts.Command,
		Env:     s.opts.Env,
	})
	s.spawnMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("start program: %w", err)
	}

	h := &Handle{id: id, userID: userID, proc: proc, logger: s.logger, writeTimeout: stdinWriteTimeout}
	s.logger.Info("Process spawned", "user_id", userID, "run_id", id)

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(1)
	go func() {
		defer readers.Done()
		s.pump(h, domain.StreamStdout, proc.Stdout(), cb.OnOutput)
	}()
	go func() {
		defer readers.Done()
		s.pump(h, domain.StreamStderr, proc.Stderr(), cb.OnOutput)
	}()
	go func() {
		defer s.wg.Done()
		readers.Wait()
		code, err := proc.Wait()
		h.markExited()
		s.logger.Info("Process exited", "user_id", userID, "run_id", id, "code", code, "error", err)
		if cb.OnExit != nil {
			cb.OnExit(h, code, err)
		}
	}()

	return h, nil
}

// Wait blocks until every spawned process has exited and its callbacks ran.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// pump forwards raw chunks rather than lines, since prompts are printed
// without a trailing newline. A multi-byte rune split across reads is held
// back until it is complete.
func (s *Supervisor) pump(h *Handle, stream domain.Stream, r io.Reader, emit func(domain.Process, domain.Stream, string)) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitIncompleteRune(data)
			carry = append([]byte(nil), carry...)
			if len(complete) > 0 && emit != nil {
				emit(h, stream, string(complete))
			}
		}
		if err != nil {
			if len(carry) > 0 && emit != nil {
				emit(h, stream, string(carry))
			}
			if err != io.EOF {
				s.logger.Debug("Output stream closed", "run_id", h.id, "stream", stream, "error", err)
			}
			return
		}
	}
}

// splitIncompleteRune splits b before a trailing partial UTF-8 sequence.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

// Handle is the live handle on one spawned program.
type Handle struct {
	id     string
	userID int64
	proc   Process
	logger *slog.Logger

	// writeTimeout bounds how long Send waits on a full stdin pipe.
	writeTimeout time.Duration
	writeMu      sync.Mutex
	dead         atomic.Bool
}

// ID returns the run id.
func (h *Handle) ID() string { return h.id }

// Send writes line plus a newline to the program's stdin. It returns
// ErrProcessExited once the program has exited or been killed, and
// ErrWriteTimeout when the program stops reading. A timed out write stays
// pending until Kill closes stdin.
func (h *Handle) Send(line string) error {
	if h.dead.Load() {
		return ErrProcessExited
	}

	done := make(chan error, 1)
	go func() {
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		if h.dead.Load() {
			done <- ErrProcessExited
			return
		}
		_, err := io.WriteString(h.proc.Stdin(), line+"\n")
		done <- err
	}()

	timer := time.NewTimer(h.writeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrProcessExited) {
			return fmt.Errorf("write stdin: %w", err)
		}
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// Write is Send reporting success as a bool.
func (h *Handle) Write(line string) bool {
	if err := h.Send(line); err != nil {
		h.logger.Warn("Failed to write to process", "run_id", h.id, "error", err)
		return false
	}
	return true
}

// Kill terminates the program. Repeated calls are no-ops.
func (h *Handle) Kill() {
	if !h.dead.CompareAndSwap(false, true) {
		return
	}

	if err := h.proc.Kill(); err != nil {
		h.logger.Warn("Failed to kill process", "run_id", h.id, "error", err)
	}
	if err := h.proc.Stdin().Close(); err != nil {
		h.logger.Debug("Failed to close stdin", "run_id", h.id, "error", err)
	}
	h.logger.Info("Process killed", "user_id", h.userID, "run_id", h.id)
}

// Alive reports whether the program has neither exited nor been killed.
func (h *Handle) Alive() bool {
	return !h.dead.Load()
}

func (h *Handle) markExited() {
	h.dead.Store(true)
}
