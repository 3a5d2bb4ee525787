package engine

import (
	"github.com/ashureev/relaybot/internal/domain"
	"github.com/ashureev/relaybot/internal/session"
)

// Event is anything that can drive a session's state machine.
type Event interface {
	event()
}

// Command names.
const (
	CommandStart  = "start"
	CommandCancel = "cancel"
	CommandStatus = "status"
)

// UserText is a free-text chat message.
type UserText struct {
	Text string
}

// Command is a chat command such as start, cancel or status.
type Command struct {
	Name string
}

// ProcessOutput is a chunk read from the program's stdout or stderr.
type ProcessOutput struct {
	Process domain.Process
	Stream  domain.Stream
	Chunk   string
}

// ProcessExit reports that the program exited or failed at runtime.
type ProcessExit struct {
	Process domain.Process
	Code    int
	Err     error
}

// SummaryTick fires periodically while a transfer is running.
type SummaryTick struct {
	Ticker session.Stopper
}

func (UserText) event()      {}
func (Command) event()       {}
func (ProcessOutput) event() {}
func (ProcessExit) event()   {}
func (SummaryTick) event()   {}
