// Package domain contains core domain types for relaybot.
package domain

import "time"

// State is the workflow state of a user session.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingConsent State = "awaiting_consent"
	StateAwaitingAPIID   State = "awaiting_api_id"
	StateAwaitingAPIHash State = "awaiting_api_hash"

	// StateProcessing covers the window between spawn and the first prompt
	// recognised in the program's output.
	StateProcessing          State = "processing"
	StateAwaitingPhone       State = "awaiting_phone"
	StateAwaitingOTP         State = "awaiting_otp"
	StateAwaitingChannel     State = "awaiting_channel"
	StateAwaitingOption      State = "awaiting_option"
	StateAwaitingDestination State = "awaiting_destination"
	StateTransferring        State = "transferring"
)

// IsProcessing reports whether the state belongs to the processing superstate,
// i.e. the states in which a live external process must exist.
func (s State) IsProcessing() bool {
	switch s {
	case StateProcessing, StateAwaitingPhone, StateAwaitingOTP, StateAwaitingChannel,
		StateAwaitingOption, StateAwaitingDestination, StateTransferring:
		return true
	default:
		return false
	}
}

// Phase groups processing states for display.
func (s State) Phase() string {
	switch s {
	case StateProcessing, StateAwaitingPhone, StateAwaitingOTP:
		return "authenticating"
	case StateAwaitingChannel, StateAwaitingOption, StateAwaitingDestination:
		return "configuring"
	case StateTransferring:
		return "transferring"
	default:
		return string(s)
	}
}

// Credentials are the API credentials a user supplies once per session.
type Credentials struct {
	APIID   int64
	APIHash string
}

// PendingFields holds raw workflow answers forwarded to the external program.
type PendingFields struct {
	Phone       string
	Channel     string
	Option      string
	Destination string
}

// ErrorCounters tracks recoverable errors absorbed from the external program.
type ErrorCounters struct {
	Total       int `json:"total"`
	FileExpired int `json:"file_expired"`
	Timeout     int `json:"timeout"`
}

// AddFileExpired records an expired file reference.
func (c *ErrorCounters) AddFileExpired() {
	c.Total++
	c.FileExpired++
}

// AddTimeout records a transient timeout.
func (c *ErrorCounters) AddTimeout() {
	c.Total++
	c.Timeout++
}

// Since returns the counts accumulated after base was taken.
func (c ErrorCounters) Since(base ErrorCounters) ErrorCounters {
	return ErrorCounters{
		Total:       c.Total - base.Total,
		FileExpired: c.FileExpired - base.FileExpired,
		Timeout:     c.Timeout - base.Timeout,
	}
}

// Reset zeroes all counters.
func (c *ErrorCounters) Reset() {
	*c = ErrorCounters{}
}

// SessionRecord is the persisted, secret-free view of a session.
type SessionRecord struct {
	UserID     int64     `json:"user_id"`
	State      State     `json:"state"`
	HasProcess bool      `json:"has_process"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
