package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/relaybot/internal/domain"
)

const (
	defaultTransferProgress = 85
	taskPreviewRunes        = 50
)

var percentPattern = regexp.MustCompile(`(\d+)%`)

// Workflow is the effect of a workflow marker found in program output.
type Workflow struct {
	// Marker names the matched marker.
	Marker string
	// State is the session state to enter; empty leaves it unchanged.
	State domain.State
	// Reply is an extra message for the user, if any.
	Reply string
	// Progress is nil when the snapshot should be left alone.
	Progress *ProgressUpdate
	// StartSummary asks for the periodic summary timer to start.
	StartSummary bool
	// Complete marks the end of the workflow.
	Complete bool
}

// ProgressUpdate is a requested snapshot replacement.
type ProgressUpdate struct {
	Status    string
	Task      string
	Completed int
}

type marker struct {
	name  string
	match func(text string) bool
	apply func(text string) Workflow
}

func contains(needles ...string) func(string) bool {
	return func(text string) bool { return containsAny(text, needles) }
}

func fixed(state domain.State, reply, status, task string, completed int) func(string) Workflow {
	return func(string) Workflow {
		w := Workflow{State: state, Reply: reply}
		if status != "" {
			w.Progress = &ProgressUpdate{Status: status, Task: task, Completed: completed}
		}
		return w
	}
}

// markers are evaluated top to bottom; the first match wins.
var markers = []marker{
	{
		name:  "phone_prompt",
		match: contains("Enter your phone number"),
		apply: fixed(domain.StateAwaitingPhone, "", "authenticating", "Waiting for phone number", 20),
	},
	{
		name:  "otp_prompt",
		match: contains("Enter OTP", "Enter the code"),
		apply: fixed(domain.StateAwaitingOTP, "", "authenticating", "Waiting for OTP verification", 40),
	},
	{
		name:  "login_success",
		match: contains("Login successful", "logged in"),
		apply: fixed(domain.StateAwaitingChannel, "✅ Login successful! Now enter the channel/chat ID:",
			"authenticated", "Selecting channel/chat", 60),
	},
	{
		name:  "option_prompt",
		match: contains("Choose:", "Select option"),
		apply: fixed(domain.StateAwaitingOption, "", "configuring", "Selecting operation mode", 70),
	},
	{
		name: "destination_prompt",
		match: func(text string) bool {
			return strings.Contains(text, "destination") && strings.Contains(text, "channel")
		},
		apply: fixed(domain.StateAwaitingDestination, "", "configuring", "Setting destination channel", 80),
	},
	{
		name:  "search_question",
		match: contains("Search channel by name"),
		apply: fixed("", "💡 The script is asking about channel search. Please respond with your choice.", "", "", 0),
	},
	{
		name:  "search_prompt",
		match: contains("Please enter name of channel to search"),
		apply: fixed(domain.StateAwaitingChannel, "🔍 Enter the channel name you want to search for:",
			"searching", "Searching for channel", 65),
	},
	{
		name:  "transfer",
		match: contains("Downloading", "Uploading", "Progress"),
		apply: transfer,
	},
	{
		name:  "completion",
		match: contains("Done", "Completed", "Finished"),
		apply: func(string) Workflow {
			return Workflow{
				State:    domain.StateIdle,
				Complete: true,
				Progress: &ProgressUpdate{Status: "completed", Task: "All tasks completed successfully", Completed: 100},
			}
		},
	},
}

func transfer(text string) Workflow {
	value := defaultTransferProgress
	if m := percentPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			value = n
		}
	}

	update := &ProgressUpdate{Status: "processing", Task: "Processing media files", Completed: value}
	switch {
	case strings.Contains(text, "Downloading"):
		update.Status = "downloading"
		update.Task = "Downloading: " + preview(text) + "..."
	case strings.Contains(text, "Uploading"):
		update.Status = "uploading"
		update.Task = "Uploading: " + preview(text) + "..."
	}

	return Workflow{
		State:        domain.StateTransferring,
		Progress:     update,
		StartSummary: true,
	}
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > taskPreviewRunes {
		runes = runes[:taskPreviewRunes]
	}
	return string(runes)
}

// MatchWorkflow scans a cleaned chunk for workflow markers.
func MatchWorkflow(text string) *Workflow {
	for _, m := range markers {
		if m.match(text) {
			w := m.apply(text)
			w.Marker = m.name
			return &w
		}
	}
	return nil
}
