package engine

import (
	"strings"
	"unicode/utf16"
)

// maxMessageLength is the Telegram text limit, counted in UTF-16 code units.
const maxMessageLength = 4096

// User-facing texts.
const (
	msgConsentWarning = "🚨 SECURITY WARNING 🚨\n\n" +
		"This bot will:\n" +
		"• Log into your Telegram account using YOUR API credentials\n" +
		"• Access your messages and media\n" +
		"• Download/upload files using your account\n\n" +
		"⚠️ Only proceed if you trust this bot completely.\n\n" +
		"📋 You will need:\n" +
		"• Your Telegram API ID\n" +
		"• Your Telegram API Hash\n" +
		"(Get these from https://my.telegram.org/auth)\n\n" +
		"Type \"I CONSENT\" to continue or /cancel to abort."

	msgCancelled        = "❌ Operation cancelled. Use /start to begin again."
	msgStatus           = "Current state: %s"
	msgIdleHint         = "🤖 Use /start to begin the media download/upload process."
	msgConsentAccepted  = "✅ Consent received.\n\n🔑 Please enter your Telegram API ID:"
	msgConsentRequired  = "❌ You must type \"I CONSENT\" exactly to proceed, or /cancel to abort."
	msgAPIIDSaved       = "✅ API ID saved.\n\n🗝️ Now enter your Telegram API Hash:"
	msgAPIIDInvalid     = "❌ API ID must be a number. Please enter your API ID (numbers only):"
	msgAPIHashSaved     = "✅ API Hash saved.\n\n🚀 Starting the script with your credentials..."
	msgAPIHashShort     = "❌ API Hash seems too short. Please enter your complete API Hash:"
	msgPhoneSent        = "📱 Phone number sent: %s\nWaiting for OTP..."
	msgOTPSent          = "🔐 OTP processed and sent\nVerifying..."
	msgOTPInvalid       = "❌ Invalid OTP format. Please enter your OTP using format like: 3&5&6&7&8"
	msgChannelSent      = "📺 Channel/chat ID sent: %s\nWaiting for options..."
	msgOptionSent       = "⚙️ Option selected: %s"
	msgDestinationSent  = "📤 Destination set: %s\nStarting download/upload process..."
	msgProcessGone      = "❌ Error: Process not available. Please /start again."
	msgProcessRunning   = "⏳ Process is running. Please wait for completion or use /cancel to stop."
	msgProcessError     = "❌ Process error: %v"
	msgProcessSucceeded = "✅ Process completed successfully! Use /start to begin again."
	msgProcessExited    = "❌ Process exited with code %d. Use /start to try again."
	msgStderr           = "❌ Error: %s"
	msgCompleted        = "🎉 Process completed! Use /start to begin a new session."
	msgCompletedSummary = "\n📊 Final Summary: %d errors were auto-handled (%d file references, %d timeouts)"
	msgSummary          = "⏳ Processing... Downloads continuing in background."
	msgSummaryCounters  = "\n📊 Status: %d auto-retries (%d file refs, %d timeouts)"
)

// splitMessage cuts text into parts of at most limit UTF-16 code units,
// preferring the last newline inside each part.
func splitMessage(text string, limit int) []string {
	var parts []string
	for {
		cut, units, lastNL := len(text), 0, -1
		for i, r := range text {
			n := utf16.RuneLen(r)
			if n < 0 {
				n = 1
			}
			if units+n > limit {
				cut = i
				break
			}
			units += n
			if r == '\n' {
				lastNL = i
			}
		}
		if cut == len(text) {
			return append(parts, text)
		}
		if lastNL > 0 {
			cut = lastNL
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
		if text == "" {
			return parts
		}
	}
}
