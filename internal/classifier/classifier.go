// Package classifier decides what a chunk of external program output means:
// whether it reaches the user, which error counter it bumps, and which
// workflow step it signals.
package classifier

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	csiPattern      = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	oscPattern      = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	newlinesPattern = regexp.MustCompile(`\n+`)
)

// Clean strips terminal control sequences, drops carriage returns, collapses
// repeated line breaks and trims the result.
func Clean(raw string) string {
	out := oscPattern.ReplaceAllString(raw, "")
	out = csiPattern.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "\r", "")
	out = newlinesPattern.ReplaceAllString(out, "\n")
	return strings.TrimSpace(out)
}

// Counter names a recoverable error category.
type Counter int

const (
	CounterNone Counter = iota
	CounterFileExpired
	CounterTimeout
)

// Decision is the delivery verdict for one chunk.
type Decision struct {
	// Rule is the name of the rule that matched.
	Rule string
	// Deliver reports whether Message should be sent to the user.
	Deliver bool
	// Message is the user-facing text, already prefixed.
	Message string
	// Counter is the error counter to increment, if any.
	Counter Counter
}

// Result is the full classification of one chunk.
type Result struct {
	Text     string
	Decision Decision
	// Workflow is nil when no workflow marker matched.
	Workflow *Workflow
}

type deliveryRule struct {
	name   string
	match  func(line string) bool
	decide func(line string) Decision
}

// Classifier applies an ordered rule table. Rules may be swapped at runtime.
type Classifier struct {
	table atomic.Pointer[[]deliveryRule]
}

// New creates a classifier using rules.
func New(rules Rules) *Classifier {
	c := &Classifier{}
	c.SetRules(rules)
	return c
}

// SetRules replaces the active marker lists.
func (c *Classifier) SetRules(rules Rules) {
	table := compile(rules)
	c.table.Store(&table)
}

// Classify cleans raw and classifies it. It returns false when nothing is
// left after cleaning.
func (c *Classifier) Classify(raw string) (Result, bool) {
	text := Clean(raw)
	if text == "" {
		return Result{}, false
	}
	return Result{
		Text:     text,
		Decision: c.Decide(text),
		Workflow: MatchWorkflow(text),
	}, true
}

// Decide runs the delivery rules over an already cleaned chunk. The first
// matching rule wins.
func (c *Classifier) Decide(text string) Decision {
	for _, r := range *c.table.Load() {
		if r.match(text) {
			d := r.decide(text)
			d.Rule = r.name
			return d
		}
	}
	return Decision{Rule: "info", Deliver: true, Message: "📝 " + text}
}

// RuleNames lists the delivery rules in evaluation order.
func (c *Classifier) RuleNames() []string {
	table := *c.table.Load()
	names := make([]string, 0, len(table))
	for _, r := range table {
		names = append(names, r.name)
	}
	return names
}

func compile(rules Rules) []deliveryRule {
	suppress := func(string) Decision { return Decision{} }
	critical := func(line string) Decision { return Decision{Deliver: true, Message: "🚨 " + line} }

	return []deliveryRule{
		{
			name: "progress_bar",
			match: func(line string) bool {
				return strings.Contains(line, "%") && containsAny(line, rules.ThroughputUnits)
			},
			decide: suppress,
		},
		{
			name:   "verbose",
			match:  func(line string) bool { return containsAny(line, rules.VerboseMarkers) },
			decide: suppress,
		},
		{
			name: "recoverable",
			match: func(line string) bool {
				return strings.Contains(line, "FILE_REFERENCE_EXPIRED") ||
					(strings.Contains(line, "Timeout") && strings.Contains(line, "503"))
			},
			decide: func(line string) Decision {
				if strings.Contains(line, "FILE_REFERENCE_EXPIRED") {
					return Decision{Counter: CounterFileExpired}
				}
				return Decision{Counter: CounterTimeout}
			},
		},
		{
			name: "attempt_failed",
			match: func(line string) bool {
				return strings.Contains(line, "Download attempt") && strings.Contains(line, "failed")
			},
			decide: suppress,
		},
		{
			name: "terminal_failure",
			match: func(line string) bool {
				return strings.Contains(line, "❌") &&
					(strings.Contains(line, "Max retries reached") || strings.Contains(line, "permanently failed"))
			},
			decide: critical,
		},
		{
			name:  "generic_error",
			match: func(line string) bool { return containsAny(line, []string{"❌", "Error", "Failed", "Exception"}) },
			decide: func(line string) Decision {
				if containsAny(line, rules.CriticalCodes) {
					return critical(line)
				}
				return Decision{}
			},
		},
		{
			name:   "success",
			match:  func(line string) bool { return containsAny(line, []string{"✅", "Downloaded", "complete"}) },
			decide: func(line string) Decision { return Decision{Deliver: true, Message: "✅ " + line} },
		},
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
