// Package protocol defines the JSON envelopes exchanged with external
// components over stdin/stdout. One invocation handles one message.
package protocol

import "time"

// SupportedVersion is the only protocol version the runtime speaks.
const SupportedVersion = 1

// Request is written to an external component's stdin.
type Request struct {
	Protocol int    `json:"protocol"`
	Event    string `json:"event"`
	Queue    string `json:"queue"`
	ActionID int    `json:"action_id,omitempty"`

	// InvocationID is unique per invocation so component-side logs can be
	// correlated with the runtime's.
	InvocationID string `json:"invocation_id"`

	// Message is the raw JSON body of the action message.
	Message map[string]any `json:"message"`

	// Headers carries the frame headers the handler may care about.
	Headers map[string]string `json:"headers,omitempty"`

	// Config is the component's resolved app config section.
	Config map[string]string `json:"config,omitempty"`

	DeadlineAt time.Time `json:"deadline_at"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusDefer = "defer"
)

// Response is read from an external component's stdout.
type Response struct {
	// Status is ok, error or defer.
	Status string `json:"status"`

	// Message is the completion text for ok, the failure reason for
	// error, or the deferral reason for defer.
	Message string `json:"message,omitempty"`

	// DeferMS requests a specific re-fire delay for status defer.
	// Zero lets the runtime pick a short random delay.
	DeferMS int `json:"defer_ms,omitempty"`

	// Logs are forwarded to the runtime log under the component's name.
	Logs []LogEntry `json:"logs,omitempty"`
}

// LogEntry is one log line emitted by an external component.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}
