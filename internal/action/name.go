package action

import (
	"regexp"
	"strings"
)

// UnnamedEvent is the event name used when a message carries no action id,
// so handlers can still opt in to server notifications.
const UnnamedEvent = "_unnamed_"

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// EventName derives a handler event name from an action's display name:
// trimmed, lowercased, with every run of non-word characters collapsed to
// a single underscore. "Manual Scan!" becomes "manual_scan_".
func EventName(displayName string) string {
	return nonWord.ReplaceAllString(strings.ToLower(strings.TrimSpace(displayName)), "_")
}
