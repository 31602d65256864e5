// Package action models the messages that arrive on action queues and the
// replies that go back. A message is the decoded JSON body of a STOMP frame
// plus the frame headers the runtime needs for acking and replying.
package action

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Headers are the STOMP frame headers carried with every action message.
type Headers struct {
	ContextToken  string
	Timestamp     int64
	MessageID     string
	Subscription  string
	ReplyTo       string
	CorrelationID string
}

// HeaderMap is the raw header set of a frame, as delivered by the transport.
type HeaderMap map[string]string

// ParseHeaders extracts the well-known headers from a frame header map.
func ParseHeaders(h HeaderMap) Headers {
	ts, _ := strconv.ParseInt(h["timestamp"], 10, 64)
	return Headers{
		ContextToken:  h["Co3ContextToken"],
		Timestamp:     ts,
		MessageID:     h["message-id"],
		Subscription:  h["subscription"],
		ReplyTo:       h["reply-to"],
		CorrelationID: h["correlation-id"],
	}
}

// Message is a single inbound action invocation.
type Message struct {
	Headers Headers

	// Queue is the subscription queue name the message arrived on.
	Queue string

	// Name is the derived event name, e.g. "manual_scan" for an action
	// displayed as "Manual Scan". See EventName.
	Name string

	// Deferred is set when the message is a re-fire of an earlier deferral.
	Deferred bool

	body map[string]any
	raw  []byte
}

// Decode builds a Message from the raw JSON body of a frame.
func Decode(queue string, headers Headers, raw []byte) (*Message, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("action: decode message body: %w", err)
	}
	return &Message{Headers: headers, Queue: queue, body: body, raw: raw}, nil
}

// Empty builds a message with no body, for frames that failed to parse
// but must still be dispatched in test mode.
func Empty(queue string, headers Headers) *Message {
	return &Message{Headers: headers, Queue: queue, body: map[string]any{}}
}

// Raw returns the undecoded JSON body.
func (m *Message) Raw() []byte { return m.raw }

// Body returns the decoded JSON object.
func (m *Message) Body() map[string]any { return m.body }

// ActionID returns the numeric action id, or 0 when the message carries
// none (some server-originated notifications do not).
func (m *Message) ActionID() int {
	if v, ok := m.body["action_id"].(float64); ok {
		return int(v)
	}
	return 0
}

// ObjectType returns the type name of the object the action fired on,
// e.g. "incident" or "artifact". Older servers send the type as an id.
func (m *Message) ObjectType() string {
	switch v := m.body["object_type"].(type) {
	case string:
		return v
	case float64:
		return strconv.Itoa(int(v))
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return name
		}
	}
	return ""
}

// Get walks a dotted path through the message body, e.g.
// "incident.properties.severity". It returns nil when any step is absent.
func (m *Message) Get(path string) any {
	var cur any = m.body
	for _, step := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[step]
		if !ok {
			return nil
		}
	}
	return cur
}

// GetString is Get with a string assertion; absent or non-string is "".
func (m *Message) GetString(path string) string {
	s, _ := m.Get(path).(string)
	return s
}
