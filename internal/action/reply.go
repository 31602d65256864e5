package action

import "encoding/json"

// Reply status codes understood by the server.
const (
	StatusOK    = 0
	StatusError = 1
)

// Reply is the acknowledgement body sent to a message's reply-to
// destination once handling finishes.
type Reply struct {
	MessageType int    `json:"message_type"`
	Message     string `json:"message"`
	Complete    bool   `json:"complete"`
}

// NewReply builds a completed reply. An empty text with StatusOK is valid
// and renders as a bare completion on the server side.
func NewReply(status int, text string) Reply {
	return Reply{MessageType: status, Message: text, Complete: true}
}

// Encode renders the reply body for the wire.
func (r Reply) Encode() ([]byte, error) {
	return json.Marshal(r)
}
