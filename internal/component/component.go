// Package component models the units of work that consume action queues.
// A component owns one queue and a set of named event handlers; the
// dispatcher routes each inbound message to the handler matching its
// derived event name.
package component

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/actiond/internal/action"
)

// Result is what a handler produces on success. It becomes the reply body
// sent to the message's reply-to destination.
type Result struct {
	Status int
	Text   string
}

// OK builds a success result with optional completion text.
func OK(text string) *Result {
	return &Result{Status: action.StatusOK, Text: text}
}

// HandlerFunc processes one message. Returning an error produces an error
// reply; returning (or wrapping) an action.DeferError re-fires the message
// later instead.
type HandlerFunc func(ctx context.Context, m *action.Message) (*Result, error)

// Component is one registered consumer of a queue.
type Component struct {
	// Name identifies the component in logs and listings.
	Name string

	// Queue is the action queue the component consumes. Empty disables
	// the component.
	Queue string

	// Inbound marks the queue as a connector inbound destination rather
	// than an action queue.
	Inbound bool

	// LowCode marks a component that consumes the connector queues
	// published at runtime on the subscription queue instead of a
	// statically configured queue. While the published set is empty the
	// component is dormant.
	LowCode bool

	// Handlers maps derived event names to handlers. The entry under
	// action.UnnamedEvent receives messages that carry no action id.
	Handlers map[string]HandlerFunc

	// RequiredFields are config keys that must be present and non-empty
	// in the component's app section before it may load.
	RequiredFields []string

	// RequiredIncidentFields and RequiredActionFields name platform
	// fields the component depends on. They are checked against the org's
	// type definitions at startup.
	RequiredIncidentFields []string
	RequiredActionFields   []string

	// Customizations are platform objects the component wants created,
	// posted by `actiond customize`.
	Customizations []Customization

	// Section is the app config section the component reads, usually
	// its package name.
	Section string

	// SelfTest verifies the component can reach whatever it depends on.
	// Nil means the component does not implement one; return
	// ErrSelfTestUnimplemented to say so explicitly.
	SelfTest func(ctx context.Context) error
}

// ErrSelfTestUnimplemented marks a component whose self test is declared
// but not implemented.
var ErrSelfTestUnimplemented = errors.New("selftest not implemented")

// Customization is one platform object a component declares, such as a
// message destination or a function definition. Posting an object that
// already exists is not an error.
type Customization struct {
	// Description names the object in logs and the customize summary.
	Description string

	// Path is the org-scoped REST path the payload is posted to, for
	// example /message_destinations.
	Path string

	Payload any
}

// Handler returns the handler for an event name, or nil.
func (c *Component) Handler(event string) HandlerFunc {
	if c == nil {
		return nil
	}
	return c.Handlers[event]
}

// Validate checks the component is well-formed and its required config
// fields are satisfied. appConfig holds the component's section values.
func (c *Component) Validate(appConfig map[string]string) error {
	if c.Name == "" {
		return fmt.Errorf("component has no name")
	}
	if len(c.Handlers) == 0 {
		return fmt.Errorf("component %s has no handlers", c.Name)
	}
	var missing []string
	for _, field := range c.RequiredFields {
		if appConfig[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("component %s is missing required config fields %v in section [%s]",
			c.Name, missing, c.Section)
	}
	return nil
}
