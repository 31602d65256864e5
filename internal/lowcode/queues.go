// Package lowcode manages connector queues whose membership is published
// at runtime on a subscription queue, rather than declared statically.
// Components tagged low-code consume whatever the current set holds; an
// empty set disables them so they never match every channel by accident.
package lowcode

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/actiond/internal/log"
)

// InboundQueueKey is the app config key a component sets to override the
// destination of its inbound handlers.
const InboundQueueKey = "inbound_destination_api_name"

// ChangeFunc is called with the queues added and removed by an update,
// after the set has been mutated.
type ChangeFunc func(added, removed []string)

// Queues is the mutex-protected set of live connector queues. Subscription
// messages and component registration race, hence the explicit lock.
type Queues struct {
	mu       sync.Mutex
	names    map[string]bool
	onChange ChangeFunc
}

func NewQueues(initial []string, onChange ChangeFunc) *Queues {
	names := make(map[string]bool, len(initial))
	for _, n := range initial {
		if n != "" {
			names[n] = true
		}
	}
	return &Queues{names: names, onChange: onChange}
}

// subscriptionMessage is the body published on the subscription queue.
type subscriptionMessage struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	// some servers publish the full set instead of a delta
	QueueNames []string `json:"queue_names"`
}

// Apply ingests one subscription-queue message and reconciles the set.
func (q *Queues) Apply(body []byte) error {
	var msg subscriptionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("lowcode: decode subscription message: %w", err)
	}

	var added, removed []string
	q.mu.Lock()
	if msg.QueueNames != nil {
		want := make(map[string]bool, len(msg.QueueNames))
		for _, n := range msg.QueueNames {
			if n != "" {
				want[n] = true
			}
		}
		for n := range want {
			if !q.names[n] {
				added = append(added, n)
			}
		}
		for n := range q.names {
			if !want[n] {
				removed = append(removed, n)
			}
		}
		q.names = want
	} else {
		for _, n := range msg.Added {
			if n != "" && !q.names[n] {
				q.names[n] = true
				added = append(added, n)
			}
		}
		for _, n := range msg.Removed {
			if q.names[n] {
				delete(q.names, n)
				removed = append(removed, n)
			}
		}
	}
	onChange := q.onChange
	q.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	log.Info("low-code queue set changed", "added", added, "removed", removed)
	if onChange != nil {
		onChange(added, removed)
	}
	return nil
}

// Contains reports membership.
func (q *Queues) Contains(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.names[name]
}

// List returns the current set, sorted.
func (q *Queues) List() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.names))
	for n := range q.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Enabled reports whether any connector queue is live. Low-code handlers
// stay dormant while this is false.
func (q *Queues) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.names) > 0
}
