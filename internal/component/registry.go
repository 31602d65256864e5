package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/actiond/internal/log"
)

// ChangeKind discriminates registry change notices.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

// Change is emitted whenever the registered component set shifts, so the
// dispatcher can open or close queue subscriptions.
type Change struct {
	Kind      ChangeKind
	Component *Component
}

// Registry is the live set of loaded components, keyed by name. The
// dispatcher consumes its change stream; everything else reads it.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*Component
	changes    chan Change
}

func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]*Component),
		changes:    make(chan Change, 32),
	}
}

// Changes is the stream of add/remove notices. It must be drained.
func (r *Registry) Changes() <-chan Change { return r.changes }

// Add registers a validated component. Re-adding a name replaces the old
// component, emitting Removed then Added.
func (r *Registry) Add(c *Component, appConfig map[string]string) error {
	if err := c.Validate(appConfig); err != nil {
		return err
	}
	if c.Queue == "" && !c.LowCode {
		log.Warn("component has no queue, not loading", "component", c.Name)
		return fmt.Errorf("component %s has no queue configured", c.Name)
	}

	r.mu.Lock()
	old := r.components[c.Name]
	r.components[c.Name] = c
	r.mu.Unlock()

	if old != nil {
		r.emit(Change{Kind: Removed, Component: old})
	}
	r.emit(Change{Kind: Added, Component: c})
	log.Info("component registered", "component", c.Name, "queue", c.Queue)
	return nil
}

// emit posts a change notice without blocking. A full channel means the
// consumer is gone or far behind; it resubscribes from the registry state
// on reconnect, so dropping the notice is safe.
func (r *Registry) emit(ch Change) {
	select {
	case r.changes <- ch:
	default:
		log.Warn("registry change notice dropped, consumer is not draining",
			"component", ch.Component.Name)
	}
}

// Remove unregisters a component by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	c, ok := r.components[name]
	delete(r.components, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.emit(Change{Kind: Removed, Component: c})
	log.Info("component unregistered", "component", name)
}

// RemoveAll unregisters everything, in name order.
func (r *Registry) RemoveAll() {
	for _, c := range r.List() {
		r.Remove(c.Name)
	}
}

// Get returns the component registered under name, or nil.
func (r *Registry) Get(name string) *Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.components[name]
}

// List returns the registered components sorted by name.
func (r *Registry) List() []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForQueue returns the components consuming a queue, sorted by name.
// Several components may share one queue; each gets a shot at a message.
func (r *Registry) ForQueue(queue string) []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Component
	for _, c := range r.components {
		if c.Queue == queue {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Queues returns the distinct queues with at least one consumer.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range r.components {
		seen[c.Queue] = true
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
