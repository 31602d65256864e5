package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/actiond/internal/config"
)

// Factory builds a component from the loaded configuration. Factories run
// at startup and again after every config reload.
type Factory func(cfg *config.Config) (*Component, error)

var builtin struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// RegisterBuiltin records a compiled-in component factory under a unique
// name. It is intended to be called from package init functions and
// panics on duplicates, like database/sql driver registration.
func RegisterBuiltin(name string, f Factory) {
	builtin.mu.Lock()
	defer builtin.mu.Unlock()
	if builtin.factories == nil {
		builtin.factories = make(map[string]Factory)
	}
	if _, dup := builtin.factories[name]; dup {
		panic(fmt.Sprintf("component: RegisterBuiltin called twice for %s", name))
	}
	builtin.factories[name] = f
}

// BuiltinNames lists the registered factories in sorted order.
func BuiltinNames() []string {
	builtin.mu.RLock()
	defer builtin.mu.RUnlock()
	names := make([]string, 0, len(builtin.factories))
	for name := range builtin.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildBuiltins instantiates every registered factory not excluded by the
// noload list. A factory failure skips that component and is reported;
// the rest still load.
func BuildBuiltins(cfg *config.Config) ([]*Component, []error) {
	skip := make(map[string]bool, len(cfg.Settings.NoLoad))
	for _, name := range cfg.Settings.NoLoad {
		skip[name] = true
	}

	builtin.mu.RLock()
	factories := make(map[string]Factory, len(builtin.factories))
	for name, f := range builtin.factories {
		factories[name] = f
	}
	builtin.mu.RUnlock()

	var comps []*Component
	var errs []error
	for _, name := range sortedKeys(factories) {
		if skip[name] {
			continue
		}
		c, err := factories[name](cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("component %s: %w", name, err))
			continue
		}
		if c.Name == "" {
			c.Name = name
		}
		if c.Section == "" {
			c.Section = c.Name
		}
		comps = append(comps, c)
	}
	return comps, errs
}

func sortedKeys(m map[string]Factory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
