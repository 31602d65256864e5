// Package plugin discovers external components under the components
// directory and exposes them as registry components. An external component
// is a directory holding a manifest.yaml and an executable entrypoint that
// speaks the stdin/stdout protocol.
package plugin

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/actiond/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Manifest is the structure of a component's manifest.yaml.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Protocol    int    `yaml:"protocol"`
	Entrypoint  string `yaml:"entrypoint"`
	Description string `yaml:"description,omitempty"`

	// Queue is the action queue the component consumes. The queue key in
	// the component's app config section overrides it.
	Queue string `yaml:"queue"`

	// Inbound marks Queue as a connector inbound destination.
	Inbound bool `yaml:"inbound,omitempty"`

	// LowCode makes the component consume the connector queues published
	// at runtime instead of a fixed queue. Queue may then be omitted.
	LowCode bool `yaml:"lowcode,omitempty"`

	// Events are the derived event names the component handles. The
	// special name _unnamed_ receives messages without an action id.
	Events []string `yaml:"events"`

	// Section is the app config section passed to the component.
	// Defaults to the component name.
	Section string `yaml:"section,omitempty"`

	ConfigKeys *ConfigKeys `yaml:"config_keys,omitempty"`

	// TimeoutSeconds bounds one invocation. Zero means the default.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// ConfigKeys declares the config the component needs from its section.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// External is a discovered and validated external component.
type External struct {
	Name        string
	Path        string // absolute component directory
	Entrypoint  string // absolute entrypoint path
	Version     string
	Description string
	Queue       string
	Inbound     bool
	LowCode     bool
	Events      []string
	Section     string
	ConfigKeys  *ConfigKeys
	Timeout     int // seconds
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.SupportedVersion {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)",
			m.Protocol, protocol.SupportedVersion)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Events) == 0 {
		return fmt.Errorf("at least one event must be declared")
	}
	for _, ev := range m.Events {
		if strings.TrimSpace(ev) == "" {
			return fmt.Errorf("event names must not be empty")
		}
	}
	return nil
}
