// Package plugin holds the compile-time registry of Feature plugins, and
// the Plugin interface each one implements. Concrete plugins live under
// internal/plugins/... and call Register from an init() function, the
// same pattern database/sql drivers use to self-register.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
)

// PropertySpec declares one configuration property a plugin's Features
// may set: its type name (matching command.ParamType) and default value.
type PropertySpec struct {
	Name    string
	Type    command.ParamType
	Default any
}

// Task is a running instance of a plugin, owned by the Manager. Created on
// Feature enable (or at startup for an enabled Feature); disabling the
// Feature leaves it in place until a stop request removes it.
type Task interface {
	Name() string
	Start() error
	Stop() error
	// Metrics returns a snapshot suitable for the "status" request.
	Metrics() map[string]any
	// Handler resolves a declared command name (one of this Task's
	// plugin's Commands()) to its handler, or false if this Task does
	// not implement that command.
	Handler(name string) (command.RunFunc, bool)
}

// Plugin is the static descriptor every Feature type implements: name,
// version, declared configuration properties, declared commands, and a
// factory that builds Tasks from a Feature configuration.
type Plugin interface {
	Name() string
	Version() string
	Properties() []PropertySpec
	Commands() []command.Spec
	// NewTasks builds zero or more Tasks for the given Feature config.
	NewTasks(settings *config.Settings, f *config.Feature) ([]Task, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Plugin)
)

// Register adds a plugin under its declared Name. Panics on duplicate
// registration, mirroring database/sql.Register — a duplicate plugin name
// is a programming error caught at process startup, not a runtime
// condition to recover from.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	name := p.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("plugin: Register called twice for plugin %q", name))
	}
	registry[name] = p
}

// Lookup returns the registered plugin for a type name, or nil.
func Lookup(name string) Plugin {
	mu.RLock()
	defer mu.RUnlock()
	return registry[name]
}

// All returns every registered plugin, sorted by name for deterministic
// startup ordering.
func All() []Plugin {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Plugin, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
