// Package feature implements the Module Manager: Feature/Task lifecycle,
// plugin discovery, the command table, and capability probing. See
// spec.md §4.D.
package feature

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/plugin"
)

// ReservedTarget is the identifier used for system (non-plugin) commands.
const ReservedTarget = "RIO"

// scheduler is the minimal surface the Manager needs to start/stop the
// task scheduler at the right points in its own lifecycle, without
// importing the scheduler package directly (it is constructed after the
// Manager and wired in via SetScheduler).
type scheduler interface {
	Start(ctx context.Context)
	Stop()
}

// Manager owns every Feature's Tasks, the command table, and startup/
// shutdown sequencing.
type Manager struct {
	settings  *config.Settings
	knowledge *knowledge.Store
	bus       *events.Bus
	logger    *slog.Logger

	mu           sync.RWMutex
	tasks        map[string][]plugin.Task // feature id -> tasks
	order        []string                 // feature ids, registration order
	commandIndex map[string]command.Spec  // "<type>+<name>" -> Spec

	sched scheduler

	shutdownMu    sync.Mutex
	shutdownArmed bool
	shutdownTimer *time.Timer
}

// New constructs a Manager bound to settings and a shared Knowledge store.
// bus may be nil. Call Start to run the startup sequence.
func New(settings *config.Settings, know *knowledge.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		settings:     settings,
		knowledge:    know,
		bus:          bus,
		logger:       logger,
		tasks:        make(map[string][]plugin.Task),
		commandIndex: make(map[string]command.Spec),
	}
}

// SetScheduler wires the scheduler to be started/stopped alongside the
// Manager's own lifecycle.
func (m *Manager) SetScheduler(s scheduler) {
	m.sched = s
}

// Start runs the Module Manager startup sequence (spec.md §4.D): ensure
// every registered plugin has a default disabled Feature, index declared
// commands, instantiate Tasks for enabled Features, start the scheduler,
// then start Tasks in registration order.
func (m *Manager) Start(ctx context.Context) error {
	for _, p := range plugin.All() {
		if err := m.ensureDefaultFeature(p); err != nil {
			return fmt.Errorf("ensure default feature for %q: %w", p.Name(), err)
		}
		for _, spec := range p.Commands() {
			m.commandIndex[commandKey(p.Name(), spec.Name)] = spec
		}
	}

	for _, f := range m.settings.AllFeatures() {
		if !f.IsEnabled() {
			continue
		}
		if err := m.instantiate(f); err != nil {
			m.logger.Error("failed to instantiate feature", "feature_id", f.ID, "error", err)
		}
	}

	if m.sched != nil {
		m.sched.Start(ctx)
	}

	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range order {
		for _, t := range m.tasksFor(id) {
			if err := t.Start(); err != nil {
				m.logger.Error("task failed to start", "feature_id", id, "task", t.Name(), "error", err)
			} else {
				m.publish(events.KindFeatureStarted, id, map[string]any{"feature_id": id})
			}
		}
	}

	return nil
}

func (m *Manager) ensureDefaultFeature(p plugin.Plugin) error {
	if len(m.settings.FeaturesByType(p.Name())) > 0 {
		return nil
	}
	props := make(map[string]any, len(p.Properties()))
	for _, ps := range p.Properties() {
		props[ps.Name] = ps.Default
	}
	f := &config.Feature{
		Enabled:    false,
		ID:         p.Name(),
		Type:       p.Name(),
		Version:    p.Version(),
		Properties: props,
	}
	_, err := m.settings.AddFeature(f)
	return err
}

func commandKey(target, name string) string {
	return target + "+" + name
}

// findCommand resolves target+name to a declared Spec. target may be a
// plugin type, a Feature id, or the reserved "RIO" target.
func (m *Manager) findCommand(target, name string) (command.Spec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if spec, ok := m.commandIndex[commandKey(target, name)]; ok {
		return spec, true
	}
	if f := m.settings.FeatureByID(target); f != nil {
		if spec, ok := m.commandIndex[commandKey(f.Type, name)]; ok {
			return spec, true
		}
	}
	return command.Spec{}, false
}

// findFeature matches by plugin type first, then by Feature id.
func (m *Manager) findFeature(id string) *config.Feature {
	if fs := m.settings.FeaturesByType(id); len(fs) == 1 {
		return fs[0]
	}
	return m.settings.FeatureByID(id)
}

// selfFeature is a synthetic Feature describing the agent itself, used
// when target resolves to the device id or the reserved RIO target.
func (m *Manager) selfFeature() *config.Feature {
	return &config.Feature{
		Enabled: true,
		ID:      m.settings.DeviceID(),
		Type:    ReservedTarget,
		Version: "",
	}
}

// selectFeatures resolves a request's target (a string or list of
// strings) to the matching Features. device-id and "RIO" inject the
// synthetic self Feature.
func (m *Manager) selectFeatures(targets []string) []*config.Feature {
	out := make([]*config.Feature, 0, len(targets))
	for _, t := range targets {
		if t == ReservedTarget || t == m.settings.DeviceID() {
			out = append(out, m.selfFeature())
			continue
		}
		if f := m.findFeature(t); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (m *Manager) tasksFor(featureID string) []plugin.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]plugin.Task(nil), m.tasks[featureID]...)
}

func (m *Manager) instantiate(f *config.Feature) error {
	p := plugin.Lookup(f.Type)
	if p == nil {
		return fmt.Errorf("no plugin registered for type %q", f.Type)
	}
	tasks, err := p.NewTasks(m.settings, f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.tasks[f.ID]; !exists {
		m.order = append(m.order, f.ID)
	}
	m.tasks[f.ID] = tasks
	m.mu.Unlock()
	return nil
}

// Enable marks the Feature enabled, instantiates its Tasks, and persists.
func (m *Manager) Enable(target string) error {
	f := m.findFeature(target)
	if f == nil {
		return fmt.Errorf("unknown feature %q", target)
	}
	f.SetEnabled(true)
	if err := m.instantiate(f); err != nil {
		return err
	}
	m.publish(events.KindFeatureEnabled, f.ID, map[string]any{"feature_id": f.ID, "feature_type": f.Type})
	return m.settings.Persist()
}

// Disable marks the Feature disabled. Existing Tasks continue running
// until an explicit Stop.
func (m *Manager) Disable(target string) error {
	f := m.findFeature(target)
	if f == nil {
		return fmt.Errorf("unknown feature %q", target)
	}
	f.SetEnabled(false)
	m.publish(events.KindFeatureDisabled, f.ID, map[string]any{"feature_id": f.ID, "feature_type": f.Type})
	return m.settings.Persist()
}

// StartFeature calls Start on every Task of enabled Features matching
// target. Idempotent.
func (m *Manager) StartFeature(target string) error {
	for _, f := range m.matchingFeatures(target) {
		if !f.IsEnabled() {
			continue
		}
		for _, t := range m.tasksFor(f.ID) {
			if err := t.Start(); err != nil {
				return err
			}
		}
		m.publish(events.KindFeatureStarted, f.ID, map[string]any{"feature_id": f.ID, "feature_type": f.Type})
	}
	return nil
}

// StopFeature calls Stop on every Task matching target. If the Feature is
// disabled, its Tasks are also removed from the registry.
func (m *Manager) StopFeature(target string) error {
	for _, f := range m.matchingFeatures(target) {
		for _, t := range m.tasksFor(f.ID) {
			if err := t.Stop(); err != nil {
				return err
			}
		}
		m.publish(events.KindFeatureStopped, f.ID, map[string]any{"feature_id": f.ID, "feature_type": f.Type})

		if !f.IsEnabled() {
			m.mu.Lock()
			delete(m.tasks, f.ID)
			m.mu.Unlock()
		}
	}
	return nil
}

func (m *Manager) matchingFeatures(target string) []*config.Feature {
	if f := m.findFeature(target); f != nil {
		return []*config.Feature{f}
	}
	return nil
}

// Configure merges properties into the target Feature, mirrors changed
// keys into Knowledge under "<featureId>_<key>", and persists.
func (m *Manager) Configure(target string, properties map[string]any) ([]string, error) {
	f := m.findFeature(target)
	if f == nil {
		return nil, fmt.Errorf("unknown feature %q", target)
	}
	changed := f.Merge(properties)

	if m.knowledge != nil && len(changed) > 0 {
		kvs := make(map[string]any, len(changed))
		for _, key := range changed {
			kvs[key] = properties[key]
		}
		m.knowledge.Set(f.ID, kvs)
	}

	m.publish(events.KindFeatureConfigured, f.ID, map[string]any{"feature_id": f.ID, "changed": changed})
	return changed, m.settings.Persist()
}

// shutdownGrace is the armed window described by spec.md §4.D: a second
// shutdown request within this window forces immediate stop.
const shutdownGrace = 10 * time.Second

// Shutdown implements the two-step armed shutdown: an initial call without
// force arms a grace window and returns false (not yet shutting down); a
// second call within the window, or any call with force=true, stops the
// scheduler and every Task and returns true.
func (m *Manager) Shutdown(force bool) bool {
	m.shutdownMu.Lock()
	armed := m.shutdownArmed
	if !force && !armed {
		m.shutdownArmed = true
		m.shutdownTimer = time.AfterFunc(shutdownGrace, func() {
			m.shutdownMu.Lock()
			m.shutdownArmed = false
			m.shutdownMu.Unlock()
		})
		m.shutdownMu.Unlock()
		return false
	}
	if m.shutdownTimer != nil {
		m.shutdownTimer.Stop()
	}
	m.shutdownArmed = false
	m.shutdownMu.Unlock()

	if m.sched != nil {
		m.sched.Stop()
	}

	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range order {
		for _, t := range m.tasksFor(id) {
			if err := t.Stop(); err != nil {
				m.logger.Error("task failed to stop during shutdown", "feature_id", id, "task", t.Name(), "error", err)
			}
		}
	}
	return true
}

// HasCapability reports whether any enabled Feature's plugin declares a
// command whose name equals capability, ignoring case (e.g. "display"), resolving Open
// Question 2 — system-rule membership is capability-probed rather than
// hardcoded to a Feature type.
func (m *Manager) HasCapability(capability string) bool {
	for _, f := range m.settings.AllFeatures() {
		if !f.IsEnabled() {
			continue
		}
		p := plugin.Lookup(f.Type)
		if p == nil {
			continue
		}
		for _, spec := range p.Commands() {
			if strings.EqualFold(spec.Name, capability) {
				return true
			}
		}
	}
	return false
}

// ErrCommandNotFound is returned by Dispatch when target+name does not
// resolve to any declared command.
var ErrCommandNotFound = fmt.Errorf("command not found")

// FindCommand resolves target+name to a declared Spec, exported for the
// request router (spec.md §4.H "help").
func (m *Manager) FindCommand(target, name string) (command.Spec, bool) {
	return m.findCommand(target, name)
}

// SelectFeatures resolves a request's target list to matching Features,
// injecting the synthetic self Feature for the device id or "RIO",
// exported for the request router (spec.md §4.D selectFeatures).
func (m *Manager) SelectFeatures(targets []string) []*config.Feature {
	return m.selectFeatures(targets)
}

// ListFeatures returns every Feature currently in Settings.
func (m *Manager) ListFeatures() []*config.Feature {
	return m.settings.AllFeatures()
}

// ListTasks returns every running Task, keyed by the Feature id that
// owns it.
func (m *Manager) ListTasks() map[string][]plugin.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]plugin.Task, len(m.tasks))
	for id, tasks := range m.tasks {
		out[id] = append([]plugin.Task(nil), tasks...)
	}
	return out
}

// ListDrivers returns every registered plugin's name and version.
func (m *Manager) ListDrivers() []plugin.Plugin {
	return plugin.All()
}

// Status returns the agent's own metrics plus every running Task's
// Metrics, keyed by Feature id (spec.md §4.H "status").
func (m *Manager) Status() map[string]any {
	tasks := m.ListTasks()
	components := make(map[string]any, len(tasks))
	for id, ts := range tasks {
		metrics := make([]map[string]any, 0, len(ts))
		for _, t := range ts {
			metrics = append(metrics, t.Metrics())
		}
		components[id] = metrics
	}
	return map[string]any{
		"device_id":  m.settings.DeviceID(),
		"components": components,
	}
}

// Dispatch resolves target+name to a declared command and a Task that
// implements it, then runs command.Execute against it. target must
// resolve to exactly one enabled Feature with a Task implementing
// name; otherwise ErrCommandNotFound is returned.
func (m *Manager) Dispatch(ctx context.Context, target, name string, params map[string]any) (*command.Response, error) {
	spec, ok := m.findCommand(target, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrCommandNotFound, target, name)
	}

	resp := command.NewResponse()
	for _, f := range m.selectFeatures([]string{target}) {
		for _, t := range m.tasksFor(f.ID) {
			run, ok := t.Handler(name)
			if !ok {
				continue
			}
			err := command.Execute(ctx, spec, params, resp, run, m.bus)
			m.publish(events.KindCommandDispatched, f.ID, map[string]any{"target": target, "command": name})
			return resp, err
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrCommandNotFound, target, name)
}

func (m *Manager) publish(kind, featureID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceManager,
		Kind:      kind,
		Data:      data,
	})
}
