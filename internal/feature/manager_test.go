package feature

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/plugin"
)

type fakeTask struct {
	name       string
	startCalls int
	stopCalls  int
}

func (t *fakeTask) Name() string { return t.name }
func (t *fakeTask) Start() error { t.startCalls++; return nil }
func (t *fakeTask) Stop() error  { t.stopCalls++; return nil }
func (t *fakeTask) Metrics() map[string]any {
	return map[string]any{"start_calls": t.startCalls}
}
func (t *fakeTask) Handler(name string) (command.RunFunc, bool) {
	if name != "setLevel" {
		return nil, false
	}
	return func(ctx context.Context, args map[string]command.Value, resp *command.Response) error {
		resp.Parameters["level"] = args["level"]
		return nil
	}, true
}

type fakePlugin struct {
	name     string
	lastTask *fakeTask
}

func (p *fakePlugin) Name() string    { return p.name }
func (p *fakePlugin) Version() string { return "1.0" }
func (p *fakePlugin) Properties() []plugin.PropertySpec {
	return []plugin.PropertySpec{{Name: "brightness", Type: command.TypeInt, Default: float64(100)}}
}
func (p *fakePlugin) Commands() []command.Spec {
	return []command.Spec{{Target: p.name, Name: "setLevel"}}
}
func (p *fakePlugin) NewTasks(settings *config.Settings, f *config.Feature) ([]plugin.Task, error) {
	t := &fakeTask{name: f.ID}
	p.lastTask = t
	return []plugin.Task{t}, nil
}

func newTestManager(t *testing.T) (*Manager, *config.Settings) {
	t.Helper()
	dir := t.TempDir()
	settings, err := config.LoadSettings(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	return New(settings, knowledge.New(), nil, nil), settings
}

func registerTestPlugin(t *testing.T, name string) *fakePlugin {
	t.Helper()
	// plugin.Register panics on duplicate registration across test runs
	// within the same process, so use a unique name per test.
	p := &fakePlugin{name: name}
	plugin.Register(p)
	return p
}

func TestManager_StartCreatesDefaultDisabledFeature(t *testing.T) {
	registerTestPlugin(t, "dimmer-default-test")
	m, settings := newTestManager(t)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f := settings.FeatureByID("dimmer-default-test")
	if f == nil {
		t.Fatal("expected a default feature to be created")
	}
	if f.IsEnabled() {
		t.Error("default feature should be disabled")
	}
	if f.Int("brightness", -1) != 100 {
		t.Errorf("default brightness = %d, want 100", f.Int("brightness", -1))
	}
}

func TestManager_EnableInstantiatesAndStarts(t *testing.T) {
	p := registerTestPlugin(t, "dimmer-enable-test")
	m, settings := newTestManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Enable("dimmer-enable-test"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartFeature("dimmer-enable-test"); err != nil {
		t.Fatal(err)
	}

	if p.lastTask == nil || p.lastTask.startCalls != 1 {
		t.Errorf("expected task to be started once, got %+v", p.lastTask)
	}

	f := settings.FeatureByID("dimmer-enable-test")
	if !f.IsEnabled() {
		t.Error("expected feature to be enabled")
	}
}

func TestManager_ConfigureMirrorsIntoKnowledge(t *testing.T) {
	registerTestPlugin(t, "dimmer-configure-test")
	m, _ := newTestManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	changed, err := m.Configure("dimmer-configure-test", map[string]any{"brightness": float64(42)})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "brightness" {
		t.Errorf("changed = %v", changed)
	}

	v, ok := m.knowledge.Get("dimmer-configure-test_brightness")
	if !ok || v.(float64) != 42 {
		t.Errorf("knowledge value = %v, ok=%v", v, ok)
	}
}

func TestManager_ShutdownIsTwoStep(t *testing.T) {
	m, _ := newTestManager(t)

	if done := m.Shutdown(false); done {
		t.Error("first unforced shutdown should arm the grace window, not finish")
	}
	if done := m.Shutdown(false); !done {
		t.Error("second shutdown within the grace window should force completion")
	}
}

func TestManager_ShutdownForceImmediate(t *testing.T) {
	m, _ := newTestManager(t)
	if done := m.Shutdown(true); !done {
		t.Error("forced shutdown should complete immediately")
	}
}

func TestManager_DispatchRunsTaskHandler(t *testing.T) {
	registerTestPlugin(t, "dimmer-dispatch-test")
	m, _ := newTestManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Enable("dimmer-dispatch-test"); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Dispatch(context.Background(), "dimmer-dispatch-test", "setLevel", map[string]any{"level": float64(7)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Parameters["execution"].AsString() == "" {
		t.Error("expected execution field to be set")
	}
}

func TestManager_DispatchUnknownCommand(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Dispatch(context.Background(), "nope", "nope", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestManager_HasCapability(t *testing.T) {
	registerTestPlugin(t, "dimmer-capability-test")
	m, _ := newTestManager(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Enable("dimmer-capability-test"); err != nil {
		t.Fatal(err)
	}

	if !m.HasCapability("setLevel") {
		t.Error("expected HasCapability(setLevel) to be true for an enabled feature declaring that command")
	}
	if m.HasCapability("nonexistent") {
		t.Error("expected HasCapability(nonexistent) to be false")
	}
}
