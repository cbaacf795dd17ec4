// Package sensor implements a generic polling-sensor Feature plugin:
// a stand-in for the concrete hardware sensor drivers spec.md §1
// explicitly places out of scope ("the concrete plugin
// implementations ... are out of scope; contracts only given where the
// core consumes them"). It exercises the Module Manager's full
// lifecycle and the "reading" command end to end.
package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/plugin"
)

const pluginName = "sensor"

func init() {
	plugin.Register(&Plugin{})
}

// Plugin is the static descriptor for the sensor Feature type.
type Plugin struct{}

func (Plugin) Name() string    { return pluginName }
func (Plugin) Version() string { return "1.0.0" }

func (Plugin) Properties() []plugin.PropertySpec {
	return []plugin.PropertySpec{
		{Name: "pollInterval", Type: command.TypeInt, Default: float64(30)},
		{Name: "unit", Type: command.TypeString, Default: "celsius"},
	}
}

func (Plugin) Commands() []command.Spec {
	return []command.Spec{
		{Target: pluginName, Name: "reading"},
	}
}

func (Plugin) NewTasks(_ *config.Settings, f *config.Feature) ([]plugin.Task, error) {
	interval := time.Duration(f.Int("pollInterval", 30)) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return []plugin.Task{&Task{
		featureID: f.ID,
		unit:      f.String("unit", "celsius"),
		interval:  interval,
	}}, nil
}

// Task polls a simulated reading on its own ticker. A real driver
// would read a device instead of rand.Float64.
type Task struct {
	featureID string
	unit      string
	interval  time.Duration

	mu      sync.Mutex
	last    float64
	samples int64

	stop chan struct{}
	wg   sync.WaitGroup
}

func (t *Task) Name() string { return t.featureID }

func (t *Task) Start() error {
	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.run()
	return nil
}

func (t *Task) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.last = 15 + rand.Float64()*10
			t.samples++
			t.mu.Unlock()
		}
	}
}

func (t *Task) Stop() error {
	if t.stop != nil {
		close(t.stop)
	}
	t.wg.Wait()
	return nil
}

func (t *Task) Metrics() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{"last_reading": t.last, "unit": t.unit, "samples": t.samples}
}

func (t *Task) Handler(name string) (command.RunFunc, bool) {
	if name != "reading" {
		return nil, false
	}
	return t.reading, true
}

func (t *Task) reading(_ context.Context, _ map[string]command.Value, resp *command.Response) error {
	t.mu.Lock()
	last, unit := t.last, t.unit
	t.mu.Unlock()
	resp.Parameters["value"] = command.Float(last)
	resp.Parameters["unit"] = command.String(unit)
	return nil
}
