// Package notifier implements a generic outbound-notification Feature
// plugin: a stand-in for the concrete mail/SMS/Slack/Teams senders
// spec.md §1 places out of scope. It declares a single "notify"
// command and records the last N sent messages for introspection via
// "status".
package notifier

import (
	"context"
	"sync"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/plugin"
)

const pluginName = "notifier"

func init() {
	plugin.Register(&Plugin{})
}

// Plugin is the static descriptor for the notifier Feature type.
type Plugin struct{}

func (Plugin) Name() string    { return pluginName }
func (Plugin) Version() string { return "1.0.0" }

func (Plugin) Properties() []plugin.PropertySpec {
	return []plugin.PropertySpec{
		{Name: "recipient", Type: command.TypeString, Default: ""},
	}
}

func (Plugin) Commands() []command.Spec {
	return []command.Spec{
		{Target: pluginName, Name: "notify", Params: []command.ParamSpec{
			{Name: "message", Type: command.TypeString, Required: true},
		}},
	}
}

func (Plugin) NewTasks(_ *config.Settings, f *config.Feature) ([]plugin.Task, error) {
	return []plugin.Task{&Task{
		featureID: f.ID,
		recipient: f.String("recipient", ""),
	}}, nil
}

const historyLimit = 20

// Task records notify() invocations. The actual delivery transport
// (mail/SMS/Slack/Teams) is out of scope per spec.md §1 — this plugin
// exercises the command/dispatch path, not a real sender.
type Task struct {
	featureID string
	recipient string

	mu      sync.Mutex
	history []string
}

func (t *Task) Name() string { return t.featureID }
func (t *Task) Start() error { return nil }
func (t *Task) Stop() error  { return nil }

func (t *Task) Metrics() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{"recipient": t.recipient, "sent": len(t.history)}
}

func (t *Task) Handler(name string) (command.RunFunc, bool) {
	if name != "notify" {
		return nil, false
	}
	return t.notify, true
}

func (t *Task) notify(_ context.Context, args map[string]command.Value, resp *command.Response) error {
	message := args["message"].AsString()

	t.mu.Lock()
	t.history = append(t.history, message)
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
	t.mu.Unlock()

	resp.Parameters["delivered_to"] = command.String(t.recipient)
	return nil
}
