// Package display implements a Feature plugin for a local status
// display. It exists primarily to satisfy spec.md §4.E's optional
// system rule: Open Question 2 resolves system-rule membership to a
// capability probe (feature.Manager.HasCapability("display")) rather
// than a hardcoded task name, and this plugin is the one shipped
// implementation that declares that capability.
package display

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/plugin"
)

const pluginName = "display"

func init() {
	plugin.Register(&Plugin{})
}

// Plugin is the static descriptor for the display Feature type.
type Plugin struct{}

func (Plugin) Name() string    { return pluginName }
func (Plugin) Version() string { return "1.0.0" }

func (Plugin) Properties() []plugin.PropertySpec {
	return []plugin.PropertySpec{
		{Name: "page", Type: command.TypeString, Default: "home"},
		{Name: "brightness", Type: command.TypeInt, Default: float64(100)},
	}
}

// Commands declares both "display" (the capability probe's target) and
// "setPage" (what the reserved system rule's action invokes, per
// spec.md §4.E: "command = \"setPage\" AND addresses.Contains(ID)").
func (Plugin) Commands() []command.Spec {
	return []command.Spec{
		{Target: pluginName, Name: "display"},
		{Target: pluginName, Name: "setPage", Params: []command.ParamSpec{
			{Name: "page", Type: command.TypeString, Required: true},
		}},
	}
}

func (Plugin) NewTasks(_ *config.Settings, f *config.Feature) ([]plugin.Task, error) {
	return []plugin.Task{&Task{
		featureID: f.ID,
		page:      f.String("page", "home"),
	}}, nil
}

// Task renders whichever page was last set; a real implementation
// would drive an attached screen. Safe for concurrent Handler/Metrics
// calls.
type Task struct {
	featureID string

	mu      sync.Mutex
	page    string
	qr      string
	running bool
}

func (t *Task) Name() string { return t.featureID }

func (t *Task) Start() error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *Task) Stop() error {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return nil
}

func (t *Task) Metrics() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := map[string]any{"page": t.page, "running": t.running}
	if t.qr != "" {
		m["qr"] = t.qr
	}
	return m
}

func (t *Task) Handler(name string) (command.RunFunc, bool) {
	switch name {
	case "setPage":
		return t.setPage, true
	case "display":
		return t.currentPage, true
	default:
		return nil, false
	}
}

// setPage sets the page shown on the attached display. When the page
// value looks like a URL, it is additionally rendered as a QR code
// (base64 PNG) so a physical screen can show a scannable enrollment or
// status link alongside the plain text.
func (t *Task) setPage(_ context.Context, args map[string]command.Value, resp *command.Response) error {
	page := args["page"].AsString()

	var qr string
	if strings.HasPrefix(page, "http://") || strings.HasPrefix(page, "https://") {
		if png, err := qrcode.Encode(page, qrcode.Medium, 256); err == nil {
			qr = base64.StdEncoding.EncodeToString(png)
		}
	}

	t.mu.Lock()
	t.page = page
	t.qr = qr
	t.mu.Unlock()

	resp.Parameters["page"] = command.String(page)
	if qr != "" {
		resp.Parameters["qr"] = command.String(qr)
	}
	return nil
}

func (t *Task) currentPage(_ context.Context, _ map[string]command.Value, resp *command.Response) error {
	t.mu.Lock()
	page := t.page
	t.mu.Unlock()
	resp.Parameters["page"] = command.String(page)
	return nil
}
