package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fennel-labs/rioagent/internal/buildinfo"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/connwatch"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/feature"
	"github.com/fennel-labs/rioagent/internal/httpkit"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/scheduler"
)

// Router dispatches typed Messages to the Module Manager, Scheduler,
// Knowledge store, and the persisted ruleset, per spec.md §4.H. It is
// the regrounded replacement for the teacher's LLM-channel
// internal/router.Router: same "typed dispatch table keyed by
// Message.Type" shape, a closed management vocabulary instead of an
// LLM-routing one.
type Router struct {
	settings  *config.Settings
	manager   *feature.Manager
	scheduler *scheduler.Scheduler
	knowledge *knowledge.Store
	bus       *events.Bus
	watchers  *connwatch.Manager
	logger    *slog.Logger

	ruleset     *rulesetStore
	crontabPath string
	mediaDir    string
	httpClient  *http.Client
}

// Config bundles the collaborators a Router dispatches into.
type Config struct {
	Settings    *config.Settings
	Manager     *feature.Manager
	Scheduler   *scheduler.Scheduler
	Knowledge   *knowledge.Store
	Bus         *events.Bus
	Watchers    *connwatch.Manager
	Logger      *slog.Logger
	RulesetPath string
	CrontabPath string
	MediaDir    string
	HTTPClient  *http.Client
}

// New constructs a Router. HTTPClient defaults to httpkit.NewClient if
// nil.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient()
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "."
	}
	return &Router{
		settings:    cfg.Settings,
		manager:     cfg.Manager,
		scheduler:   cfg.Scheduler,
		knowledge:   cfg.Knowledge,
		bus:         cfg.Bus,
		watchers:    cfg.Watchers,
		logger:      cfg.Logger,
		ruleset:     newRulesetStore(cfg.RulesetPath),
		crontabPath: cfg.CrontabPath,
		mediaDir:    cfg.MediaDir,
		httpClient:  cfg.HTTPClient,
	}
}

// localID returns the agent's own device id.
func (r *Router) localID() string {
	if r.settings == nil {
		return ""
	}
	return r.settings.DeviceID()
}

// Dispatch routes msg by Type and returns the response Message. A
// message whose Source equals the local id is a no-op echo, per
// spec.md §4.H. Every non-echo response carries Source=localId and
// IsValid=true.
func (r *Router) Dispatch(ctx context.Context, msg Message) Message {
	if msg.Source != "" && msg.Source == r.localID() {
		return Message{Type: msg.Type, Source: r.localID(), ID: msg.ID, Parameters: msg.Parameters, IsValid: true}
	}

	resp := Message{Type: msg.Type, Source: r.localID(), ID: msg.ID, IsValid: true, Parameters: map[string]any{}}

	var err error
	switch msg.Type {
	case "status":
		resp.Parameters = r.manager.Status()
		resp.Parameters["build"] = buildinfo.Summary()
		if r.watchers != nil {
			resp.Parameters["transports"] = r.watchers.ChannelMetrics()
		}
	case "update":
		resp.Parameters, err = r.handleUpdate(ctx, msg.Parameters)
	case "schedule":
		resp.Parameters, err = r.handleSchedule(ctx, msg.Parameters)
	case "config":
		resp.Parameters, err = r.handleConfig(msg.Parameters)
	case "enable":
		err = r.forEachTarget(msg.Parameters, r.manager.Enable)
	case "disable":
		err = r.forEachTarget(msg.Parameters, r.manager.Disable)
	case "start":
		err = r.forEachTarget(msg.Parameters, r.manager.StartFeature)
	case "stop":
		err = r.forEachTarget(msg.Parameters, r.manager.StopFeature)
	case "list":
		resp.Parameters = r.handleList(msg.Parameters)
	case "help":
		resp.Parameters, err = r.handleHelp(msg.Parameters)
	case "exec":
		resp.Parameters, err = r.handleExec(ctx, msg.Parameters)
	case "shutdown":
		force := boolParam(msg.Parameters, "force")
		done := r.manager.Shutdown(force)
		resp.Parameters["done"] = done
		if done {
			resp.Parameters["Status"] = "Confirmed"
		} else {
			resp.Parameters["Status"] = "Requested"
		}
		if done && r.bus != nil {
			r.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceManager,
				Kind:      events.KindShutdownConfirmed,
				Data:      map[string]any{"forced": force},
			})
		}
	case "ruleset":
		resp.Parameters, err = r.handleRuleset(msg.Parameters)
	case "name":
		err = r.handleName(msg.Parameters)
	default:
		err = fmt.Errorf("unrecognised message type %q", msg.Type)
	}

	if err != nil {
		resp.Parameters["error"] = err.Error()
	}
	r.publish(msg.Type, err == nil)
	return resp
}

// forEachTarget applies fn to every id named by the request's "target"
// parameter, which spec.md §4.D allows to be a single string or an
// array of strings. The first error encountered is returned; fn still
// runs against every remaining target.
func (r *Router) forEachTarget(params map[string]any, fn func(string) error) error {
	ids := targets(params)
	if len(ids) == 0 {
		return fmt.Errorf("missing target")
	}
	var first error
	for _, id := range ids {
		if err := fn(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Router) publish(msgType string, ok bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCommand,
		Kind:      events.KindCommandDispatched,
		Data:      map[string]any{"message_type": msgType, "ok": ok},
	})
}

// handleUpdate runs per-entry media actions: ADD downloads a URL to a
// filename under mediaDir; DELETE removes it. Each entry reports
// CONFIRM or ERROR (spec.md §4.H).
func (r *Router) handleUpdate(ctx context.Context, params map[string]any) (map[string]any, error) {
	results := make([]map[string]any, 0)
	for _, raw := range anyList(params["entries"]) {
		entry := stringMap(raw)
		action := strings.ToUpper(str(entry, "action"))
		filename := str(entry, "filename")
		status := "CONFIRM"
		errMsg := ""

		switch action {
		case "ADD":
			if err := r.downloadMedia(ctx, str(entry, "url"), filename); err != nil {
				status, errMsg = "ERROR", err.Error()
			}
		case "DELETE":
			if err := os.Remove(filepath.Join(r.mediaDir, filename)); err != nil && !os.IsNotExist(err) {
				status, errMsg = "ERROR", err.Error()
			}
		default:
			status, errMsg = "ERROR", fmt.Sprintf("unknown update action %q", action)
		}

		result := map[string]any{"filename": filename, "action": action, "status": status}
		if errMsg != "" {
			result["error"] = errMsg
		}
		results = append(results, result)
	}
	return map[string]any{"results": results}, nil
}

func (r *Router) downloadMedia(ctx context.Context, url, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(filepath.Join(r.mediaDir, filename))
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// handleSchedule implements the "schedule" sub-commands: get/set
// (Knowledge variable read/write), reload (re-read crontab.json),
// debug (list periodic rule expressions), or run a named crontab
// command (spec.md §4.H).
func (r *Router) handleSchedule(ctx context.Context, params map[string]any) (map[string]any, error) {
	switch str(params, "action") {
	case "get":
		name := str(params, "name")
		v, ok := r.knowledge.Get(name)
		return map[string]any{"name": name, "value": v, "found": ok}, nil
	case "set":
		name := str(params, "name")
		r.knowledge.SetVar(name, params["value"])
		return map[string]any{"name": name}, nil
	case "reload":
		if err := r.scheduler.LoadCrontab(r.crontabPath); err != nil {
			return nil, err
		}
		return map[string]any{"reloaded": true}, nil
	case "debug":
		return map[string]any{"expressions": r.scheduler.Debug()}, nil
	case "":
		return nil, fmt.Errorf("schedule: missing action")
	default:
		name := str(params, "action")
		if err := r.scheduler.RunCommand(ctx, name); err != nil {
			return nil, err
		}
		return map[string]any{"ran": name}, nil
	}
}

// handleConfig returns or mutates a Feature's properties; when the
// target resolves to the agent itself, top-level Settings fields named
// in properties are mutated too (spec.md §4.H).
func (r *Router) handleConfig(params map[string]any) (map[string]any, error) {
	target := str(params, "target")
	props := stringMap(params["properties"])

	if target == "" || target == r.localID() || strings.EqualFold(target, feature.ReservedTarget) {
		return r.configureSelf(props)
	}

	if len(props) == 0 {
		f := r.findFeatureForRead(target)
		if f == nil {
			return nil, fmt.Errorf("unknown feature %q", target)
		}
		return map[string]any{"target": target, "properties": f.Properties}, nil
	}

	changed, err := r.manager.Configure(target, props)
	if err != nil {
		return nil, err
	}
	return map[string]any{"target": target, "changed": changed}, nil
}

func (r *Router) findFeatureForRead(target string) *config.Feature {
	for _, f := range r.manager.ListFeatures() {
		if f.ID == target || f.Type == target {
			return f
		}
	}
	return nil
}

func (r *Router) configureSelf(props map[string]any) (map[string]any, error) {
	if len(props) == 0 {
		return map[string]any{
			"id":            r.settings.DeviceID(),
			"admin_enabled": r.settings.AdminEnable,
			"proxy":         r.settings.Proxy,
		}, nil
	}

	var changed []string
	if v, ok := props["proxy"].(string); ok {
		if err := r.settings.SetProxy(v); err != nil {
			return nil, err
		}
		changed = append(changed, "proxy")
	}
	if v, ok := props["id"].(string); ok && v != "" {
		if err := r.settings.SetDeviceID(v); err != nil {
			return nil, err
		}
		changed = append(changed, "id")
	}
	return map[string]any{"target": r.localID(), "changed": changed}, nil
}

// handleList enumerates features, tasks, and drivers (spec.md §4.H).
// "what" selects a subset; absent/empty returns all three.
func (r *Router) handleList(params map[string]any) map[string]any {
	what := str(params, "what")
	out := map[string]any{}

	if what == "" || what == "features" {
		out["features"] = r.manager.ListFeatures()
	}
	if what == "" || what == "tasks" {
		out["tasks"] = r.manager.ListTasks()
	}
	if what == "" || what == "drivers" {
		drivers := make([]map[string]string, 0)
		for _, p := range r.manager.ListDrivers() {
			drivers = append(drivers, map[string]string{"name": p.Name(), "version": p.Version()})
		}
		out["drivers"] = drivers
	}
	return out
}

// handleHelp returns a target's declared commands, or a specific
// action's parameter list (spec.md §4.H).
func (r *Router) handleHelp(params map[string]any) (map[string]any, error) {
	target := str(params, "target")
	action := str(params, "action")

	if action != "" {
		spec, ok := r.manager.FindCommand(target, action)
		if !ok {
			return nil, fmt.Errorf("unknown command %s.%s", target, action)
		}
		return map[string]any{"target": target, "action": action, "parameters": spec.Params}, nil
	}

	for _, p := range r.manager.ListDrivers() {
		if p.Name() == target {
			return map[string]any{"target": target, "commands": p.Commands()}, nil
		}
	}
	return nil, fmt.Errorf("unknown target %q", target)
}

// handleExec runs action on matching tasks, or on the scheduler (a
// named crontab command), or on the rule engine (an Actions preset),
// per spec.md §4.H.
func (r *Router) handleExec(ctx context.Context, params map[string]any) (map[string]any, error) {
	target := str(params, "target")
	action := str(params, "action")

	switch target {
	case "scheduler":
		if err := r.scheduler.RunCommand(ctx, action); err != nil {
			return nil, err
		}
		return map[string]any{"ran": action}, nil
	case "rule-engine":
		execs := r.ruleset.get().Actions[action]
		if len(execs) == 0 {
			return nil, fmt.Errorf("unknown action preset %q", action)
		}
		for _, e := range execs {
			if _, err := r.manager.Dispatch(ctx, e.Target, e.Command, e.Parameters); err != nil {
				return nil, err
			}
		}
		return map[string]any{"ran": action, "count": len(execs)}, nil
	default:
		resp, err := r.manager.Dispatch(ctx, target, action, stringMap(params["parameters"]))
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(resp.Parameters))
		for k, v := range resp.Parameters {
			out[k] = v
		}
		return out, nil
	}
}

// handleRuleset reads or replaces the persisted rule set, translations
// table, and action presets, reloading the periodic engine on replace
// (spec.md §4.H).
func (r *Router) handleRuleset(params map[string]any) (map[string]any, error) {
	switch str(params, "action") {
	case "", "get":
		rf, err := r.ruleset.load()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"devices":      rf.Devices,
			"translations": rf.Translations,
			"actions":      rf.Actions,
			"ruleset":      rf.Ruleset,
		}, nil
	case "set":
		entries, _ := params["ruleset"].([]any)
		var rf RulesetFile
		rf.Devices, _ = toStringSlice(params["devices"])
		rf.Translations = toStringMap(params["translations"])
		rf.Actions = toActionsMap(params["actions"])
		rf.Ruleset = toRuleEntries(entries)

		if err := r.ruleset.save(rf); err != nil {
			return nil, err
		}

		compiled, errs := compileRules(rf)
		r.scheduler.Periodic.Clear()
		for _, rule := range compiled {
			r.scheduler.Periodic.Add(rule)
		}
		for _, e := range errs {
			r.logger.Error("ruleset rule failed to compile", "error", e)
		}
		return map[string]any{"rules_loaded": len(compiled), "rules_failed": len(errs)}, nil
	default:
		return nil, fmt.Errorf("ruleset: unknown action %q", str(params, "action"))
	}
}

func (r *Router) handleName(params map[string]any) error {
	id := str(params, "id")
	if id == "" {
		return fmt.Errorf("name: missing id")
	}
	return r.settings.SetDeviceID(id)
}
