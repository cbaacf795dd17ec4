package router

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/rules"
)

// RulesetFile is the on-disk shape of Ruleset.json (spec.md §6):
// {Devices, Translations, Actions, Ruleset}. Actions maps a preset name
// to a list of reusable Execution literals; RuleEntry.Actions names one
// such preset. Grounded on scheduler.Crontab's named-Execution-table
// idiom, extended with the translations/preset layer the persisted
// ruleset additionally carries.
type RulesetFile struct {
	Devices      []string                     `json:"Devices"`
	Translations map[string]string            `json:"Translations"`
	Actions      map[string][]command.Execution `json:"Actions"`
	Ruleset      []RuleEntry                  `json:"Ruleset"`
}

// RuleEntry is one persisted rule literal: a boolean expression, a
// duration string timeTrigger, and the name of an Actions preset.
type RuleEntry struct {
	ID          string `json:"Id"`
	Expression  string `json:"Expression"`
	TimeTrigger string `json:"TimeTrigger"`
	Actions     string `json:"Actions"`
}

// rulesetStore holds the router's cached, mutex-guarded copy of the
// ruleset last saved through "ruleset set" (empty until then), from which
// "exec" on the rule-engine target reads its Actions presets. "ruleset
// get" reads the file on disk instead.
type rulesetStore struct {
	mu   sync.RWMutex
	path string
	file RulesetFile
}

func newRulesetStore(path string) *rulesetStore {
	return &rulesetStore{path: path}
}

func (s *rulesetStore) get() RulesetFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

func (s *rulesetStore) load() (RulesetFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RulesetFile{}, nil
		}
		return RulesetFile{}, fmt.Errorf("read ruleset: %w", err)
	}
	var rf RulesetFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return RulesetFile{}, fmt.Errorf("parse ruleset: %w", err)
	}
	return rf, nil
}

func (s *rulesetStore) save(rf RulesetFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ruleset: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write ruleset: %w", err)
	}
	s.mu.Lock()
	s.file = rf
	s.mu.Unlock()
	return nil
}

// toStringSlice coerces a decoded JSON value (typically []any of
// strings) into a []string, for the "ruleset set" request's Devices
// list.
func toStringSlice(v any) ([]string, bool) {
	l, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out, true
}

// toStringMap coerces a decoded JSON object into map[string]string, for
// the "ruleset set" request's Translations table.
func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// toActionsMap coerces a decoded JSON object {preset: [Execution, ...]}
// into the Actions table.
func toActionsMap(v any) map[string][]command.Execution {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]command.Execution, len(m))
	for preset, raw := range m {
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		execs := make([]command.Execution, 0, len(list))
		for _, e := range list {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			exec := command.Execution{
				Target:  fmt.Sprintf("%v", em["target"]),
				Command: fmt.Sprintf("%v", em["command"]),
			}
			if params, ok := em["parameters"].(map[string]any); ok {
				exec.Parameters = params
			}
			execs = append(execs, exec)
		}
		out[preset] = execs
	}
	return out
}

// toRuleEntries coerces a decoded JSON array of rule literals into
// RuleEntry values.
func toRuleEntries(raw []any) []RuleEntry {
	out := make([]RuleEntry, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, RuleEntry{
			ID:          fmt.Sprintf("%v", m["id"]),
			Expression:  fmt.Sprintf("%v", m["expression"]),
			TimeTrigger: fmt.Sprintf("%v", m["timeTrigger"]),
			Actions:     fmt.Sprintf("%v", m["actions"]),
		})
	}
	return out
}

// compileRules converts a RulesetFile's entries into Rules, resolving
// each entry's Actions preset name against the file's Actions table.
// Entries whose expression or duration fail to parse are skipped and
// reported via errs, matching the crontab loader's "logged, continued"
// policy (spec.md §4.F).
func compileRules(rf RulesetFile) ([]*rules.Rule, []error) {
	out := make([]*rules.Rule, 0, len(rf.Ruleset))
	var errs []error

	for _, entry := range rf.Ruleset {
		timeTrigger, err := time.ParseDuration(entry.TimeTrigger)
		if err != nil && entry.TimeTrigger != "" {
			errs = append(errs, fmt.Errorf("rule %q: bad timeTrigger %q: %w", entry.ID, entry.TimeTrigger, err))
			continue
		}

		execs := rf.Actions[entry.Actions]
		actions := make([]rules.Action, 0, len(execs))
		for _, e := range execs {
			actions = append(actions, rules.Action{Target: e.Target, Command: e.Command, Parameters: e.Parameters})
		}

		rule, err := rules.NewRule(entry.ID, entry.Expression, actions, timeTrigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", entry.ID, err))
			continue
		}
		out = append(out, rule)
	}
	return out, errs
}
