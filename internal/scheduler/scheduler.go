package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/rules"
)

// DispatchFunc hands a fired rule's Action to the command dispatcher
// (feature.Manager, via the agent's wiring). Errors are logged, not
// propagated — spec.md §7: a single rule firing must not stop the tick.
type DispatchFunc func(ctx context.Context, action rules.Action) error

// Crontab is the on-disk shape of crontab.json (spec.md §6): a list of
// cron schedule lines plus named, reusable command Executions they (and
// the "schedule <command>" request) may reference.
type Crontab struct {
	Schedules []string                     `json:"schedules"`
	Commands  map[string]command.Execution `json:"commands"`
}

// Scheduler drives the three rule engines of spec.md §4.E/§4.F on a
// one-second-aligned tick: the persistent periodic (cron) engine and the
// ephemeral until-true/until-false engines populated by alert processing.
type Scheduler struct {
	knowledge *knowledge.Store
	dispatch  DispatchFunc
	bus       *events.Bus
	logger    *slog.Logger

	Periodic   *rules.Engine
	UntilTrue  *rules.Engine
	UntilFalse *rules.Engine

	mu         sync.RWMutex
	expressions map[string]string // rule id -> normalized expression, for "schedule debug"
	commands    map[string]command.Execution

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler sharing know across all three engines.
// dispatch and bus may be nil (dispatch becomes a no-op, bus publishes
// are skipped).
func New(know *knowledge.Store, dispatch DispatchFunc, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatch == nil {
		dispatch = func(context.Context, rules.Action) error { return nil }
	}
	return &Scheduler{
		knowledge:   know,
		dispatch:    dispatch,
		bus:         bus,
		logger:      logger,
		Periodic:    rules.NewEngine(rules.Periodic, know),
		UntilTrue:   rules.NewEngine(rules.UntilTrue, know),
		UntilFalse:  rules.NewEngine(rules.UntilFalse, know),
		expressions: make(map[string]string),
		commands:    make(map[string]command.Execution),
	}
}

// LoadCrontab reads path and calls ReloadCrontab with its contents.
func (s *Scheduler) LoadCrontab(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read crontab: %w", err)
	}
	var ct Crontab
	if err := json.Unmarshal(data, &ct); err != nil {
		return fmt.Errorf("parse crontab: %w", err)
	}
	return s.ReloadCrontab(ct)
}

// ReloadCrontab clears and rebuilds the periodic engine's rules from ct,
// per spec.md §3: "Rules (from cron config): cleared and rebuilt on
// schedule reload." Lines with unknown day names (or other parse errors)
// are logged and skipped; the rest of the schedule still loads.
func (s *Scheduler) ReloadCrontab(ct Crontab) error {
	s.Periodic.Clear()

	s.mu.Lock()
	s.expressions = make(map[string]string)
	s.commands = make(map[string]command.Execution)
	for name, exec := range ct.Commands {
		s.commands[name] = exec
	}
	s.mu.Unlock()

	for i, line := range ct.Schedules {
		if err := s.addCronLine(i, line, ct.Commands); err != nil {
			s.logger.Error("failed to parse cron line", "line", line, "error", err)
			continue
		}
	}
	return nil
}

func (s *Scheduler) addCronLine(index int, line string, commands map[string]command.Execution) error {
	cl, err := ParseCronLine(line)
	if err != nil {
		return err
	}

	id := fmt.Sprintf("cron-%d-%s", index, cl.Command)
	actions := []rules.Action{}
	if exec, ok := commands[cl.Command]; ok {
		actions = append(actions, rules.Action{Target: exec.Target, Command: exec.Command, Parameters: exec.Parameters})
	} else {
		// The cron line's trailing token names a command with no parameters.
		actions = append(actions, rules.Action{Target: "RIO", Command: cl.Command, Parameters: map[string]any{}})
	}

	expr := cl.Expression()
	rule, err := rules.NewRule(id, expr, actions, cl.TimeTrigger())
	if err != nil {
		return fmt.Errorf("compile expression %q: %w", expr, err)
	}
	s.Periodic.Add(rule)

	s.mu.Lock()
	s.expressions[id] = expr
	s.mu.Unlock()
	return nil
}

// AddSystemRule appends a single Rule to the periodic engine, used for
// the optional reserved "setPage" system rule (spec.md §4.E), added only
// when the caller has probed Feature capability (Open Question 2).
func (s *Scheduler) AddSystemRule(r *rules.Rule) {
	s.Periodic.Add(r)
}

// AddUntilTrue registers an ephemeral rule removed on its first true
// evaluation (spec.md §3's until-true engine), populated by alert
// processing.
func (s *Scheduler) AddUntilTrue(r *rules.Rule) { s.UntilTrue.Add(r) }

// AddUntilFalse registers an ephemeral rule removed on its first false
// evaluation.
func (s *Scheduler) AddUntilFalse(r *rules.Rule) { s.UntilFalse.Add(r) }

// Debug returns every periodic rule's id and normalized expression, for
// the "schedule debug" request (spec.md §4.H).
func (s *Scheduler) Debug() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.expressions))
	for k, v := range s.expressions {
		out[k] = v
	}
	return out
}

// RunCommand executes a named crontab command immediately, for the
// "schedule <command>" request sub-command (spec.md §4.H).
func (s *Scheduler) RunCommand(ctx context.Context, name string) error {
	s.mu.RLock()
	exec, ok := s.commands[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown scheduled command %q", name)
	}
	return s.dispatch(ctx, rules.Action{Target: exec.Target, Command: exec.Command, Parameters: exec.Parameters})
}

// Update writes alert-provided (or other external) variables into the
// shared Knowledge store so the periodic engine's cron rules see them too
// (spec.md §4.F: "update(alert) passes the alert's info entries to the
// periodic engine's update").
func (s *Scheduler) Update(source string, kvs map[string]any) {
	s.knowledge.Set(source, kvs)
}

// Start aligns to the next whole second and ticks all three engines once
// per second until the context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	now := time.Now()
	firstTick := now.Truncate(time.Second).Add(time.Second)
	timer := time.NewTimer(firstTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-timer.C:
			s.tick(ctx, t)
			next := t.Truncate(time.Second).Add(time.Second)
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, eng := range []*rules.Engine{s.Periodic, s.UntilTrue, s.UntilFalse} {
		for _, fired := range eng.Tick(now) {
			for _, action := range fired.Actions {
				if err := s.dispatch(ctx, action); err != nil {
					s.logger.Error("rule action dispatch failed", "rule", fired.RuleID, "error", err)
				}
			}
			s.publish(events.KindRuleFired, fired.RuleID)
		}
	}
}

func (s *Scheduler) publish(kind, ruleID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceScheduler,
		Kind:      kind,
		Data:      map[string]any{"rule_id": ruleID},
	})
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
