package rules

import (
	"time"

	"github.com/fennel-labs/rioagent/internal/knowledge"
)

// Condition is the three-valued result of evaluating a Rule, per
// spec.md §3: "evaluation returns true|false|suspended; suspended when
// now < lastFired + timeTrigger".
type Condition int

const (
	ConditionFalse Condition = iota
	ConditionTrue
	ConditionSuspended
)

// Action is one Execution a Rule fires when its condition becomes true.
// It is cloned (see Clone) and merged with the triggering alert/event's
// current parameters before dispatch, per spec.md §4.E.
type Action struct {
	Target     string
	Command    string
	Parameters map[string]any
}

// Clone returns a copy of a with its own Parameters map, so per-fire
// changes to top-level parameters leave a untouched. Nested maps and
// slices inside Parameters are shared with a, not copied.
func (a Action) Clone() Action {
	params := make(map[string]any, len(a.Parameters))
	for k, v := range a.Parameters {
		params[k] = v
	}
	return Action{Target: a.Target, Command: a.Command, Parameters: params}
}

// Rule is a compiled boolean expression over Knowledge plus a sequence of
// Actions to fire when it becomes true.
type Rule struct {
	ID          string
	expr        *Expr
	Actions     []Action
	TimeTrigger time.Duration
	LastFired   time.Time
}

// NewRule compiles expression and returns a Rule ready for evaluation.
func NewRule(id, expression string, actions []Action, timeTrigger time.Duration) (*Rule, error) {
	expr, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	return &Rule{ID: id, expr: expr, Actions: actions, TimeTrigger: timeTrigger}, nil
}

// Evaluate implements spec.md §4.E's condition(knowledge) contract: if
// now < LastFired+TimeTrigger, suspended; otherwise compile against a
// snapshot including knowledge, utc, and local, and evaluate. A true
// result updates LastFired.
func (r *Rule) Evaluate(know *knowledge.Store, now time.Time) (Condition, error) {
	if r.TimeTrigger > 0 && now.Before(r.LastFired.Add(r.TimeTrigger)) {
		return ConditionSuspended, nil
	}

	vars := know.Snapshot(r.TimeTrigger)
	vars["utc"] = timeInstantFrom(now.UTC())
	vars["local"] = timeInstantFrom(now.Local())

	result, err := r.expr.Eval(vars)
	if err != nil {
		return ConditionFalse, err
	}
	if result {
		r.LastFired = now
		return ConditionTrue, nil
	}
	return ConditionFalse, nil
}

func timeInstantFrom(t time.Time) timeInstant {
	return timeInstant{
		second:    t.Second(),
		minute:    t.Minute(),
		hour:      t.Hour(),
		dayofweek: int(t.Weekday()),
		day:       t.Day(),
		month:     int(t.Month()),
	}
}
