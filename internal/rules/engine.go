package rules

import (
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/knowledge"
)

// EngineKind distinguishes the three rule-processing engines of
// spec.md §4.E, which share one Knowledge store but differ in rule
// lifecycle.
type EngineKind int

const (
	// Periodic holds persistent, cron-sourced rules: fires actions on
	// true and is never removed by evaluation.
	Periodic EngineKind = iota
	// UntilTrue holds ephemeral rules added by alert processing: removed
	// on true (one-shot success).
	UntilTrue
	// UntilFalse holds ephemeral rules added by alert processing:
	// removed on false (run-while-true).
	UntilFalse
)

// Fired is one rule's emitted Actions from a single evaluation pass.
type Fired struct {
	RuleID  string
	Actions []Action
}

// Engine evaluates a set of Rules against a shared Knowledge store on
// each tick and reports which ones fired.
type Engine struct {
	kind      EngineKind
	knowledge *knowledge.Store

	mu    sync.Mutex
	rules map[string]*Rule
	order []string
}

// NewEngine constructs an empty Engine of the given kind sharing know.
func NewEngine(kind EngineKind, know *knowledge.Store) *Engine {
	return &Engine{
		kind:      kind,
		knowledge: know,
		rules:     make(map[string]*Rule),
	}
}

// Add registers a rule, replacing any existing rule with the same ID.
func (e *Engine) Add(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; !exists {
		e.order = append(e.order, r.ID)
	}
	e.rules[r.ID] = r
}

// Remove deletes a rule by ID.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Clear removes every rule, used on schedule reload for the periodic
// engine.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*Rule)
	e.order = nil
}

// Rules returns a snapshot of the engine's current rule IDs in
// registration order.
func (e *Engine) Rules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// Tick evaluates every rule independently against a Knowledge snapshot
// and returns those that fired. UntilTrue rules are removed after firing
// true; UntilFalse rules are removed after evaluating false.
func (e *Engine) Tick(now time.Time) []Fired {
	e.mu.Lock()
	ids := append([]string(nil), e.order...)
	e.mu.Unlock()

	var fired []Fired
	var toRemove []string

	for _, id := range ids {
		e.mu.Lock()
		r, ok := e.rules[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		cond, err := r.Evaluate(e.knowledge, now)
		if err != nil {
			continue
		}

		switch cond {
		case ConditionTrue:
			fired = append(fired, Fired{RuleID: r.ID, Actions: cloneActions(r.Actions)})
			if e.kind == UntilTrue {
				toRemove = append(toRemove, id)
			}
		case ConditionFalse:
			if e.kind == UntilFalse {
				toRemove = append(toRemove, id)
			}
		}
	}

	for _, id := range toRemove {
		e.Remove(id)
	}

	return fired
}

func cloneActions(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.Clone()
	}
	return out
}
