package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/rules"
)

// TestScheduler_CronFiresOnce exercises spec.md §8 scenario S1 against the
// engine's tick path directly (bypassing the wall-clock timer) by driving
// Tick with synthetic timestamps a second apart across a full minute.
func TestScheduler_CronFiresOnce(t *testing.T) {
	know := knowledge.New()
	var mu sync.Mutex
	var fired int
	dispatch := func(ctx context.Context, a rules.Action) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}
	s := New(know, dispatch, nil, nil)

	if err := s.ReloadCrontab(Crontab{
		Schedules: []string{"0 * * * * * * doBeep"},
		Commands: map[string]command.Execution{
			"doBeep": {Target: "RIO", Command: "doBeep"},
		},
	}); err != nil {
		t.Fatalf("ReloadCrontab: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		s.tick(context.Background(), base.Add(time.Duration(i)*time.Second))
	}

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 1 {
		t.Fatalf("fired = %d, want exactly 1 within the minute", got)
	}
}

func TestScheduler_RunCommandUnknown(t *testing.T) {
	s := New(knowledge.New(), nil, nil, nil)
	if err := s.RunCommand(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown scheduled command")
	}
}

func TestScheduler_DebugListsExpressions(t *testing.T) {
	s := New(knowledge.New(), nil, nil, nil)
	if err := s.ReloadCrontab(Crontab{Schedules: []string{"0 * * * * * * doBeep"}}); err != nil {
		t.Fatalf("ReloadCrontab: %v", err)
	}
	debug := s.Debug()
	if len(debug) != 1 {
		t.Fatalf("Debug() = %v, want 1 entry", debug)
	}
}
