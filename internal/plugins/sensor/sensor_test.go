package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/fennel-labs/rioagent/internal/command"
	"github.com/fennel-labs/rioagent/internal/config"
)

func TestTask_StartProducesReadings(t *testing.T) {
	p := Plugin{}
	f := &config.Feature{ID: "sensor", Properties: map[string]any{"pollInterval": float64(1)}}
	tasks, err := p.NewTasks(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0].(*Task)
	task.interval = 10 * time.Millisecond

	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := task.Stop(); err != nil {
		t.Fatal(err)
	}

	metrics := task.Metrics()
	if metrics["samples"].(int64) == 0 {
		t.Error("expected at least one sample after running")
	}
}

func TestTask_ReadingHandler(t *testing.T) {
	task := &Task{featureID: "sensor", unit: "celsius", last: 21.5}
	run, ok := task.Handler("reading")
	if !ok {
		t.Fatal("expected reading handler")
	}
	resp := command.NewResponse()
	if err := run(context.Background(), nil, resp); err != nil {
		t.Fatal(err)
	}
	if resp.Parameters["value"].AsFloat() != 21.5 {
		t.Errorf("value = %v, want 21.5", resp.Parameters["value"].AsFloat())
	}
}
