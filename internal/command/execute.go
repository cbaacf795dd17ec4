package command

import (
	"context"
	"fmt"
	"time"

	"github.com/fennel-labs/rioagent/internal/events"
)

// Spec declares one command: its target (a plugin type or the reserved
// "RIO" system target), its name, and its parameter grammar.
type Spec struct {
	Target string
	Name   string
	Params []ParamSpec
}

// Response is the mutable record a command's handler writes results into.
// Execute reflects the parsed invocation into Response.Parameters["command"]
// before calling the handler, per spec.md §4.C step 2.
type Response struct {
	Parameters map[string]Value
}

func NewResponse() *Response {
	return &Response{Parameters: make(map[string]Value)}
}

// RunFunc is a plugin-defined command handler. args holds one Value per
// declared parameter (a "*" parameter yields a sub-record of unrecognised
// names). Any returned error becomes the completion notification's error
// field.
type RunFunc func(ctx context.Context, args map[string]Value, resp *Response) error

// delayParamName is the reserved parameter name used to request delayed
// dispatch, per spec.md §4.C step 3.
const delayParamName = "delay"

// Execute parses raw against spec's declared parameters, reflects the
// invocation into resp, and either runs synchronously or — when raw
// contains an integer "delay" > 0 — schedules run after that many
// milliseconds and returns immediately with a scheduled-acknowledgement
// written into resp. notify may be nil (no completion event published).
func Execute(ctx context.Context, spec Spec, raw map[string]any, resp *Response, run RunFunc, notify *events.Bus) error {
	args, err := Parse(spec.Params, raw)
	if err != nil {
		return err
	}

	reflectInvocation(spec, args, resp)

	delayMS := int64(0)
	if v, ok := raw[delayParamName]; ok {
		delayMS = FromAny(v).AsInt()
	}

	if delayMS <= 0 {
		err := run(ctx, args, resp)
		resp.Parameters["execution"] = String(fmt.Sprintf("%s.%s executed", spec.Target, spec.Name))
		return err
	}

	resp.Parameters["execution"] = String(fmt.Sprintf("%s.%s scheduled", spec.Target, spec.Name))

	time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		delayedResp := NewResponse()
		runErr := run(ctx, args, delayedResp)

		errMsg := "none"
		if runErr != nil {
			errMsg = runErr.Error()
		}

		notify.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceCommand,
			Kind:      events.KindCommandCompleted,
			Data: map[string]any{
				"target":    spec.Target,
				"command":   spec.Name,
				"ok":        runErr == nil,
				"execution": fmt.Sprintf("%s.%s executed", spec.Target, spec.Name),
				"error":     errMsg,
			},
		})
	})

	return nil
}

// reflectInvocation writes {target, action, plus parsed args} into
// resp.Parameters["command"].
func reflectInvocation(spec Spec, args map[string]Value, resp *Response) {
	fields := make(map[string]Value, len(args)+2)
	fields["target"] = String(spec.Target)
	fields["action"] = String(spec.Name)
	for k, v := range args {
		fields[k] = v
	}
	resp.Parameters["command"] = Map(fields)
}
