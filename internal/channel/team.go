package channel

import (
	"fmt"
	"math"
)

// TeamPolicy selects how a Team channel fans a send out to its
// members (spec.md §4.B).
type TeamPolicy struct {
	// Any: attempted sequentially in declaration order; returns OK on
	// first success and short-circuits the remaining channels.
	Any bool
	// Quorum is used when Any is false: the team succeeds iff
	// successes/N >= Quorum, Quorum in (0,1].
	Quorum float64
}

// AnyPolicy returns the "first success wins" team policy.
func AnyPolicy() TeamPolicy { return TeamPolicy{Any: true} }

// AllPolicy returns the "attempt every channel, succeed at quorum q"
// team policy.
func AllPolicy(q float64) TeamPolicy { return TeamPolicy{Any: false, Quorum: q} }

// Team fans a send out to N member channels under one policy (spec.md
// §4.B). Result downgrading rule: Failed dominates NoConnection; a
// member producing Failed sets the team's lastError.
type Team struct {
	*counters
	members []Channel
	policy  TeamPolicy
}

// NewTeam constructs a team channel over members under policy. At
// least one member is required.
func NewTeam(members []Channel, policy TeamPolicy) (*Team, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("team channel: at least one member channel required")
	}
	return &Team{counters: newCounters(), members: members, policy: policy}, nil
}

// Send fans payload to every member per the team's policy.
func (t *Team) Send(payload []byte) Result {
	if t.policy.Any {
		return t.sendAny(payload)
	}
	return t.sendQuorum(payload)
}

func (t *Team) sendAny(payload []byte) Result {
	worst := NoConnection
	for _, m := range t.members {
		res := m.Send(payload)
		if res == OK {
			t.recordSend(true, len(payload), "")
			return OK
		}
		worst = downgrade(worst, res)
	}
	t.recordSend(false, 0, worst.String())
	return worst
}

func (t *Team) sendQuorum(payload []byte) Result {
	successes := 0
	worst := NoConnection
	var lastErr string
	for _, m := range t.members {
		res := m.Send(payload)
		if res == OK {
			successes++
			continue
		}
		if res == Failed {
			lastErr = "member send failed"
		}
		worst = downgrade(worst, res)
	}

	n := len(t.members)
	needed := int(math.Ceil(t.policy.Quorum * float64(n)))
	if successes >= needed {
		t.recordSend(true, len(payload), "")
		return OK
	}
	t.recordSend(false, 0, lastErr)
	return worst
}

// downgrade implements the team's result-dominance rule: Failed
// dominates NoConnection.
func downgrade(a, b Result) Result {
	if a == Failed || b == Failed {
		return Failed
	}
	return NoConnection
}

// SetReceiveFunc registers fn on every member channel.
func (t *Team) SetReceiveFunc(fn ReceiveFunc) {
	for _, m := range t.members {
		m.SetReceiveFunc(fn)
	}
}

func (t *Team) Metrics() Metrics { return t.snapshot() }

// Close closes every member channel, returning the first error
// encountered (if any) after attempting to close them all.
func (t *Team) Close() error {
	var first error
	for _, m := range t.members {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
