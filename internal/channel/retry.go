package channel

import (
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/events"
)

// BacklogPolicy selects drain order for a Retry channel's backlog.
// Resolves Open Question 1 (spec.md §9): default is LIFO
// (freshest-first), but a channel instance may be constructed with
// FIFO if a caller needs oldest-first draining.
type BacklogPolicy int

const (
	// LIFO drains the most recently failed payload first (the spec's
	// default: "freshest telemetry ships first on recovery").
	LIFO BacklogPolicy = iota
	// FIFO drains the oldest failed payload first.
	FIFO
)

// cumulateEvery is how many backlog pushes trigger a cumulatedUnsent
// notification (spec.md §4.B).
const cumulateEvery = 500

// RetryMetrics extends Metrics with the retry channel's backlog
// bookkeeping (spec.md §3).
type RetryMetrics struct {
	Metrics
	MaxBacklog  int       `json:"maxBacklog"`
	Holding     int       `json:"holding"`
	FailedLast  time.Time `json:"failedLast,omitempty"`
	FailedSince time.Time `json:"failedSince,omitempty"`
}

// CumulatedUnsentFunc is invoked every cumulateEvery pushes with a
// chronological (oldest-first) snapshot of the held backlog and the
// timestamp of the first failure in the current outage, so an upper
// layer may persist it to a retryBuffer[-<ts>].txt file (spec.md §6).
type CumulatedUnsentFunc func(snapshot [][]byte, firstFailure time.Time)

// Retry decorates another Channel with a backlog stack (spec.md
// §4.B). On the wrapped channel's OK, the backlog is drained in the
// configured policy order, re-pushing any item that still fails. On
// non-OK, the payload is pushed onto the backlog and holding/maxBacklog
// are updated.
type Retry struct {
	inner  Channel
	policy BacklogPolicy
	bus    *events.Bus
	onCum  CumulatedUnsentFunc

	mu          sync.Mutex
	backlog     [][]byte
	maxBacklog  int
	failedLast  time.Time
	failedSince time.Time
	pushes      int
}

// NewRetry wraps inner with retry/backlog semantics. bus may be nil
// (no KindBacklogGrowing events published); onCum may be nil (no
// persistence callback).
func NewRetry(inner Channel, policy BacklogPolicy, bus *events.Bus, onCum CumulatedUnsentFunc) *Retry {
	return &Retry{inner: inner, policy: policy, bus: bus, onCum: onCum}
}

// Send attempts the wrapped channel. On OK it drains the backlog; on
// non-OK it pushes payload onto the backlog.
func (r *Retry) Send(payload []byte) Result {
	res := r.inner.Send(payload)
	if res == OK {
		r.drain()
		return OK
	}

	r.push(payload, res)
	return res
}

func (r *Retry) push(payload []byte, res Result) {
	r.mu.Lock()
	now := time.Now()
	r.backlog = append(r.backlog, payload)
	if len(r.backlog) > r.maxBacklog {
		r.maxBacklog = len(r.backlog)
	}
	r.failedLast = now
	if r.failedSince.IsZero() {
		r.failedSince = now
	}
	r.pushes++
	cumulate := r.pushes%cumulateEvery == 0
	var snapshot [][]byte
	firstFailure := r.failedSince
	if cumulate {
		snapshot = r.chronologicalSnapshotLocked()
	}
	holding := len(r.backlog)
	r.mu.Unlock()

	r.publishBacklogGrowing(holding, res)
	if cumulate && r.onCum != nil {
		r.onCum(snapshot, firstFailure)
	}
}

// drain re-sends the backlog in the configured policy order. Items
// that still fail are re-pushed (in the same relative order they had)
// so a still-down link does not lose data.
func (r *Retry) drain() {
	for {
		r.mu.Lock()
		if len(r.backlog) == 0 {
			r.mu.Unlock()
			return
		}
		var payload []byte
		if r.policy == LIFO {
			payload = r.backlog[len(r.backlog)-1]
			r.backlog = r.backlog[:len(r.backlog)-1]
		} else {
			payload = r.backlog[0]
			r.backlog = r.backlog[1:]
		}
		r.mu.Unlock()

		if res := r.inner.Send(payload); res != OK {
			// Still failing: stop draining and put it back at the head
			// of the line it came from.
			r.mu.Lock()
			if r.policy == LIFO {
				r.backlog = append(r.backlog, payload)
			} else {
				r.backlog = append([][]byte{payload}, r.backlog...)
			}
			r.mu.Unlock()
			return
		}
	}
}

// chronologicalSnapshotLocked returns the backlog oldest-first
// regardless of drain policy, for persistence. Caller must hold r.mu.
func (r *Retry) chronologicalSnapshotLocked() [][]byte {
	out := make([][]byte, len(r.backlog))
	copy(out, r.backlog)
	return out
}

// Recover pushes previously persisted lines back onto the backlog (in
// the order given) and triggers an immediate drain attempt, per the
// backlog persistence contract (spec.md §4.B).
func (r *Retry) Recover(lines [][]byte) {
	r.mu.Lock()
	r.backlog = append(r.backlog, lines...)
	if len(r.backlog) > r.maxBacklog {
		r.maxBacklog = len(r.backlog)
	}
	r.mu.Unlock()
	r.drain()
}

func (r *Retry) publishBacklogGrowing(holding int, res Result) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindBacklogGrowing,
		Data:      map[string]any{"holding": holding, "result": res.String()},
	})
}

func (r *Retry) SetReceiveFunc(fn ReceiveFunc) { r.inner.SetReceiveFunc(fn) }

// Metrics returns the wrapped channel's base metrics, satisfying the
// Channel interface. Use [Retry.BacklogMetrics] for the backlog fields.
func (r *Retry) Metrics() Metrics { return r.inner.Metrics() }

// BacklogMetrics returns the wrapped channel's metrics extended with
// the backlog fields (spec.md §3).
func (r *Retry) BacklogMetrics() RetryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RetryMetrics{
		Metrics:     r.inner.Metrics(),
		MaxBacklog:  r.maxBacklog,
		Holding:     len(r.backlog),
		FailedLast:  r.failedLast,
		FailedSince: r.failedSince,
	}
}

// Close closes the wrapped channel.
func (r *Retry) Close() error { return r.inner.Close() }
