// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (module manager, channel
// stack, scheduler, rule engine) to subscribers (the local admin
// endpoint's broadcast, the dashboard websocket feed). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceManager identifies events from the Module Manager (Feature
	// lifecycle: enable/disable/start/stop/configure).
	SourceManager = "manager"
	// SourceChannel identifies events from the channel stack (connect,
	// disconnect, retry backlog).
	SourceChannel = "channel"
	// SourceScheduler identifies events from the task scheduler's three
	// rule engines.
	SourceScheduler = "scheduler"
	// SourceRule identifies events from rule condition evaluation.
	SourceRule = "rule"
	// SourceAlert identifies events from inbound alert ingest/dedupe.
	SourceAlert = "alert"
	// SourceCommand identifies events from command parsing and dispatch.
	SourceCommand = "command"
	// SourceAdmin identifies events from the local admin endpoint.
	SourceAdmin = "admin"
)

// Kind constants describe the type of event within a source.
const (
	// KindFeatureEnabled signals a Feature was enabled.
	// Data: feature_id, feature_type.
	KindFeatureEnabled = "feature_enabled"
	// KindFeatureDisabled signals a Feature was disabled.
	// Data: feature_id, feature_type.
	KindFeatureDisabled = "feature_disabled"
	// KindFeatureStarted signals a Feature's task began running.
	// Data: feature_id, feature_type (feature_id only when published by
	// the startup sequence).
	KindFeatureStarted = "feature_started"
	// KindFeatureStopped signals a Feature's tasks were stopped by a stop
	// request. The two-step shutdown does not publish it.
	// Data: feature_id, feature_type.
	KindFeatureStopped = "feature_stopped"
	// KindFeatureConfigured signals a Feature's properties were merged.
	// Data: feature_id, changed (list of property names).
	KindFeatureConfigured = "feature_configured"

	// KindChannelUp signals a channel (pub/sub, HTTP, UDP, stream)
	// reached the connected/ready state.
	// Data: service.
	KindChannelUp = "channel_up"
	// KindChannelDown signals a channel lost its connection.
	// Data: service, error.
	KindChannelDown = "channel_down"
	// KindBacklogGrowing signals a failed payload was pushed onto a retry
	// channel's unsent backlog.
	// Data: holding (backlog length), result.
	KindBacklogGrowing = "backlog_growing"

	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: task_id, task_name, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindRuleFired signals a rule's condition transitioned to true and
	// its action ran.
	// Data: rule_id.
	KindRuleFired = "rule_fired"
	// KindRuleSuspended signals a rule's condition evaluated to
	// suspended (evaluated within TimeTrigger of its last firing).
	// Data: rule_name.
	KindRuleSuspended = "rule_suspended"

	// KindAlertReceived signals an inbound alert passed dedupe and was
	// applied to Knowledge.
	// Data: sender, source, event_type.
	KindAlertReceived = "alert_received"
	// KindAlertDropped signals an inbound alert was dropped (self-sent
	// or a duplicate within the dedupe window).
	// Data: sender, reason.
	KindAlertDropped = "alert_dropped"

	// KindCommandDispatched signals a command was handed to a Feature's
	// handler (Source manager; Data: target, command) or that the request
	// router handled a Message (Source command; Data: message_type, ok).
	KindCommandDispatched = "command_dispatched"
	// KindCommandCompleted signals a delayed command finished and its
	// completion event was published to the Notify bus.
	// Data: target, command, ok, execution, error.
	KindCommandCompleted = "command_completed"

	// KindAdminConnected signals a client attached to the local admin
	// endpoint.
	// Data: remote_addr.
	KindAdminConnected = "admin_connected"
	// KindAdminDisconnected signals a client detached from the local
	// admin endpoint.
	// Data: remote_addr.
	KindAdminDisconnected = "admin_disconnected"

	// KindShutdownConfirmed signals the two-step shutdown sequence
	// reached its second, confirming call: the scheduler and every
	// Feature Task have been stopped and the process may exit.
	// Data: forced.
	KindShutdownConfirmed = "shutdown_confirmed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
