package channel

import (
	"context"
	"fmt"

	"github.com/fennel-labs/rioagent/internal/mqtt"
)

// PubSub publishes text on a named broker topic and, if subscribe is
// set at construction, also subscribes to the same topic (spec.md
// §4.B). NoConnection is returned when the broker handle cannot be
// obtained; Failed on publish error.
type PubSub struct {
	*counters
	broker *mqtt.Broker
	topic  string
	recv   ReceiveFunc
}

// NewPubSub constructs a pub/sub channel over topic on broker. When
// subscribe is true it also registers to receive messages published on
// topic by other agents/back-ends.
func NewPubSub(ctx context.Context, broker *mqtt.Broker, topic string, subscribe bool) (*PubSub, error) {
	p := &PubSub{
		counters: newCounters(),
		broker:   broker,
		topic:    topic,
	}
	if subscribe {
		if err := broker.Subscribe(ctx, topic, p.onMessage); err != nil {
			return nil, fmt.Errorf("pubsub channel subscribe %s: %w", topic, err)
		}
	}
	return p, nil
}

func (p *PubSub) onMessage(_ string, payload []byte) {
	p.recordReceive(len(payload))
	if p.recv != nil {
		p.recv(payload)
	}
}

// Send publishes payload on the channel's topic.
func (p *PubSub) Send(payload []byte) Result {
	if p.broker == nil {
		return NoConnection
	}
	if err := p.broker.Publish(context.Background(), p.topic, payload); err != nil {
		p.recordSend(false, 0, err.Error())
		return Failed
	}
	p.recordSend(true, len(payload), "")
	return OK
}

func (p *PubSub) SetReceiveFunc(fn ReceiveFunc) { p.recv = fn }

func (p *PubSub) Metrics() Metrics { return p.snapshot() }

// Close is a no-op: the underlying broker connection is shared across
// channels and is torn down once, by the agent's shutdown sequence.
func (p *PubSub) Close() error { return nil }
