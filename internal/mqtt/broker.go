// Package mqtt provides the broker transport primitive consumed by
// internal/channel's pub/sub channel: a thin wrapper over
// github.com/eclipse/paho.golang/autopaho that handles connect,
// automatic reconnect, and per-topic publish/subscribe, in the same
// style as the teacher's internal/mqtt.Publisher.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

// Config defines the broker connection used by the channel stack's
// pub/sub channel.
type Config struct {
	URL      string
	Username string
	Password string
	// ClientID is used verbatim if set; otherwise a random one is
	// generated from a UUIDv4.
	ClientID string
}

// MessageHandler is invoked for every inbound publish on a subscribed
// topic. Must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Broker manages a single autopaho connection shared by every pub/sub
// channel instance wired to the same broker config.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// New creates a Broker but does not connect. Call [Broker.Start].
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rioagent-" + uuid.NewString()[:8]
	}
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}
}

// Start connects to the broker in the background. It returns once the
// connection manager has been created; callers that need to know the
// connection succeeded should call [Broker.AwaitConnection].
func (b *Broker) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.URL)
			b.resubscribeAll(cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		b.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})
	b.cm = cm
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (b *Broker) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// Publish sends payload on topic with QoS 0. Returns an error if the
// connection manager is unavailable or the publish itself fails.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	})
	return err
}

// Subscribe registers handler for topic and (re-)issues the SUBSCRIBE
// packet. Subscriptions are replayed automatically on every reconnect
// since autopaho does not do this itself.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()

	if b.cm == nil {
		// Not yet connected; subscription is replayed on OnConnectionUp.
		return nil
	}
	return b.subscribeOne(ctx, b.cm, topic)
}

func (b *Broker) subscribeOne(ctx context.Context, cm *autopaho.ConnectionManager, topic string) error {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

func (b *Broker) resubscribeAll(cm *autopaho.ConnectionManager) {
	b.mu.RLock()
	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, t := range topics {
		if err := b.subscribeOne(ctx, cm, t); err != nil {
			b.logger.Error("mqtt resubscribe failed", "topic", t, "error", err)
		}
	}
}

func (b *Broker) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	handler, ok := b.handlers[topic]
	b.mu.RUnlock()
	if ok {
		handler(topic, payload)
	}
}

// Stop disconnects from the broker.
func (b *Broker) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}
