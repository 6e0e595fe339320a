// Package messaging connects a daemon to its pub/sub bus.
//
// Two buses are supported: an MQTT broker, which handles retained messages
// and last wills natively, and Redis, where retained messages are plain keys
// and the last will is emulated with an expiring status lease.
package messaging

import (
	"context"
	"fmt"
	"time"

	"ttp/pkg/config"
	"ttp/pkg/logger"
)

// Message is a payload bound to a topic. Retain asks the bus to keep it for
// subscribers that arrive later.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

type Transport interface {
	// Connect opens the connection and registers will, if any, to be
	// published by the bus when the connection is lost abruptly.
	Connect(ctx context.Context, will *Message) error
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	// Disconnect closes the connection gracefully; the will is not fired.
	Disconnect(ctx context.Context) error
}

// LeaseKeeper is implemented by transports whose retained will-topic
// message expires unless it is republished in time.
type LeaseKeeper interface {
	RefreshEvery(every time.Duration)
}

// StatusTopic is the topic a daemon advertises itself on.
func StatusTopic(node, daemon string) string {
	return fmt.Sprintf("%s/daemon/%s/status", node, daemon)
}

// New builds the transport described by cfg. It returns a nil Transport when
// no bus is configured.
func New(cfg config.MessagingConfig, clientID string, log *logger.Logger) (Transport, error) {
	timeout := time.Duration(cfg.PublishTimeout) * time.Second

	switch cfg.Type {
	case "":
		return nil, nil
	case "mqtt":
		return NewMQTTTransport(MQTTOptions{
			Broker:   cfg.Broker,
			ClientID: clientID,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  timeout,
			Logger:   log,
		}), nil
	case "redis":
		transport, err := NewRedisTransport(RedisOptions{
			Broker:   cfg.Broker,
			Username: cfg.Username,
			Password: cfg.Password,
			LeaseTTL: time.Duration(cfg.LeaseTTL) * time.Second,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported messaging type: %s", cfg.Type)
	}
}
