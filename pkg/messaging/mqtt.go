package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ttp/pkg/logger"
)

const (
	defaultTimeout  = 5 * time.Second
	qosAtLeastOnce  = byte(1)
	disconnectQuiet = uint(250)
)

var errTokenTimeout = errors.New("no acknowledgement before timeout")

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
	Logger   *logger.Logger
}

type MQTTTransport struct {
	opts   MQTTOptions
	client mqtt.Client
	mu     sync.Mutex
}

func NewMQTTTransport(opts MQTTOptions) *MQTTTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault()
	}
	return &MQTTTransport{opts: opts}
}

func (t *MQTTTransport) Connect(ctx context.Context, will *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.opts.Broker)
	opts.SetClientID(t.opts.ClientID)
	opts.SetUsername(t.opts.Username)
	opts.SetPassword(t.opts.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(t.opts.Timeout)
	if will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, qosAtLeastOnce, will.Retain)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.opts.Logger.Warn("mqtt connection lost", map[string]any{
			"broker": t.opts.Broker,
			"error":  err.Error(),
		})
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		t.opts.Logger.Debug("connected to mqtt broker", map[string]any{
			"broker":    t.opts.Broker,
			"client_id": t.opts.ClientID,
		})
	})

	client := mqtt.NewClient(opts)
	if err := t.wait(ctx, client.Connect()); err != nil {
		// Abort the pending attempt so a late CONNACK cannot leave a
		// session, and its will, behind.
		client.Disconnect(0)
		return &Error{Kind: ErrorKindConnect, Topic: t.opts.Broker, Cause: err}
	}

	t.client = client
	return nil
}

func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, topic, payload, false)
}

func (t *MQTTTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, topic, payload, true)
}

func (t *MQTTTransport) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return &Error{Kind: ErrorKindClosed, Topic: topic}
	}

	if err := t.wait(ctx, client.Publish(topic, qosAtLeastOnce, retain, payload)); err != nil {
		if errors.Is(err, errTokenTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: ErrorKindTimeout, Topic: topic, Cause: err}
		}
		return &Error{Kind: ErrorKindPublish, Topic: topic, Cause: err}
	}
	return nil
}

// Disconnect sends a DISCONNECT packet, which tells the broker to discard
// the registered will. Calling it again is a no-op.
func (t *MQTTTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	t.client.Disconnect(disconnectQuiet)
	t.client = nil
	return nil
}

func (t *MQTTTransport) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
