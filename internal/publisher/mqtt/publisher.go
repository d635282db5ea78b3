// Package mqtt publishes broadcast events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config describes the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher publishes JSON payloads to an MQTT broker.
type Publisher struct {
	client  client
	qos     byte
	retain  bool
	timeout time.Duration
}

// New connects to cfg.Broker. The client reconnects on its own after the
// initial connection succeeds.
func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "scrolldepth"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return newWithClient(c, cfg), nil
}

func newWithClient(c client, cfg Config) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &Publisher{client: c, qos: cfg.QoS, retain: cfg.Retained, timeout: cfg.PublishTimeout}
}

// Publish sends payload as JSON on topic. MQTT has no message ids, so the
// returned id is always empty.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	token := p.client.Publish(topic, p.qos, p.retain, data)
	if !token.WaitTimeout(timeout) {
		return "", fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return "", nil
}

// Close disconnects from the broker.
func (p *Publisher) Close(context.Context) error {
	p.client.Disconnect(1000) // 1 second quiesce
	return nil
}
