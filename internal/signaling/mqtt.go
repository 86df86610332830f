// ABOUTME: Optional MQTT bridge that mirrors signaling events to a broker
// ABOUTME: Events are published as JSON to <prefix>/<device_id>/events/<type>

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 1000 // milliseconds
	mqttKeepAlive         = 60 * time.Second
)

// ErrMQTTNotConnected is returned when publishing while the broker is unreachable.
var ErrMQTTNotConnected = errors.New("mqtt: not connected")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	DeviceID    string
}

// MQTTPublisher is the subset of an MQTT client the bridge needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// pahoPublisher adapts a paho client to MQTTPublisher.
type pahoPublisher struct {
	client pahomqtt.Client
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt: publish timeout after %v", mqttPublishTimeout)
	}
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(mqttDisconnectQuiesce)
}

// DialMQTT connects to the broker. A retained last-will marks the device
// offline on <prefix>/<device_id>/status if the connection drops.
func DialMQTT(cfg MQTTConfig) (MQTTPublisher, error) {
	statusTopic := fmt.Sprintf("%s/%s/status", cfg.TopicPrefix, cfg.DeviceID)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "-" + shortID(cfg.DeviceID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetWill(statusTopic, statusPayload("offline", cfg.DeviceID), 1, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(statusTopic, 1, true, statusPayload("online", cfg.DeviceID))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return &pahoPublisher{client: client}, nil
}

func statusPayload(status, deviceID string) string {
	return fmt.Sprintf(`{"status":%q,"device_id":%q,"timestamp":%q}`,
		status, deviceID, time.Now().UTC().Format(time.RFC3339))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// MQTTBridge forwards broadcaster events to an MQTT broker.
type MQTTBridge struct {
	broadcaster *Broadcaster
	publisher   MQTTPublisher
	prefix      string
	qos         byte
	logger      *slog.Logger
}

// NewMQTTBridge creates a bridge. It does not own the broadcaster but closes
// the publisher when Run returns.
func NewMQTTBridge(b *Broadcaster, p MQTTPublisher, prefix string, qos byte) *MQTTBridge {
	return &MQTTBridge{
		broadcaster: b,
		publisher:   p,
		prefix:      prefix,
		qos:         qos,
		logger:      slog.Default().With("component", "mqtt"),
	}
}

// Topic returns the topic an event is published on.
func (m *MQTTBridge) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/events/%s", m.prefix, ev.DeviceID, ev.Type)
}

// Run forwards redacted events until ctx is cancelled. Publish failures are
// logged and the event is dropped.
func (m *MQTTBridge) Run(ctx context.Context) error {
	defer m.publisher.Close()

	events, _ := m.broadcaster.Subscribe(ctx)
	m.logger.Info("mqtt bridge started", "prefix", m.prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev.Redacted())
			if err != nil {
				m.logger.Error("failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			if err := m.publisher.Publish(m.Topic(ev), m.qos, false, payload); err != nil {
				m.logger.Warn("failed to publish event", "type", ev.Type, "error", err)
			}
		}
	}
}
