package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTPublisher publishes events as JSON to an MQTT topic.
// Publish does not wait for the broker to acknowledge.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewMQTTPublisher connects to the broker. The paho client reconnects on
// its own after the initial connection succeeds.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: topic required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("safetycam-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	return newMQTTPublisher(client, cfg.Topic, cfg.QoS, logger), nil
}

func newMQTTPublisher(client mqtt.Client, topic string, qos byte, logger *slog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  topic,
		qos:    qos,
		logger: logger,
	}
}

// Publish sends e to the configured topic without waiting for the broker.
func (p *MQTTPublisher) Publish(e Event) {
	if !p.client.IsConnectionOpen() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encode detection event", "error", err)
		return
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Warn("mqtt publish failed", "topic", p.topic, "error", token.Error())
		}
	}()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
