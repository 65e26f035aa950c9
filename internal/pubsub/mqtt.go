// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const clientIDLength = 10

const clientIDCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT. A
// publisher lives for one poll cycle: Connect opens a fresh session under a
// random client identity, Close tears it down.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	clientFactory func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		config: cfg,
		client: client,
		logger: log.With().Str("component", "mqtt").Logger(),
	}
}

// generateClientID returns a random alphanumeric client identifier of fixed
// length. A fresh one is used for every connection, so the broker never
// sees a persistent client identity.
func generateClientID(length int) string {
	id := make([]byte, length)
	for i := range id {
		id[i] = clientIDCharset[rand.IntN(len(clientIDCharset))]
	}
	return string(id)
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(generateClientID(clientIDLength)).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker under a fresh random
// client id.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	p.logger.Debug().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")

	return nil
}

// Publish sends one payload to the given topic, best effort. It does not
// wait for broker acknowledgment; a failure to hand the message off is
// reported as a PublishError and must not abort the cycle.
func (p *MQTTPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	if !p.connected {
		return domain.NewPublishError(topic, fmt.Errorf("not connected"))
	}

	data, err := encodePayload(payload)
	if err != nil {
		return domain.NewPublishError(topic, err)
	}

	token := p.client.Publish(topic, 0, p.config.MQTT.Retain, data)
	if err := token.Error(); err != nil {
		return domain.NewPublishError(topic, err)
	}

	if p.config.Debug {
		p.logger.Debug().Str("topic", topic).Str("payload", string(data)).Msg("Published")
	}

	return nil
}

// PublishRetained is Publish with the retain flag forced on, so late
// subscribers still receive the message.
func (p *MQTTPublisher) PublishRetained(_ context.Context, topic string, payload interface{}) error {
	if !p.connected {
		return domain.NewPublishError(topic, fmt.Errorf("not connected"))
	}

	data, err := encodePayload(payload)
	if err != nil {
		return domain.NewPublishError(topic, err)
	}

	token := p.client.Publish(topic, 0, true, data)
	if err := token.Error(); err != nil {
		return domain.NewPublishError(topic, err)
	}

	return nil
}

// encodePayload renders a payload for the wire: scalars as their plain text
// form, everything structured as JSON.
func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case bool, int, int32, int64, float32, float64:
		return []byte(fmt.Sprintf("%v", v)), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
		return data, nil
	}
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected = false
	}
	return nil
}
