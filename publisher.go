package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// PublisherOptions configures the MQTT plate publisher.
type PublisherOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

type plateMessage struct {
	Result plateResult `json:"result"`
}

type plateResult struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
	Origin     string  `json:"origin"`
	Method     string  `json:"method"`
	Timestamp  string  `json:"timestamp"`
}

func encodePlate(rec PlateRecord) ([]byte, error) {
	return json.Marshal(plateMessage{Result: plateResult{
		Plate:      rec.Plate,
		Confidence: rec.Confidence,
		Origin:     string(rec.Origin),
		Method:     rec.Method,
		Timestamp:  rec.Timestamp.Format(time.RFC3339),
	}})
}

// brokerClient is the part of mqtt.Client the publisher uses.
type brokerClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// mqttPublisher sends every saved plate to a topic. Publishing goes through
// a circuit breaker so that a dead broker is not waited on for every plate.
type mqttPublisher struct {
	client  brokerClient
	opts    PublisherOptions
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// newMQTTPublisher connects to the broker.
func newMQTTPublisher(opts PublisherOptions, logger *slog.Logger) (*mqttPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "plate-recognizer-" + uuid.NewString()[:8]
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("timed out connecting to broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", opts.Broker, err)
	}

	logger.Info("Connected to MQTT broker", "broker", opts.Broker, "topic", opts.Topic, "client_id", opts.ClientID)
	return newPublisherWithClient(client, opts, nil, logger), nil
}

func newPublisherWithClient(client brokerClient, opts PublisherOptions, now func() time.Time, logger *slog.Logger) *mqttPublisher {
	return &mqttPublisher{
		client:  client,
		opts:    opts,
		breaker: NewCircuitBreaker(3, 30*time.Second, 1, now, logger),
		logger:  logger,
	}
}

// Publish sends rec and waits for the broker acknowledgement up to the
// configured timeout.
func (p *mqttPublisher) Publish(ctx context.Context, rec PlateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodePlate(rec)
	if err != nil {
		return fmt.Errorf("failed to encode plate: %w", err)
	}

	return p.breaker.Call(func() error {
		token := p.client.Publish(p.opts.Topic, p.opts.QoS, false, payload)
		if !token.WaitTimeout(p.opts.Timeout) {
			return fmt.Errorf("publish to %s timed out after %v", p.opts.Topic, p.opts.Timeout)
		}
		return token.Error()
	})
}

// Close disconnects from the broker.
func (p *mqttPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
