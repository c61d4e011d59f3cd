package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"thk/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the sink needs.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topic    string // records go to <Topic>/<outcome>
	QoS      byte
	Logger   *slog.Logger
}

// MQTTSink publishes records as JSON.
type MQTTSink struct {
	client MQTTClient
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewMQTTSink builds a paho client from cfg and connects it.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	return NewMQTTSinkWithClient(cfg, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTSinkWithClient is NewMQTTSink with a custom client factory.
func NewMQTTSinkWithClient(cfg MQTTConfig, factory func(*mqtt.ClientOptions) MQTTClient) (*MQTTSink, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "thk/audit"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("thkd-%d", time.Now().Unix())
	}
	logger := cfg.Logger.With("sink", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})

	client := factory(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt audit sink connected", "broker", cfg.Broker, "topic", cfg.Topic)

	return &MQTTSink{client: client, topic: cfg.Topic, qos: cfg.QoS, logger: logger}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	token := s.client.Publish(s.topic+"/"+rec.Outcome.String(), s.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
