package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xtxerr/labstalker/config"
	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/storage/types"
)

const (
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// MQTTConfig configures the MQTT mirror.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883 or ssl://host:8883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// Validate checks the configuration.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return errors.NewMissingField("mqtt.broker")
	}
	if c.QoS < 0 || c.QoS > maxQoS {
		return errors.NewInvalidValue("mqtt.qos", c.QoS, "must be 0, 1 or 2")
	}
	if strings.ContainsAny(c.TopicPrefix, "#+") {
		return errors.NewInvalidValue("mqtt.topic_prefix", c.TopicPrefix, "wildcards are not allowed")
	}
	return nil
}

// Publisher is the part of an MQTT client the mirror uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

type pahoPublisher struct {
	client pahomqtt.Client
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish %s: timeout after %v: %w", topic, defaultPublishTimeout, errors.ErrTimeout)
	}
	return token.Error()
}

func (p *pahoPublisher) Close() error {
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

// ConnectMQTT connects to the broker. It's a variable so tests can
// substitute a publisher.
var ConnectMQTT = func(cfg MQTTConfig) (Publisher, error) {
	client := pahomqtt.NewClient(buildClientOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(config.DefaultMQTTConnectTimeout) {
		return nil, &errors.TransportError{Device: cfg.Broker, Op: "mqtt connect", Err: fmt.Errorf("timeout after %v", config.DefaultMQTTConnectTimeout)}
	}
	if err := token.Error(); err != nil {
		return nil, &errors.TransportError{Device: cfg.Broker, Op: "mqtt connect", Err: err}
	}
	return &pahoPublisher{client: client}, nil
}

func buildClientOptions(cfg MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(config.DefaultMQTTConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// MQTT publishes every channel of every record to
// <prefix>/<device>/<channel> as JSON.
type MQTT struct {
	cfg MQTTConfig
	pub Publisher
	run string
}

// NewMQTT connects an MQTT mirror. run tags every message with the
// acquisition run ID.
func NewMQTT(cfg MQTTConfig, run string) (*MQTT, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultMQTTTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "labstalker-" + run
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pub, err := ConnectMQTT(cfg)
	if err != nil {
		return nil, err
	}
	return &MQTT{cfg: cfg, pub: pub, run: run}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic of one channel.
func (m *MQTT) Topic(device, channel string) string {
	return m.cfg.TopicPrefix + "/" + topicLevel(device) + "/" + topicLevel(channel)
}

// topicLevel makes a name safe as a single topic level.
func topicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func (m *MQTT) Write(ctx context.Context, records []types.Record) error {
	var errs []error
	for i := range records {
		rec := &records[i]
		for j, ch := range rec.Channels {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := channelPayload(rec, j, m.run)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.pub.Publish(m.Topic(rec.Device, ch), byte(m.cfg.QoS), m.cfg.Retain, payload); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *MQTT) Close() error {
	return m.pub.Close()
}
