// Package mqttmgr wraps the paho client with the publish/subscribe helpers the
// bridge components share.
package mqttmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	PublishTimeout = 5 * time.Second
	ConnectTimeout = 10 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Manager handles all MQTT operations
type Manager interface {
	// Publish waits until the client reports the message delivered.
	Publish(topic string, qos byte, retained bool, payload any) error
	// PublishAsync hands the message to the client and returns at once.
	// Delivery failures are logged, not returned.
	PublishAsync(topic string, qos byte, retained bool, payload any) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
	TopicPrefix() string
	AvailabilityTopic() string
}

type manager struct {
	client      mqtt.Client
	topicPrefix string
	timeout     time.Duration
	log         *slog.Logger
}

func NewManager(client mqtt.Client, topicPrefix string) Manager {
	return newManager(client, topicPrefix, slog.Default())
}

func newManager(client mqtt.Client, topicPrefix string, logger *slog.Logger) *manager {
	return &manager{
		client:      client,
		topicPrefix: topicPrefix,
		timeout:     PublishTimeout,
		log:         logger,
	}
}

// encodePayload sends strings and byte slices as is, anything else as JSON.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

func (m *manager) Publish(topic string, qos byte, retained bool, payload any) error {
	payloadBytes, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return m.wait(m.client.Publish(topic, qos, retained, payloadBytes), "publish "+topic)
}

func (m *manager) PublishAsync(topic string, qos byte, retained bool, payload any) error {
	payloadBytes, err := encodePayload(payload)
	if err != nil {
		return err
	}
	token := m.client.Publish(topic, qos, retained, payloadBytes)
	go func() {
		if err := m.wait(token, "publish "+topic); err != nil {
			m.log.Warn("MQTT publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (m *manager) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	return m.wait(m.client.Subscribe(topic, qos, handler), "subscribe "+topic)
}

func (m *manager) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return m.wait(m.client.Unsubscribe(topics...), "unsubscribe")
}

func (m *manager) wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *manager) IsConnected() bool {
	return m.client.IsConnected()
}

func (m *manager) TopicPrefix() string {
	return m.topicPrefix
}

func (m *manager) AvailabilityTopic() string {
	return AvailabilityTopic(m.topicPrefix)
}

func AvailabilityTopic(prefix string) string {
	return fmt.Sprintf("%s/status", prefix)
}

// Options configures Connect.
type Options struct {
	Broker      string
	User        string
	Password    string
	ClientID    string
	TopicPrefix string
	// OnConnect runs after every (re)connect, once availability is online.
	OnConnect func(Manager)
	Logger    *slog.Logger
}

// Conn is a connected client plus its manager.
type Conn struct {
	Manager
	client mqtt.Client
	log    *slog.Logger
}

// Connect dials the broker with a retained offline will on the availability
// topic and publishes online on every connect.
func Connect(o Options) (*Conn, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn := &Conn{log: logger}
	client := mqtt.NewClient(clientOptions(o, conn, logger))
	conn.client = client
	conn.Manager = newManager(client, o.TopicPrefix, logger)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connection failed: %w", token.Error())
	}
	return conn, nil
}

func clientOptions(o Options, conn *Conn, logger *slog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetUsername(o.User)
	opts.SetPassword(o.Password)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(ConnectTimeout)
	// Message handlers wait on the registry loop.
	opts.SetOrderMatters(false)

	availTopic := AvailabilityTopic(o.TopicPrefix)
	opts.SetWill(availTopic, payloadOffline, 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("connected to MQTT", "broker", o.Broker)
		c.Publish(availTopic, 0, true, payloadOnline)
		if o.OnConnect != nil {
			// Handlers must not block the paho router.
			go o.OnConnect(conn.Manager)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	return opts
}

// Close publishes offline and disconnects.
func (c *Conn) Close() {
	if c.IsConnected() {
		if err := c.Publish(c.AvailabilityTopic(), 0, true, payloadOffline); err != nil {
			c.log.Warn("publish offline", "error", err)
		}
	}
	c.client.Disconnect(250)
}
