// Package mqttmgrtest provides an in-memory mqttmgr.Manager for tests.
package mqttmgrtest

import (
	"encoding/json"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message implements mqtt.Message.
type Message struct {
	topic    string
	payload  []byte
	retained bool
}

func NewMessage(topic string, payload []byte, retained bool) *Message {
	return &Message{topic: topic, payload: payload, retained: retained}
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return m.retained }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Manager is a loopback broker: publishes reach matching subscriptions
// synchronously and retained payloads replay on subscribe.
type Manager struct {
	mu         sync.Mutex
	prefix     string
	connected  bool
	published  []Published
	retained   map[string][]byte
	subs       map[string]mqtt.MessageHandler
	PublishErr error
	holdAcks   chan struct{}
}

func New(prefix string) *Manager {
	return &Manager{
		prefix:    prefix,
		connected: true,
		retained:  map[string][]byte{},
		subs:      map[string]mqtt.MessageHandler{},
	}
}

func encode(payload any) []byte {
	switch v := payload.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

func (m *Manager) Publish(topic string, qos byte, retained bool, payload any) error {
	m.mu.Lock()
	hold := m.holdAcks
	m.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return m.publish(topic, qos, retained, payload)
}

func (m *Manager) PublishAsync(topic string, qos byte, retained bool, payload any) error {
	return m.publish(topic, qos, retained, payload)
}

// Hold makes Publish block until release is called, like a broker that has
// not acknowledged yet. PublishAsync never waits.
func (m *Manager) Hold() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.holdAcks = ch
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.holdAcks = nil
		m.mu.Unlock()
		close(ch)
	}
}

func (m *Manager) publish(topic string, qos byte, retained bool, payload any) error {
	m.mu.Lock()
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.Unlock()
		return err
	}
	b := encode(payload)
	m.published = append(m.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: b})
	if retained {
		if len(b) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = b
		}
	}
	handlers := m.matching(topic)
	m.mu.Unlock()

	for _, h := range handlers {
		h(nil, NewMessage(topic, b, false))
	}
	return nil
}

// Inject delivers a message as if another client had published it.
func (m *Manager) Inject(topic string, payload []byte, retained bool) {
	m.mu.Lock()
	if retained {
		m.retained[topic] = payload
	}
	handlers := m.matching(topic)
	m.mu.Unlock()

	for _, h := range handlers {
		h(nil, NewMessage(topic, payload, retained))
	}
}

func (m *Manager) matching(topic string) []mqtt.MessageHandler {
	var out []mqtt.MessageHandler
	for filter, h := range m.subs {
		if Match(filter, topic) {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	m.subs[topic] = handler
	var replay []*Message
	for t, b := range m.retained {
		if Match(topic, t) {
			replay = append(replay, NewMessage(t, b, true))
		}
	}
	m.mu.Unlock()

	for _, msg := range replay {
		handler(nil, msg)
	}
	return nil
}

func (m *Manager) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.subs, t)
	}
	return nil
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *Manager) TopicPrefix() string       { return m.prefix }
func (m *Manager) AvailabilityTopic() string { return m.prefix + "/status" }

func (m *Manager) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

// Last returns the most recent publish on topic.
func (m *Manager) Last(topic string) (Published, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].Topic == topic {
			return m.published[i], true
		}
	}
	return Published{}, false
}

func (m *Manager) Retained(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.retained[topic]
	return b, ok
}

func (m *Manager) Subscribed(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[filter]
	return ok
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
