package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/mqttmgr"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

// DefaultRecallWindow is how long Recall collects retained discovery configs.
const DefaultRecallWindow = 2 * time.Second

// SetHandler receives set requests from Home Assistant.
type SetHandler func(switchID string, on bool)

type Options struct {
	DiscoveryPrefix string
	NodeID          string
	SWVersion       string
	Logger          *slog.Logger
}

// Presenter implements shutter.Presenter on top of MQTT discovery.
type Presenter struct {
	mqtt            mqttmgr.Manager
	discoveryPrefix string
	nodeID          string
	swVersion       string
	log             *slog.Logger
}

var _ shutter.Presenter = (*Presenter)(nil)

func NewPresenter(m mqttmgr.Manager, o Options) *Presenter {
	p := &Presenter{
		mqtt:            m,
		discoveryPrefix: o.DiscoveryPrefix,
		nodeID:          o.NodeID,
		swVersion:       o.SWVersion,
		log:             o.Logger,
	}
	if p.discoveryPrefix == "" {
		p.discoveryPrefix = DefaultDiscoveryPrefix
	}
	if p.nodeID == "" {
		p.nodeID = DefaultNodeID
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Presenter) ConfigTopic(switchID string) string {
	return fmt.Sprintf("%s/switch/%s/%s/config", p.discoveryPrefix, p.nodeID, objectID(switchID))
}

func (p *Presenter) StateTopic(switchID string) string {
	return fmt.Sprintf("%s/rfy/%s/state", p.mqtt.TopicPrefix(), switchID)
}

func (p *Presenter) CommandTopic(switchID string) string {
	return fmt.Sprintf("%s/rfy/%s/set", p.mqtt.TopicPrefix(), switchID)
}

func (p *Presenter) RegisterSwitch(info shutter.SwitchInfo) error {
	payload := discoveryBase(info.Name, "rfy_"+sanitize(info.SerialNumber),
		p.CommandTopic(info.SwitchID), p.StateTopic(info.SwitchID), p.mqtt.AvailabilityTopic())
	payload["payload_on"] = payloadOn
	payload["payload_off"] = payloadOff
	payload["optimistic"] = false
	payload["retain"] = false
	payload["device"] = deviceInfo(info, p.swVersion)
	if icon, ok := buttonIcons[info.Button]; ok {
		payload["icon"] = icon
	}

	if err := publishDiscovery(p.mqtt, p.ConfigTopic(info.SwitchID), payload, info.SwitchID); err != nil {
		return fmt.Errorf("publish discovery: %w", err)
	}
	return nil
}

// UnregisterSwitch removes the entity and clears its retained state.
func (p *Presenter) UnregisterSwitch(switchID string) error {
	if err := p.mqtt.Publish(p.ConfigTopic(switchID), 0, true, ""); err != nil {
		return fmt.Errorf("clear discovery: %w", err)
	}
	if err := p.mqtt.Publish(p.StateTopic(switchID), 0, true, ""); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}

// RefreshSwitch publishes the retained state without waiting for the broker.
func (p *Presenter) RefreshSwitch(switchID string, isOn bool) error {
	return p.mqtt.PublishAsync(p.StateTopic(switchID), 0, true, getStateString(isOn))
}

// Listen subscribes to every switch command topic. Retained commands are
// ignored so a broker restart never replays a move.
func (p *Presenter) Listen(handler SetHandler) error {
	filter := fmt.Sprintf("%s/rfy/+/+/set", p.mqtt.TopicPrefix())
	return p.mqtt.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if msg.Retained() {
			return
		}

		switchID, ok := p.switchIDFromTopic(msg.Topic(), "/set")
		if !ok {
			p.log.Warn("unexpected command topic", "topic", msg.Topic())
			return
		}

		payload := strings.TrimSpace(string(msg.Payload()))
		switch {
		case strings.EqualFold(payload, payloadOn):
			handler(switchID, true)
		case strings.EqualFold(payload, payloadOff):
			handler(switchID, false)
		default:
			p.log.Warn("ignoring switch command", "switch_id", switchID, "payload", payload)
		}
	})
}

// StopListening drops the command subscription.
func (p *Presenter) StopListening() error {
	return p.mqtt.Unsubscribe(fmt.Sprintf("%s/rfy/+/+/set", p.mqtt.TopicPrefix()))
}

func (p *Presenter) switchIDFromTopic(topic, suffix string) (string, bool) {
	prefix := p.mqtt.TopicPrefix() + "/rfy/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), suffix)
	if _, _, err := shutter.SplitSwitchID(id); err != nil {
		return "", false
	}
	return id, true
}

// Recall collects the switches this node registered in an earlier run from
// the broker's retained discovery configs.
func (p *Presenter) Recall(ctx context.Context, window time.Duration) ([]shutter.RestoredSwitch, error) {
	filter := fmt.Sprintf("%s/switch/%s/+/config", p.discoveryPrefix, p.nodeID)
	found := make(chan shutter.RestoredSwitch, 64)

	err := p.mqtt.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if !msg.Retained() || len(msg.Payload()) == 0 {
			return
		}
		var cfg discoveryConfig
		if err := json.Unmarshal(msg.Payload(), &cfg); err != nil {
			p.log.Warn("unreadable discovery config", "topic", msg.Topic(), "error", err)
			return
		}
		switchID, ok := p.switchIDFromTopic(cfg.StateTopic, "/state")
		if !ok {
			return
		}
		select {
		case found <- shutter.RestoredSwitch{SwitchID: switchID, Name: cfg.Name}:
		default:
			p.log.Warn("recall buffer full, dropping", "switch_id", switchID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe discovery: %w", err)
	}
	defer func() {
		if err := p.mqtt.Unsubscribe(filter); err != nil {
			p.log.Warn("unsubscribe discovery", "error", err)
		}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	seen := map[string]shutter.RestoredSwitch{}
	collect := func() {
		for {
			select {
			case rs := <-found:
				seen[rs.SwitchID] = rs
			default:
				return
			}
		}
	}

	for {
		select {
		case rs := <-found:
			seen[rs.SwitchID] = rs
		case <-timer.C:
			collect()
			return sortRestored(seen), nil
		case <-ctx.Done():
			collect()
			return sortRestored(seen), ctx.Err()
		}
	}
}

func sortRestored(seen map[string]shutter.RestoredSwitch) []shutter.RestoredSwitch {
	out := make([]shutter.RestoredSwitch, 0, len(seen))
	for _, rs := range seen {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SwitchID < out[j].SwitchID })
	return out
}
