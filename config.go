package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

const (
	TransceiverGateway = "gateway"
	TransceiverGPIO    = "gpio"

	defaultClientID    = "rfy-mqtt-bridge"
	defaultTopicPrefix = "rfy_bridge"
	defaultHTTPAddress = ":8080"
	defaultChip        = "gpiochip0"
	defaultPulseMS     = 250
)

// Config is the root configuration structure loaded from JSON or YAML
type Config struct {
	MQTT        MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Transceiver TransceiverConfig `json:"transceiver" yaml:"transceiver"`
	Buttons     []ButtonConfig    `json:"buttons" yaml:"buttons"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Debug       bool              `json:"debug" yaml:"debug"`

	// The remote list is accepted under several spellings.
	RFYRemotes      []RemoteEntry `json:"rfyRemotes" yaml:"rfyRemotes"`
	RFYRemotesLower []RemoteEntry `json:"rfyremotes" yaml:"rfyremotes"`
	RFYRemotesSnake []RemoteEntry `json:"rfy_remotes" yaml:"rfy_remotes"`

	// Remotes is the normalized remote list.
	Remotes []shutter.RemoteConfig `json:"-" yaml:"-"`
}

// MQTTConfig defines MQTT broker connection settings
type MQTTConfig struct {
	Broker          string               `json:"broker" yaml:"broker"`
	User            string               `json:"user" yaml:"user"`
	Password        string               `json:"password" yaml:"password"`
	ClientID        string               `json:"client_id" yaml:"client_id"`
	TopicPrefix     string               `json:"topic_prefix" yaml:"topic_prefix"`
	DiscoveryPrefix string               `json:"discovery_prefix" yaml:"discovery_prefix"`
	NodeID          string               `json:"node_id" yaml:"node_id"`
	EmbeddedBroker  EmbeddedBrokerConfig `json:"embedded_broker" yaml:"embedded_broker"`
}

type EmbeddedBrokerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

type TransceiverConfig struct {
	Kind        string        `json:"kind" yaml:"kind"` // "gateway" or "gpio"
	ListTimeout Duration      `json:"list_timeout" yaml:"list_timeout"`
	Gateway     GatewayConfig `json:"gateway" yaml:"gateway"`
	GPIO        GPIOConfig    `json:"gpio" yaml:"gpio"`
}

type GatewayConfig struct {
	Topic string `json:"topic" yaml:"topic"`
}

type GPIOConfig struct {
	Chip    string        `json:"chip" yaml:"chip"`
	PulseMS int           `json:"pulse_ms" yaml:"pulse_ms"`
	Remotes []WiredRemote `json:"remotes" yaml:"remotes"`
}

// WiredRemote is a physical remote whose buttons are driven by output pins.
type WiredRemote struct {
	DeviceID  string `json:"device_id" yaml:"device_id"`
	Up        int    `json:"up" yaml:"up"`
	Down      int    `json:"down" yaml:"down"`
	Stop      int    `json:"stop" yaml:"stop"`
	ActiveLow bool   `json:"active_low" yaml:"active_low"`
}

// ButtonConfig defines a wall button on a GPIO input
type ButtonConfig struct {
	Name     string `json:"name" yaml:"name"`
	Pin      int    `json:"pin" yaml:"pin"`
	PullUp   bool   `json:"pullup" yaml:"pullup"`
	Inverted bool   `json:"inverted" yaml:"inverted"` // If true, LOW=active
	Switch   string `json:"switch" yaml:"switch"`     // Switch id such as "0x01/Up"
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type HTTPConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address string `json:"address" yaml:"address"`
}

// RemoteEntry is one configured remote as written in the file.
type RemoteEntry struct {
	DeviceID         string `json:"deviceID" yaml:"deviceID"`
	DeviceId         string `json:"deviceId" yaml:"deviceId"` //nolint:revive // legacy spelling
	Name             string `json:"name" yaml:"name"`
	OpenCloseSeconds any    `json:"openCloseSeconds" yaml:"openCloseSeconds"`
}

// Duration accepts "30s" style strings or a number of seconds.
type Duration time.Duration

func parseDuration(v any) (Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, err
		}
		return Duration(d), nil
	case float64:
		return Duration(x * float64(time.Second)), nil
	case int:
		return Duration(time.Duration(x) * time.Second), nil
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// isEnabled checks if an entity is enabled (nil or true means enabled)
func isEnabled(enabled *bool) bool {
	return enabled == nil || *enabled
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig reads the configuration file, expanding ${VAR} references from
// the environment and an optional .env next to the file.
func loadConfig(path string) (Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(expanded, &cfg)
	default:
		err = json.Unmarshal(expanded, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.EmbeddedBroker.Enabled {
		if c.MQTT.EmbeddedBroker.Address == "" {
			c.MQTT.EmbeddedBroker.Address = ":1883"
		}
		if c.MQTT.Broker == "" {
			_, port, err := splitPort(c.MQTT.EmbeddedBroker.Address)
			if err == nil {
				c.MQTT.Broker = "tcp://127.0.0.1:" + port
			}
		}
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = defaultClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultTopicPrefix
	}
	if c.Transceiver.Kind == "" {
		c.Transceiver.Kind = TransceiverGateway
	}
	if c.Transceiver.ListTimeout == 0 {
		c.Transceiver.ListTimeout = Duration(shutter.DefaultListTimeout)
	}
	if c.Transceiver.GPIO.Chip == "" {
		c.Transceiver.GPIO.Chip = defaultChip
	}
	if c.Transceiver.GPIO.PulseMS == 0 {
		c.Transceiver.GPIO.PulseMS = defaultPulseMS
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = defaultHTTPAddress
	}
}

func splitPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("address %q has no port", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// normalize folds the remote list spellings into Remotes.
func (c *Config) normalize() {
	entries := c.RFYRemotes
	if len(entries) == 0 {
		entries = c.RFYRemotesLower
	}
	if len(entries) == 0 {
		entries = c.RFYRemotesSnake
	}

	c.Remotes = make([]shutter.RemoteConfig, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.DeviceID)
		if id == "" {
			id = strings.TrimSpace(e.DeviceId)
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = id
		}
		c.Remotes = append(c.Remotes, shutter.RemoteConfig{
			DeviceID:         id,
			Name:             name,
			OpenCloseSeconds: parseSeconds(e.OpenCloseSeconds),
		})
	}
}

// parseSeconds returns nil for anything that is not a finite number.
func parseSeconds(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required")
	}

	switch c.Transceiver.Kind {
	case TransceiverGateway, TransceiverGPIO:
	default:
		return fmt.Errorf("config: transceiver.kind %q must be %q or %q", c.Transceiver.Kind, TransceiverGateway, TransceiverGPIO)
	}
	if c.Transceiver.ListTimeout < 0 {
		return fmt.Errorf("config: transceiver.list_timeout must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Remotes))
	for i, r := range c.Remotes {
		if r.DeviceID == "" {
			return fmt.Errorf("config: remote %d: deviceID is required", i)
		}
		if strings.ContainsAny(r.DeviceID, "/+#") {
			return fmt.Errorf("config: remote %q: deviceID must not contain '/', '+' or '#'", r.DeviceID)
		}
		if _, dup := seen[r.DeviceID]; dup {
			return fmt.Errorf("config: duplicate remote %q", r.DeviceID)
		}
		seen[r.DeviceID] = struct{}{}
	}

	if c.Transceiver.Kind == TransceiverGPIO {
		pins := map[int]string{}
		for _, w := range c.Transceiver.GPIO.Remotes {
			if w.DeviceID == "" {
				return fmt.Errorf("config: transceiver.gpio: remote device_id is required")
			}
			for _, pin := range []int{w.Up, w.Down, w.Stop} {
				if pin < 0 {
					return fmt.Errorf("config: transceiver.gpio: remote %q: invalid pin %d", w.DeviceID, pin)
				}
				if owner, used := pins[pin]; used {
					return fmt.Errorf("config: transceiver.gpio: pin %d used by %q and %q", pin, owner, w.DeviceID)
				}
				pins[pin] = w.DeviceID
			}
		}
	}

	for _, b := range c.Buttons {
		if !isEnabled(b.Enabled) {
			continue
		}
		if _, _, err := shutter.SplitSwitchID(b.Switch); err != nil {
			return fmt.Errorf("config: button %q: %w", b.Name, err)
		}
	}
	return nil
}
