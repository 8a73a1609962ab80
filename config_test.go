package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func seconds(v float64) *float64 { return &v }

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"mqtt": {"broker": "tcp://localhost:1883"},
		"rfyRemotes": [
			{"deviceID": "0x01", "name": "Lounge", "openCloseSeconds": 3},
			{"deviceId": "0x02", "openCloseSeconds": "12.5"},
			{"deviceID": "0x03", "name": "Office", "openCloseSeconds": "soon"}
		]
	}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []shutter.RemoteConfig{
		{DeviceID: "0x01", Name: "Lounge", OpenCloseSeconds: seconds(3)},
		{DeviceID: "0x02", Name: "0x02", OpenCloseSeconds: seconds(12.5)},
		{DeviceID: "0x03", Name: "Office"},
	}, cfg.Remotes)

	assert.Equal(t, defaultClientID, cfg.MQTT.ClientID)
	assert.Equal(t, defaultTopicPrefix, cfg.MQTT.TopicPrefix)
	assert.Equal(t, TransceiverGateway, cfg.Transceiver.Kind)
	assert.Equal(t, Duration(shutter.DefaultListTimeout), cfg.Transceiver.ListTimeout)
	assert.Equal(t, defaultHTTPAddress, cfg.HTTP.Address)
	assert.True(t, isEnabled(cfg.HTTP.Enabled))
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mqtt:
  broker: tcp://broker:1883
  topic_prefix: blinds
transceiver:
  kind: gpio
  list_timeout: 10s
  gpio:
    chip: gpiochip4
    remotes:
      - device_id: "0x01"
        up: 5
        down: 6
        stop: 13
        active_low: true
rfy_remotes:
  - deviceID: "0x01"
    name: Bedroom
    openCloseSeconds: 20
buttons:
  - name: Bedroom up
    pin: 17
    pullup: true
    switch: 0x01/Up
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "blinds", cfg.MQTT.TopicPrefix)
	assert.Equal(t, TransceiverGPIO, cfg.Transceiver.Kind)
	assert.Equal(t, Duration(10*time.Second), cfg.Transceiver.ListTimeout)
	assert.Equal(t, "gpiochip4", cfg.Transceiver.GPIO.Chip)
	assert.Equal(t, defaultPulseMS, cfg.Transceiver.GPIO.PulseMS)
	assert.Equal(t, []WiredRemote{{DeviceID: "0x01", Up: 5, Down: 6, Stop: 13, ActiveLow: true}}, cfg.Transceiver.GPIO.Remotes)
	assert.Equal(t, []shutter.RemoteConfig{{DeviceID: "0x01", Name: "Bedroom", OpenCloseSeconds: seconds(20)}}, cfg.Remotes)
	require.Len(t, cfg.Buttons, 1)
	assert.Equal(t, "0x01/Up", cfg.Buttons[0].Switch)
}

func TestLoadConfigLowercaseRemotesKey(t *testing.T) {
	path := writeConfig(t, "config.json", `{"mqtt": {"broker": "tcp://b:1883"}, "rfyremotes": [{"deviceID": "0x0A"}]}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Remotes, 1)
	assert.Equal(t, "0x0A", cfg.Remotes[0].DeviceID)
	assert.Nil(t, cfg.Remotes[0].OpenCloseSeconds)
}

func TestLoadConfigExpandsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RFY_TEST_MQTT_PASSWORD=hunter2\n"), 0o600))
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mqtt": {"broker": "tcp://b:1883", "password": "${RFY_TEST_MQTT_PASSWORD}"}}`), 0o600))
	t.Cleanup(func() { os.Unsetenv("RFY_TEST_MQTT_PASSWORD") })

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
}

func TestLoadConfigEmbeddedBrokerDefaultsBrokerURL(t *testing.T) {
	path := writeConfig(t, "config.json", `{"mqtt": {"embedded_broker": {"enabled": true, "address": ":1884"}}}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:1884", cfg.MQTT.Broker)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config file")

	_, err = loadConfig(writeConfig(t, "config.json", `{`))
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{MQTT: MQTTConfig{Broker: "tcp://b:1883"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker is required"},
		{"bad kind", func(c *Config) { c.Transceiver.Kind = "serial" }, "transceiver.kind"},
		{"empty device id", func(c *Config) {
			c.Remotes = []shutter.RemoteConfig{{Name: "x"}}
		}, "deviceID is required"},
		{"wildcard device id", func(c *Config) {
			c.Remotes = []shutter.RemoteConfig{{DeviceID: "0x01/+"}}
		}, "must not contain"},
		{"duplicate remote", func(c *Config) {
			c.Remotes = []shutter.RemoteConfig{{DeviceID: "0x01"}, {DeviceID: "0x01"}}
		}, "duplicate remote"},
		{"shared pin", func(c *Config) {
			c.Transceiver.Kind = TransceiverGPIO
			c.Transceiver.GPIO.Remotes = []WiredRemote{{DeviceID: "a", Up: 1, Down: 2, Stop: 3}, {DeviceID: "b", Up: 3, Down: 4, Stop: 5}}
		}, "pin 3 used by"},
		{"bad button switch", func(c *Config) {
			c.Buttons = []ButtonConfig{{Name: "hall", Switch: "0x01/Left"}}
		}, `button "hall"`},
		{"disabled button is ignored", func(c *Config) {
			disabled := false
			c.Buttons = []ButtonConfig{{Name: "hall", Switch: "nonsense", Enabled: &disabled}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseSeconds(t *testing.T) {
	assert.Equal(t, seconds(2), parseSeconds(2))
	assert.Equal(t, seconds(1.5), parseSeconds(1.5))
	assert.Equal(t, seconds(7), parseSeconds(" 7 "))
	assert.Nil(t, parseSeconds(nil))
	assert.Nil(t, parseSeconds(true))
	assert.Nil(t, parseSeconds("NaN"))
	assert.Nil(t, parseSeconds("abc"))
}
