// Package homeassistant presents RFY switches to Home Assistant through MQTT
// discovery.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/mqttmgr"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultNodeID          = "rfy_mqtt_bridge"

	payloadOn  = "ON"
	payloadOff = "OFF"
)

var buttonIcons = map[shutter.Button]string{
	shutter.ButtonUp:   "mdi:arrow-up-bold",
	shutter.ButtonDown: "mdi:arrow-down-bold",
	shutter.ButtonStop: "mdi:stop",
}

// getStateString converts a boolean state to "ON" or "OFF" string
func getStateString(isOn bool) string {
	if isOn {
		return payloadOn
	}
	return payloadOff
}

// sanitize keeps characters Home Assistant accepts in an object id.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func objectID(switchID string) string {
	return sanitize(strings.ReplaceAll(switchID, "/", "_"))
}

// deviceInfo groups the three switches of a remote under one device.
func deviceInfo(info shutter.SwitchInfo, swVersion string) map[string]any {
	return map[string]any{
		"identifiers":   []string{"rfy_" + sanitize(info.DeviceID)},
		"name":          info.RemoteName,
		"manufacturer":  info.Manufacturer,
		"model":         info.Model,
		"serial_number": info.DeviceID,
		"sw_version":    swVersion,
	}
}

// discoveryBase creates a base discovery payload with common fields
func discoveryBase(name, uniqueID, commandTopic, stateTopic, availabilityTopic string) map[string]any {
	payload := map[string]any{
		"name":               name,
		"unique_id":          uniqueID,
		"availability_topic": availabilityTopic,
	}
	if commandTopic != "" {
		payload["command_topic"] = commandTopic
	}
	if stateTopic != "" {
		payload["state_topic"] = stateTopic
	}
	return payload
}

// publishDiscovery publishes a retained discovery payload.
func publishDiscovery(m mqttmgr.Manager, configTopic string, payload map[string]any, entityName string) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", entityName, err)
	}
	return m.Publish(configTopic, 0, true, jsonPayload)
}

// discoveryConfig is the subset of a retained discovery payload read back on recall.
type discoveryConfig struct {
	Name       string `json:"name"`
	UniqueID   string `json:"unique_id"`
	StateTopic string `json:"state_topic"`
}
