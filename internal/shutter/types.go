package shutter

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Button is one of the three commands an RFY remote exposes.
type Button string

const (
	ButtonUp   Button = "Up"
	ButtonDown Button = "Down"
	ButtonStop Button = "Stop"
)

// Buttons lists the buttons of a remote in registration order.
var Buttons = []Button{ButtonUp, ButtonDown, ButtonStop}

const (
	// DefaultOpenCloseSeconds is the travel time assumed when a remote does not configure one.
	DefaultOpenCloseSeconds = 5

	// DefaultStopGrace is the wait after a stop before every sibling switch is forced off.
	DefaultStopGrace = 100 * time.Millisecond

	// DefaultListTimeout bounds the one-shot remote list request.
	DefaultListTimeout = 30 * time.Second

	// Manufacturer is reported in the Home Assistant device block.
	Manufacturer = "RFXCOM"
)

var (
	ErrUnknownSwitch  = errors.New("unknown switch")
	ErrInvalidSwitch  = errors.New("invalid switch id")
	ErrRegistryClosed = errors.New("registry is not running")
)

// ParseButton accepts a button name in any letter case.
func ParseButton(s string) (Button, error) {
	for _, b := range Buttons {
		if strings.EqualFold(string(b), s) {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown button %q", s)
}

// SwitchID derives the registry key of one button of one remote.
func SwitchID(deviceID string, b Button) string {
	return deviceID + "/" + string(b)
}

// SplitSwitchID is the inverse of SwitchID.
func SplitSwitchID(id string) (string, Button, error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSwitch, id)
	}
	b, err := ParseButton(id[i+1:])
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSwitch, id)
	}
	return id[:i], b, nil
}

// RemoteConfig is the normalized configuration of one RFY remote.
type RemoteConfig struct {
	DeviceID string
	Name     string
	// OpenCloseSeconds is nil when unset or not numeric.
	OpenCloseSeconds *float64
}

// TravelTime is how long a move keeps its switch on before the auto-off.
func (c RemoteConfig) TravelTime() time.Duration {
	if c.OpenCloseSeconds == nil || math.IsNaN(*c.OpenCloseSeconds) || math.IsInf(*c.OpenCloseSeconds, 0) {
		return DefaultOpenCloseSeconds * time.Second
	}
	ms := math.Round(*c.OpenCloseSeconds * 1000)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// DeviceRemoteRecord is a remote as reported by the transceiver.
type DeviceRemoteRecord struct {
	DeviceID   string `json:"deviceId"`
	RemoteType string `json:"remoteType"`
	UnitCode   int    `json:"unitCode"`
}

// SwitchInfo is what the presenter needs to register a switch.
type SwitchInfo struct {
	SwitchID     string
	DeviceID     string
	Button       Button
	Name         string
	RemoteName   string
	Manufacturer string
	Model        string
	SerialNumber string
}

func newSwitchInfo(remote RemoteConfig, device DeviceRemoteRecord, b Button) SwitchInfo {
	return SwitchInfo{
		SwitchID:     SwitchID(remote.DeviceID, b),
		DeviceID:     remote.DeviceID,
		Button:       b,
		Name:         fmt.Sprintf("%s %s", remote.Name, b),
		RemoteName:   remote.Name,
		Manufacturer: Manufacturer,
		Model:        device.RemoteType,
		SerialNumber: fmt.Sprintf("%s-%d-%s", remote.DeviceID, device.UnitCode, b),
	}
}

// RestoredSwitch is a switch the host platform still knows from an earlier run.
type RestoredSwitch struct {
	SwitchID string
	Name     string
}

// SwitchState is a read-only view of a registry entry.
type SwitchState struct {
	SwitchID string `json:"switch_id"`
	DeviceID string `json:"device_id"`
	Button   Button `json:"button"`
	Name     string `json:"name"`
	IsOn     bool   `json:"on"`
	// Active is false for restored entries that no remote has claimed yet.
	Active bool `json:"active"`
}

// remote is a materialized RFY remote. It owns its three switches.
type remote struct {
	config   RemoteConfig
	device   DeviceRemoteRecord
	switches map[Button]*Switch
	// settle is the pending stop settlement of the whole remote.
	settle *timerHandle
}

// each visits the switches of the remote in button order.
func (rm *remote) each(fn func(*Switch)) {
	for _, b := range Buttons {
		if sw, ok := rm.switches[b]; ok {
			fn(sw)
		}
	}
}

// Switch is one button of one remote as displayed to the host platform.
type Switch struct {
	id     string
	name   string
	remote *remote
	button Button
	isOn   bool
	ctl    *controller
	// autoOff is owned exclusively by this switch.
	autoOff *timerHandle
}

func (s *Switch) state() SwitchState {
	st := SwitchState{SwitchID: s.id, Name: s.name, IsOn: s.isOn, Active: s.ctl != nil}
	if deviceID, b, err := SplitSwitchID(s.id); err == nil {
		st.DeviceID = deviceID
		st.Button = b
	}
	return st
}
