package shutter

import (
	"context"
	"time"
)

// Transceiver is the radio hardware that knows which remotes exist.
type Transceiver interface {
	// Initialize completes once the transceiver is ready. Calling it again is a no-op.
	Initialize(ctx context.Context) error
	// ListRemotes asks the hardware for its remotes and waits for the single answer.
	ListRemotes(ctx context.Context) ([]DeviceRemoteRecord, error)
	// Events streams link failures. The channel may be nil.
	Events() <-chan LinkEvent
}

// Commander sends physical commands. Commands are fire and forget.
type Commander interface {
	Up(deviceID string)
	Down(deviceID string)
	Stop(deviceID string)
}

// Presenter is the host platform that displays switches.
type Presenter interface {
	RegisterSwitch(info SwitchInfo) error
	UnregisterSwitch(switchID string) error
	RefreshSwitch(switchID string, isOn bool) error
}

// LinkEventKind names a transceiver link failure.
type LinkEventKind string

const (
	LinkDisconnected  LinkEventKind = "disconnect"
	LinkConnectFailed LinkEventKind = "connect_failed"
)

// LinkEvent reports a transceiver link failure.
type LinkEvent struct {
	Kind LinkEventKind
	Err  error
}

// Clock schedules callbacks. Tests swap it for a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

// timerHandle identifies one scheduled callback. The callback only takes
// effect while its handle is still the one stored by the owner.
type timerHandle struct {
	timer Timer
}

func (h *timerHandle) cancel() {
	if h != nil && h.timer != nil {
		h.timer.Stop()
	}
}
