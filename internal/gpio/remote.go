package gpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

const (
	DefaultPulse = 250 * time.Millisecond
	RemoteType   = "GPIO"
)

var ErrNotInitialized = errors.New("wired remotes not initialized")

// RemoteConfig wires the three buttons of a physical remote to output pins.
type RemoteConfig struct {
	DeviceID  string
	UpPin     int
	DownPin   int
	StopPin   int
	ActiveLow bool
}

type press struct {
	output   string
	inverted bool
}

// Remotes presses the buttons of wired remotes. It implements
// shutter.Transceiver and shutter.Commander.
type Remotes struct {
	gpio    *Manager
	remotes []RemoteConfig
	pulse   time.Duration
	log     *slog.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	presses     chan press
	wg          sync.WaitGroup
}

var (
	_ shutter.Transceiver = (*Remotes)(nil)
	_ shutter.Commander   = (*Remotes)(nil)
)

func NewRemotes(g *Manager, remotes []RemoteConfig, pulse time.Duration, logger *slog.Logger) *Remotes {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remotes{
		gpio:    g,
		remotes: remotes,
		pulse:   pulse,
		log:     logger,
		presses: make(chan press, 16),
	}
}

func outputName(deviceID string, b shutter.Button) string {
	return shutter.SwitchID(deviceID, b)
}

// Initialize opens the chip and requests every output once.
func (r *Remotes) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if r.closed {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.gpio.Open(); err != nil {
		return err
	}

	for _, rc := range r.remotes {
		pins := map[shutter.Button]int{
			shutter.ButtonUp:   rc.UpPin,
			shutter.ButtonDown: rc.DownPin,
			shutter.ButtonStop: rc.StopPin,
		}
		for _, b := range shutter.Buttons {
			if err := r.gpio.SetupOutput(outputName(rc.DeviceID, b), pins[b], pinValue(false, rc.ActiveLow)); err != nil {
				return fmt.Errorf("setup %s %s: %w", rc.DeviceID, b, err)
			}
		}
	}

	r.wg.Add(1)
	go r.worker()
	r.initialized = true
	r.log.Info("wired RFY remotes initialized", "remotes", len(r.remotes))
	return nil
}

// ListRemotes reports the wired remotes in configuration order.
func (r *Remotes) ListRemotes(ctx context.Context) ([]shutter.DeviceRemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]shutter.DeviceRemoteRecord, 0, len(r.remotes))
	for i, rc := range r.remotes {
		out = append(out, shutter.DeviceRemoteRecord{DeviceID: rc.DeviceID, RemoteType: RemoteType, UnitCode: i + 1})
	}
	return out, nil
}

// Events is nil: a local chip has no link to lose.
func (r *Remotes) Events() <-chan shutter.LinkEvent {
	return nil
}

func (r *Remotes) Up(deviceID string)   { r.press(deviceID, shutter.ButtonUp) }
func (r *Remotes) Down(deviceID string) { r.press(deviceID, shutter.ButtonDown) }
func (r *Remotes) Stop(deviceID string) { r.press(deviceID, shutter.ButtonStop) }

func (r *Remotes) press(deviceID string, b shutter.Button) {
	var rc *RemoteConfig
	for i := range r.remotes {
		if r.remotes[i].DeviceID == deviceID {
			rc = &r.remotes[i]
			break
		}
	}
	if rc == nil {
		r.log.Error("no wired remote", "device_id", deviceID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized || r.closed {
		r.log.Error("wired remote not ready", "device_id", deviceID)
		return
	}
	select {
	case r.presses <- press{output: outputName(deviceID, b), inverted: rc.ActiveLow}:
	default:
		r.log.Warn("press queue full, dropping", "device_id", deviceID, "button", b)
	}
}

func (r *Remotes) worker() {
	defer r.wg.Done()
	for p := range r.presses {
		if err := r.gpio.SetOutput(p.output, pinValue(true, p.inverted)); err != nil {
			r.log.Error("press button", "output", p.output, "error", err)
			continue
		}
		time.Sleep(r.pulse)
		if err := r.gpio.SetOutput(p.output, pinValue(false, p.inverted)); err != nil {
			r.log.Error("release button", "output", p.output, "error", err)
		}
	}
}

// Close finishes queued presses. The caller closes the Manager.
func (r *Remotes) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.initialized
	close(r.presses)
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}
}
