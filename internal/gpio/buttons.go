package gpio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// debounceStabilityTime is the button debounce stability window.
const debounceStabilityTime = 100 * time.Millisecond

// ButtonConfig maps a wall button to the switch it presses.
type ButtonConfig struct {
	Name     string
	Pin      int
	PullUp   bool
	Inverted bool
	SwitchID string
}

// PressFunc is called with the switch id of a pressed button.
type PressFunc func(switchID string)

type button struct {
	cfg ButtonConfig

	mu              sync.Mutex
	lastStableState bool
	lastStableTime  time.Time
}

// Buttons turns debounced GPIO presses into switch set requests.
type Buttons struct {
	gpio  *Manager
	log   *slog.Logger
	press PressFunc
	now   func() time.Time

	buttons []*button
}

func NewButtons(g *Manager, cfgs []ButtonConfig, press PressFunc, logger *slog.Logger) *Buttons {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buttons{gpio: g, log: logger, press: press, now: time.Now}
	for _, cfg := range cfgs {
		b.buttons = append(b.buttons, &button{cfg: cfg})
	}
	return b
}

// Start opens the chip and requests every input. A button that cannot be
// requested is logged and skipped.
func (b *Buttons) Start() error {
	if len(b.buttons) == 0 {
		return nil
	}
	if err := b.gpio.Open(); err != nil {
		return err
	}

	requested := 0
	for _, btn := range b.buttons {
		if _, err := b.gpio.SetupInput(btn.cfg.Pin, btn.cfg.PullUp, b.eventHandler(btn)); err != nil {
			b.log.Error("setup button", "button", btn.cfg.Name, "pin", btn.cfg.Pin, "error", err)
			continue
		}
		requested++
	}
	if requested == 0 {
		return fmt.Errorf("no button could be requested")
	}
	return nil
}

func (b *Buttons) eventHandler(btn *button) func(gpiod.LineEvent) {
	return func(evt gpiod.LineEvent) {
		now := b.now()
		isPressed := isPressedFromEdge(evt.Type, btn.cfg.Inverted)

		btn.mu.Lock()
		if isPressed == btn.lastStableState {
			btn.mu.Unlock()
			return
		}
		if !isStableStateChange(now, btn.lastStableTime, debounceStabilityTime) {
			btn.mu.Unlock()
			return
		}
		btn.lastStableState = isPressed
		btn.lastStableTime = now
		btn.mu.Unlock()

		// Only a press acts; the release just rearms the debounce.
		if isPressed {
			b.log.Info("button pressed", "button", btn.cfg.Name, "switch_id", btn.cfg.SwitchID)
			b.press(btn.cfg.SwitchID)
		}
	}
}

// isPressedFromEdge determines if button is pressed based on edge type and inversion
func isPressedFromEdge(evtType gpiod.LineEventType, inverted bool) bool {
	if inverted {
		return evtType == gpiod.LineEventFallingEdge
	}
	return evtType == gpiod.LineEventRisingEdge
}

// isStableStateChange checks if enough time has passed since last stable state change
func isStableStateChange(now, lastStableTime time.Time, debounceTime time.Duration) bool {
	return now.Sub(lastStableTime) >= debounceTime
}
