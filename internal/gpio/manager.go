// Package gpio drives RFY remotes wired to GPIO outputs and reads wall
// buttons on GPIO inputs.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

var ErrChipNotOpened = errors.New("chip not opened")

// Line is the part of *gpiod.Line the manager uses.
type Line interface {
	SetValue(value int) error
	Value() (int, error)
	Close() error
}

// Chip requests lines from a GPIO character device.
type Chip interface {
	RequestOutput(offset, value int) (Line, error)
	RequestInput(offset int, pullUp bool, handler func(gpiod.LineEvent)) (Line, error)
	Close() error
}

type gpiodChip struct {
	chip *gpiod.Chip
}

// OpenChip opens a chip such as "gpiochip0".
func OpenChip(name string) (Chip, error) {
	c, err := gpiod.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", name, err)
	}
	return &gpiodChip{chip: c}, nil
}

func (c *gpiodChip) RequestOutput(offset, value int) (Line, error) {
	return c.chip.RequestLine(offset, gpiod.AsOutput(value))
}

func (c *gpiodChip) RequestInput(offset int, pullUp bool, handler func(gpiod.LineEvent)) (Line, error) {
	opts := []gpiod.LineReqOption{
		gpiod.AsInput,
		gpiod.WithBothEdges,
		gpiod.WithEventHandler(handler),
	}
	if pullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	return c.chip.RequestLine(offset, opts...)
}

func (c *gpiodChip) Close() error {
	return c.chip.Close()
}

// Manager owns one chip and every line requested from it.
type Manager struct {
	chipName string
	open     func(string) (Chip, error)

	mu      sync.Mutex
	chip    Chip
	outputs map[string]Line
	inputs  []Line
}

func NewManager(chipName string) *Manager {
	return newManager(chipName, OpenChip)
}

func newManager(chipName string, open func(string) (Chip, error)) *Manager {
	return &Manager{
		chipName: chipName,
		open:     open,
		outputs:  make(map[string]Line),
	}
}

// Open opens the chip unless it is already open.
func (g *Manager) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip != nil {
		return nil
	}
	chip, err := g.open(g.chipName)
	if err != nil {
		return err
	}
	g.chip = chip
	return nil
}

// SetupOutput requests pin as an output named name, starting at value.
// Requesting a name twice keeps the first line.
func (g *Manager) SetupOutput(name string, pin, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return ErrChipNotOpened
	}
	if _, ok := g.outputs[name]; ok {
		return nil
	}
	line, err := g.chip.RequestOutput(pin, value)
	if err != nil {
		return fmt.Errorf("request output pin %d: %w", pin, err)
	}
	g.outputs[name] = line
	return nil
}

// SetupInput requests pin as an input reporting both edges to handler.
func (g *Manager) SetupInput(pin int, pullUp bool, handler func(gpiod.LineEvent)) (Line, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return nil, ErrChipNotOpened
	}
	line, err := g.chip.RequestInput(pin, pullUp, handler)
	if err != nil {
		return nil, fmt.Errorf("request input pin %d: %w", pin, err)
	}
	g.inputs = append(g.inputs, line)
	return line, nil
}

func (g *Manager) SetOutput(name string, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	line, ok := g.outputs[name]
	if !ok {
		return fmt.Errorf("output %s not found", name)
	}
	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("set output %s: %w", name, err)
	}
	return nil
}

// Close releases every line and the chip.
func (g *Manager) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for _, line := range g.inputs {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input line: %w", err))
		}
	}
	g.inputs = nil

	for name, line := range g.outputs {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output line %s: %w", name, err))
		}
	}
	g.outputs = make(map[string]Line)

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errors.Join(errs...)
}

// pinValue converts a logical level to a pin value considering inversion.
func pinValue(active, inverted bool) int {
	if active != inverted {
		return 1
	}
	return 0
}
