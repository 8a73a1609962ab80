package shutter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
	// lateStop makes Stop report success without preventing the callback,
	// as when a timer fires while it is being cancelled.
	lateStop bool
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	if !t.clock.lateStop {
		t.stopped = true
	}
	return true
}

// Advance moves the clock forward and runs every due callback in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) Up(deviceID string)   { m.Called(deviceID) }
func (m *mockCommander) Down(deviceID string) { m.Called(deviceID) }
func (m *mockCommander) Stop(deviceID string) { m.Called(deviceID) }

func newMockCommander() *mockCommander {
	m := &mockCommander{}
	m.On("Up", mock.Anything).Return()
	m.On("Down", mock.Anything).Return()
	m.On("Stop", mock.Anything).Return()
	return m
}

// fakePresenter remembers what the host platform would display.
type fakePresenter struct {
	mu           sync.Mutex
	registered   map[string]SwitchInfo
	values       map[string]bool
	registers    int
	unregistered []string
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{registered: map[string]SwitchInfo{}, values: map[string]bool{}}
}

func (p *fakePresenter) RegisterSwitch(info SwitchInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered[info.SwitchID] = info
	p.registers++
	return nil
}

func (p *fakePresenter) UnregisterSwitch(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registered, id)
	delete(p.values, id)
	p.unregistered = append(p.unregistered, id)
	return nil
}

func (p *fakePresenter) RefreshSwitch(id string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[id] = on
	return nil
}

func (p *fakePresenter) value(id string) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[id]
	return v, ok
}

type fakeTransceiver struct {
	mu        sync.Mutex
	initErr   error
	remotes   []DeviceRemoteRecord
	listErr   error
	hang      bool
	initCalls int
	listCalls int
	events    chan LinkEvent
}

func (f *fakeTransceiver) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeTransceiver) ListRemotes(ctx context.Context) ([]DeviceRemoteRecord, error) {
	f.mu.Lock()
	f.listCalls++
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.remotes, f.listErr
}

func (f *fakeTransceiver) Events() <-chan LinkEvent {
	return f.events
}

type harness struct {
	reg       *Registry
	clock     *fakeClock
	commander *mockCommander
	presenter *fakePresenter
	tr        *fakeTransceiver
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{},
		commander: newMockCommander(),
		presenter: newFakePresenter(),
		tr:        &fakeTransceiver{events: make(chan LinkEvent, 4)},
	}
	opts = append([]Option{WithClock(h.clock), WithLogger(discardLogger())}, opts...)
	h.reg = NewRegistry(h.tr, h.commander, h.presenter, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reg.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func seconds(v float64) *float64 { return &v }

var lounge = RemoteConfig{DeviceID: "0x01", Name: "Lounge", OpenCloseSeconds: seconds(3)}

var loungeDevice = DeviceRemoteRecord{DeviceID: "0x01", RemoteType: "RFY", UnitCode: 1}

func (h *harness) reconcile(t *testing.T, configured []RemoteConfig, device []DeviceRemoteRecord) {
	t.Helper()
	require.NoError(t, h.reg.Reconcile(context.Background(), configured, device))
}

func (h *harness) set(t *testing.T, id string, on bool) {
	t.Helper()
	require.NoError(t, h.reg.SetSwitch(context.Background(), id, on))
}

// states returns isOn per switch id. Going through the loop also flushes
// every callback posted before the call.
func (h *harness) states(t *testing.T) map[string]bool {
	t.Helper()
	list, err := h.reg.Switches(context.Background())
	require.NoError(t, err)
	out := make(map[string]bool, len(list))
	for _, st := range list {
		out[st.SwitchID] = st.IsOn
	}
	return out
}
