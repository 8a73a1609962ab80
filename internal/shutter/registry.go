package shutter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Registry owns every remote and switch. All state lives on the goroutine
// running Run; other goroutines reach it through do and post.
type Registry struct {
	transceiver Transceiver
	commander   Commander
	presenter   Presenter
	clock       Clock
	log         *slog.Logger
	metrics     *Metrics
	stopGrace   time.Duration
	listTimeout time.Duration

	switches map[string]*Switch
	remotes  map[string]*remote

	work chan func()
	done chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records registry activity in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithStopGrace overrides the wait between a stop and the sibling settlement.
func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) { r.stopGrace = d }
}

// WithListTimeout bounds ListKnownRemotes. Zero waits forever.
func WithListTimeout(d time.Duration) Option {
	return func(r *Registry) { r.listTimeout = d }
}

// NewRegistry creates an empty registry. Nothing happens until Run is started.
func NewRegistry(t Transceiver, c Commander, p Presenter, opts ...Option) *Registry {
	r := &Registry{
		transceiver: t,
		commander:   c,
		presenter:   p,
		clock:       SystemClock(),
		log:         slog.Default(),
		stopGrace:   DefaultStopGrace,
		listTimeout: DefaultListTimeout,
		switches:    make(map[string]*Switch),
		remotes:     make(map[string]*remote),
		work:        make(chan func(), 64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes requests, timer callbacks and link events until ctx ends.
// It must be called exactly once.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.stopTimers()

	var events <-chan LinkEvent
	if r.transceiver != nil {
		events = r.transceiver.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.work:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.linkEvent(ev)
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (r *Registry) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.work <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrRegistryClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Work posted after Run returned is dropped.
func (r *Registry) post(fn func()) {
	select {
	case r.work <- fn:
	case <-r.done:
	}
}

func (r *Registry) stopTimers() {
	for _, rm := range r.remotes {
		rm.settle.cancel()
		rm.settle = nil
	}
	for _, sw := range r.switches {
		sw.autoOff.cancel()
		sw.autoOff = nil
	}
}

func (r *Registry) linkEvent(ev LinkEvent) {
	r.metrics.link(ev.Kind)
	switch ev.Kind {
	case LinkDisconnected:
		r.log.Error("RFXtrx disconnect", "error", ev.Err)
	case LinkConnectFailed:
		r.log.Error("RFXtrx connect fail", "error", ev.Err)
	default:
		r.log.Warn("unknown transceiver event", "event", ev.Kind, "error", ev.Err)
	}
}

// ListKnownRemotes initializes the transceiver and asks it for its remotes.
// It runs on the caller's goroutine.
func (r *Registry) ListKnownRemotes(ctx context.Context) ([]DeviceRemoteRecord, error) {
	if r.listTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.listTimeout)
		defer cancel()
	}

	if err := r.transceiver.Initialize(ctx); err != nil {
		r.metrics.listFailed()
		return nil, fmt.Errorf("initialize transceiver: %w", err)
	}
	r.log.Debug("transceiver ready, listing remotes")

	remotes, err := r.transceiver.ListRemotes(ctx)
	if err != nil {
		r.metrics.listFailed()
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	return remotes, nil
}

// Bootstrap lists the device remotes and reconciles the configured ones
// against them. A failed listing is logged and leaves the registry untouched.
func (r *Registry) Bootstrap(ctx context.Context, configured []RemoteConfig) error {
	if len(configured) == 0 {
		return r.Reconcile(ctx, nil, nil)
	}

	device, err := r.ListKnownRemotes(ctx)
	if err != nil {
		r.log.Error("could not list RFY remotes", "error", err)
		return err
	}
	r.log.Info(fmt.Sprintf("received %d RFY remote(s) from transceiver", len(device)))

	return r.Reconcile(ctx, configured, device)
}

// Reconcile materializes every configured remote the device reports.
func (r *Registry) Reconcile(ctx context.Context, configured []RemoteConfig, device []DeviceRemoteRecord) error {
	return r.do(ctx, func() { r.reconcile(configured, device) })
}

func (r *Registry) reconcile(configured []RemoteConfig, device []DeviceRemoteRecord) {
	defer func() { r.metrics.switchCount(len(r.switches)) }()

	if len(configured) == 0 {
		r.log.Warn("no RFY remotes configured, removing all switches")
		r.removeAll()
		return
	}

	r.pruneUnconfigured(configured)

	for _, rc := range configured {
		dev, ok := findDevice(device, rc.DeviceID)
		if !ok {
			ids := make([]string, 0, len(device))
			for _, d := range device {
				ids = append(ids, d.DeviceID)
			}
			r.log.Error(fmt.Sprintf("RFY remote %s not found. Found: %s", rc.DeviceID, strings.Join(ids, ", ")))
			r.metrics.reconcile("missing")
			continue
		}
		r.materializeRemote(rc, dev)
		r.log.Info("added switches for RFY remote", "device_id", rc.DeviceID, "name", rc.Name)
		r.metrics.reconcile("added")
	}
}

func findDevice(device []DeviceRemoteRecord, deviceID string) (DeviceRemoteRecord, bool) {
	for _, d := range device {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return DeviceRemoteRecord{}, false
}

// pruneUnconfigured drops switches whose remote is no longer configured.
// Restored switches of configured remotes stay until a device lists them.
func (r *Registry) pruneUnconfigured(configured []RemoteConfig) {
	keep := make(map[string]struct{}, len(configured))
	for _, rc := range configured {
		keep[rc.DeviceID] = struct{}{}
	}
	for _, id := range r.sortedIDs() {
		deviceID, _, err := SplitSwitchID(id)
		if err == nil {
			if _, ok := keep[deviceID]; ok {
				continue
			}
		}
		r.removeAccessory(id)
	}
}

func (r *Registry) materializeRemote(rc RemoteConfig, dev DeviceRemoteRecord) {
	rm := &remote{
		config:   rc,
		device:   dev,
		switches: make(map[Button]*Switch, len(Buttons)),
	}
	for _, b := range Buttons {
		r.materializeSwitch(rm, b)
	}
	r.remotes[rc.DeviceID] = rm
}

func (r *Registry) materializeSwitch(rm *remote, b Button) {
	info := newSwitchInfo(rm.config, rm.device, b)

	if _, exists := r.switches[info.SwitchID]; exists {
		r.removeAccessory(info.SwitchID)
	}

	r.log.Info("adding RFY switch", "switch_id", info.SwitchID, "name", info.Name)
	sw := &Switch{id: info.SwitchID, name: info.Name, remote: rm, button: b}
	sw.ctl = &controller{reg: r, sw: sw}
	r.switches[sw.id] = sw
	rm.switches[b] = sw

	if err := r.presenter.RegisterSwitch(info); err != nil {
		r.log.Error("register switch", "switch_id", sw.id, "error", err)
	}
	r.setSwitch(sw, false)
}

// Restore loads switches the host platform remembers from an earlier run.
// They stay dormant until a reconciliation claims them.
func (r *Registry) Restore(ctx context.Context, records []RestoredSwitch) error {
	return r.do(ctx, func() {
		for _, rec := range records {
			if _, _, err := SplitSwitchID(rec.SwitchID); err != nil {
				r.log.Warn("ignoring restored switch", "error", err)
				continue
			}
			if existing, ok := r.switches[rec.SwitchID]; ok && existing.ctl != nil {
				r.log.Debug("restored switch already active", "switch_id", rec.SwitchID)
				continue
			}
			r.log.Info("loaded switch from cache", "switch_id", rec.SwitchID, "name", rec.Name)
			r.switches[rec.SwitchID] = &Switch{id: rec.SwitchID, name: rec.Name}
		}
		r.metrics.switchCount(len(r.switches))
	})
}

// RemoveAccessory unregisters a switch. Unknown ids are ignored.
func (r *Registry) RemoveAccessory(ctx context.Context, switchID string) error {
	return r.do(ctx, func() {
		r.removeAccessory(switchID)
		r.metrics.switchCount(len(r.switches))
	})
}

func (r *Registry) removeAccessory(switchID string) {
	sw, ok := r.switches[switchID]
	if !ok {
		return
	}

	sw.autoOff.cancel()
	sw.autoOff = nil
	if rm := sw.remote; rm != nil {
		delete(rm.switches, sw.button)
		if len(rm.switches) == 0 {
			rm.settle.cancel()
			rm.settle = nil
			if r.remotes[rm.config.DeviceID] == rm {
				delete(r.remotes, rm.config.DeviceID)
			}
		}
	}
	delete(r.switches, switchID)
	r.metrics.switchRemoved(switchID)

	if err := r.presenter.UnregisterSwitch(switchID); err != nil {
		r.log.Error("unregister switch", "switch_id", switchID, "error", err)
	}
	r.log.Info(fmt.Sprintf("%s (%s) removed", sw.name, switchID))
}

func (r *Registry) removeAll() {
	for _, id := range r.sortedIDs() {
		r.removeAccessory(id)
	}
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.switches))
	for id := range r.switches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetSwitch handles a set request from the host platform. It returns once the
// command is sent and the projection updated, not when timers fire.
func (r *Registry) SetSwitch(ctx context.Context, switchID string, on bool) error {
	var err error
	derr := r.do(ctx, func() {
		sw, ok := r.switches[switchID]
		if !ok || sw.ctl == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownSwitch, switchID)
			return
		}
		sw.ctl.handleSet(on)
	})
	return errors.Join(derr, err)
}

// Switches returns every entry sorted by switch id.
func (r *Registry) Switches(ctx context.Context) ([]SwitchState, error) {
	var out []SwitchState
	err := r.do(ctx, func() {
		out = make([]SwitchState, 0, len(r.switches))
		for _, id := range r.sortedIDs() {
			out = append(out, r.switches[id].state())
		}
	})
	return out, err
}

// Switch returns one entry, live or dormant, or ErrUnknownSwitch.
func (r *Registry) Switch(ctx context.Context, switchID string) (SwitchState, error) {
	var (
		st    SwitchState
		found bool
	)
	if err := r.do(ctx, func() {
		if sw, ok := r.switches[switchID]; ok {
			st, found = sw.state(), true
		}
	}); err != nil {
		return SwitchState{}, err
	}
	if !found {
		return SwitchState{}, fmt.Errorf("%w: %s", ErrUnknownSwitch, switchID)
	}
	return st, nil
}
