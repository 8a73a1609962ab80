// Package gateway talks to an RFXtrx transceiver exposed on MQTT by a
// serial-to-MQTT gateway.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/mqttmgr"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

const (
	DefaultBaseTopic = "rfxtrx"

	stateOnline  = "online"
	stateOffline = "offline"
	stateError   = "error"
)

type listResult struct {
	records []shutter.DeviceRemoteRecord
	err     error
}

// Gateway implements shutter.Transceiver and shutter.Commander.
type Gateway struct {
	mqtt mqttmgr.Manager
	base string
	log  *slog.Logger

	events chan shutter.LinkEvent

	subMu      sync.Mutex
	subscribed bool

	mu      sync.Mutex
	online  bool
	waiters []chan struct{}
	pending chan listResult

	// listMu serializes list requests; the response carries no correlation id.
	listMu sync.Mutex
}

var (
	_ shutter.Transceiver = (*Gateway)(nil)
	_ shutter.Commander   = (*Gateway)(nil)
)

func New(m mqttmgr.Manager, baseTopic string, logger *slog.Logger) *Gateway {
	if baseTopic == "" {
		baseTopic = DefaultBaseTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		mqtt:   m,
		base:   strings.TrimSuffix(baseTopic, "/"),
		log:    logger,
		events: make(chan shutter.LinkEvent, 8),
	}
}

func (g *Gateway) stateTopic() string   { return g.base + "/bridge/state" }
func (g *Gateway) listTopic() string    { return g.base + "/command/rfy/list" }
func (g *Gateway) remotesTopic() string { return g.base + "/rfy/remotes" }

func (g *Gateway) commandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/rfy/%s", g.base, deviceID)
}

// Initialize subscribes once and waits until the gateway reports online.
func (g *Gateway) Initialize(ctx context.Context) error {
	if err := g.subscribe(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.online {
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		g.log.Info("RFXtrx initialized")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for gateway: %w", ctx.Err())
	}
}

func (g *Gateway) subscribe() error {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	if g.subscribed {
		return nil
	}
	if err := g.mqtt.Subscribe(g.remotesTopic(), 1, g.handleRemotes); err != nil {
		return fmt.Errorf("subscribe remotes: %w", err)
	}
	// Retained, so handleState may run before Subscribe returns.
	if err := g.mqtt.Subscribe(g.stateTopic(), 1, g.handleState); err != nil {
		return fmt.Errorf("subscribe bridge state: %w", err)
	}
	g.subscribed = true
	return nil
}

func (g *Gateway) handleState(_ mqtt.Client, msg mqtt.Message) {
	state := strings.ToLower(strings.TrimSpace(string(msg.Payload())))

	g.mu.Lock()
	wasOnline := g.online
	switch state {
	case stateOnline:
		g.online = true
		for _, w := range g.waiters {
			close(w)
		}
		g.waiters = nil
	case stateOffline, stateError:
		g.online = false
	}
	g.mu.Unlock()

	switch {
	case state == stateOffline && wasOnline:
		g.emit(shutter.LinkEvent{Kind: shutter.LinkDisconnected})
	case state == stateError:
		g.emit(shutter.LinkEvent{Kind: shutter.LinkConnectFailed, Err: fmt.Errorf("gateway reported %s", state)})
	}
}

func (g *Gateway) emit(ev shutter.LinkEvent) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("dropping transceiver event", "event", ev.Kind)
	}
}

func (g *Gateway) Events() <-chan shutter.LinkEvent {
	return g.events
}

// ListRemotes asks the gateway for its RFY remotes and waits for the answer.
func (g *Gateway) ListRemotes(ctx context.Context) ([]shutter.DeviceRemoteRecord, error) {
	g.listMu.Lock()
	defer g.listMu.Unlock()

	resp := make(chan listResult, 1)
	g.mu.Lock()
	g.pending = resp
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
	}()

	if err := g.mqtt.Publish(g.listTopic(), 1, false, ""); err != nil {
		return nil, fmt.Errorf("request remote list: %w", err)
	}

	select {
	case r := <-resp:
		return r.records, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for remote list: %w", ctx.Err())
	}
}

func (g *Gateway) handleRemotes(_ mqtt.Client, msg mqtt.Message) {
	// A retained list belongs to an earlier request.
	if msg.Retained() {
		return
	}

	var r listResult
	if err := json.Unmarshal(msg.Payload(), &r.records); err != nil {
		r.err = fmt.Errorf("parse remote list: %w", err)
	}

	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	if pending == nil {
		g.log.Debug("unsolicited remote list", "remotes", len(r.records))
		return
	}
	pending <- r
}

func (g *Gateway) Up(deviceID string)   { g.send(deviceID, "up") }
func (g *Gateway) Down(deviceID string) { g.send(deviceID, "down") }
func (g *Gateway) Stop(deviceID string) { g.send(deviceID, "stop") }

// send is fire and forget; it never waits for the broker.
func (g *Gateway) send(deviceID, command string) {
	if err := g.mqtt.PublishAsync(g.commandTopic(deviceID), 1, false, command); err != nil {
		g.log.Error("send RFY command", "device_id", deviceID, "command", command, "error", err)
	}
}

// Close drops the gateway subscriptions.
func (g *Gateway) Close() error {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	if !g.subscribed {
		return nil
	}
	g.subscribed = false
	return g.mqtt.Unsubscribe(g.stateTopic(), g.remotesTopic())
}

// Resubscribe restores the subscriptions after the MQTT session was reset.
func (g *Gateway) Resubscribe() error {
	g.subMu.Lock()
	g.subscribed = false
	g.subMu.Unlock()
	return g.subscribe()
}
