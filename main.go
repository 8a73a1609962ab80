package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/api"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/broker"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/gateway"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/gpio"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/homeassistant"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/mqttmgr"
	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

const (
	// ANSI color codes for terminal output
	ColorGreen = "\033[32m"
	ColorReset = "\033[0m"
)

const shutdownTimeout = 5 * time.Second

// transceiver is what the registry needs from the radio side.
type transceiver interface {
	shutter.Transceiver
	shutter.Commander
}

// Application represents the main application state
type Application struct {
	config     Config
	configFile string
	log        *slog.Logger

	broker    *broker.Broker
	conn      *mqttmgr.Conn
	mqtt      mqttmgr.Manager
	gpio      *gpio.Manager
	gateway   *gateway.Gateway
	remotes   *gpio.Remotes
	buttons   *gpio.Buttons
	presenter *homeassistant.Presenter
	registry  *shutter.Registry
	metrics   *shutter.Metrics
	server    *api.Server

	recallWindow time.Duration

	cancel  context.CancelFunc
	runDone chan struct{}

	// bootMu serializes bootstraps so the newest remote list lands last.
	bootMu sync.Mutex

	mu         sync.Mutex
	started    bool
	bootCancel context.CancelFunc
	boots      int
}

// NewApplication creates a new application instance
func NewApplication(configFile string) (*Application, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &Application{
		config:       cfg,
		configFile:   configFile,
		log:          newLogger(cfg.Debug),
		metrics:      shutter.NewMetrics(),
		recallWindow: homeassistant.DefaultRecallWindow,
	}, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// StartBroker runs the embedded broker when enabled.
func (app *Application) StartBroker() error {
	bc := app.config.MQTT.EmbeddedBroker
	if !bc.Enabled {
		return nil
	}
	b, err := broker.New(broker.Options{
		Address:  bc.Address,
		User:     app.config.MQTT.User,
		Password: app.config.MQTT.Password,
		Logger:   app.log.With("component", "broker"),
	})
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	app.broker = b
	return nil
}

// InitializeMQTT connects to MQTT broker and sets up connection handler
func (app *Application) InitializeMQTT() error {
	conn, err := mqttmgr.Connect(mqttmgr.Options{
		Broker:      app.config.MQTT.Broker,
		User:        app.config.MQTT.User,
		Password:    app.config.MQTT.Password,
		ClientID:    app.config.MQTT.ClientID,
		TopicPrefix: app.config.MQTT.TopicPrefix,
		OnConnect:   app.onReconnect,
		Logger:      app.log.With("component", "mqtt"),
	})
	if err != nil {
		return err
	}
	log.Printf("%sConnected%s to MQTT", ColorGreen, ColorReset)
	app.conn = conn
	app.mqtt = conn
	return nil
}

// onReconnect restores subscriptions and republishes the switches after the
// broker session was lost. The first connect is handled by Start.
func (app *Application) onReconnect(mqttmgr.Manager) {
	app.mu.Lock()
	started := app.started
	app.mu.Unlock()
	if !started {
		return
	}

	if app.gateway != nil {
		if err := app.gateway.Resubscribe(); err != nil {
			app.log.Error("resubscribe gateway", "error", err)
		}
	}
	if err := app.presenter.Listen(app.handleSet); err != nil {
		app.log.Error("resubscribe commands", "error", err)
	}
	app.logBootstrap(app.bootstrap())
}

// newTransceiver builds the radio backend selected in the config.
func (app *Application) newTransceiver() transceiver {
	tc := app.config.Transceiver
	if tc.Kind == TransceiverGPIO {
		wired := make([]gpio.RemoteConfig, 0, len(tc.GPIO.Remotes))
		for _, w := range tc.GPIO.Remotes {
			wired = append(wired, gpio.RemoteConfig{
				DeviceID:  w.DeviceID,
				UpPin:     w.Up,
				DownPin:   w.Down,
				StopPin:   w.Stop,
				ActiveLow: w.ActiveLow,
			})
		}
		pulse := time.Duration(tc.GPIO.PulseMS) * time.Millisecond
		app.remotes = gpio.NewRemotes(app.gpioManager(), wired, pulse, app.log.With("component", "gpio"))
		return app.remotes
	}

	app.gateway = gateway.New(app.mqtt, tc.Gateway.Topic, app.log.With("component", "rfxtrx"))
	return app.gateway
}

func (app *Application) gpioManager() *gpio.Manager {
	if app.gpio == nil {
		app.gpio = gpio.NewManager(app.config.Transceiver.GPIO.Chip)
	}
	return app.gpio
}

// Start builds the registry, restores the switches from the previous run and
// reconciles them against the transceiver.
func (app *Application) Start() error {
	app.presenter = homeassistant.NewPresenter(app.mqtt, homeassistant.Options{
		DiscoveryPrefix: app.config.MQTT.DiscoveryPrefix,
		NodeID:          app.config.MQTT.NodeID,
		SWVersion:       FirmwareVersion,
		Logger:          app.log.With("component", "homeassistant"),
	})

	t := app.newTransceiver()
	app.registry = shutter.NewRegistry(t, t, app.presenter,
		shutter.WithLogger(app.log.With("component", "rfy")),
		shutter.WithMetrics(app.metrics),
		shutter.WithListTimeout(time.Duration(app.config.Transceiver.ListTimeout)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.runDone = make(chan struct{})
	go func() {
		defer close(app.runDone)
		if err := app.registry.Run(ctx); err != nil {
			app.log.Error("registry stopped", "error", err)
		}
	}()

	restored, err := app.presenter.Recall(ctx, app.recallWindow)
	if err != nil {
		app.log.Warn("could not recall switches", "error", err)
	}
	if err := app.registry.Restore(ctx, restored); err != nil {
		return fmt.Errorf("restore switches: %w", err)
	}

	if err := app.presenter.Listen(app.handleSet); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	app.startButtons()
	app.startHTTP()

	app.mu.Lock()
	app.started = true
	app.mu.Unlock()

	go func() { app.logBootstrap(app.bootstrap()) }()
	return nil
}

// bootstrap reconciles the registry against the current remote list. Only one
// runs at a time, and a Reload cancels the one in flight.
func (app *Application) bootstrap() error {
	app.bootMu.Lock()
	defer app.bootMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.mu.Lock()
	remotes := app.config.Remotes
	app.bootCancel = cancel
	app.boots++
	run := app.boots
	app.mu.Unlock()

	app.log.Debug("bootstrapping RFY remotes", "run", run, "remotes", len(remotes))
	return app.registry.Bootstrap(ctx, remotes)
}

// cancelBootstrap stops a bootstrap still waiting on the transceiver. Callers
// hold app.mu.
func (app *Application) cancelBootstrap() {
	if app.bootCancel != nil {
		app.bootCancel()
		app.bootCancel = nil
	}
}

func (app *Application) logBootstrap(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Bootstrap failed: %v", err)
	}
}

func (app *Application) handleSet(switchID string, on bool) {
	if err := app.registry.SetSwitch(context.Background(), switchID, on); err != nil {
		app.log.Warn("set switch", "switch_id", switchID, "on", on, "error", err)
	}
}

func (app *Application) startButtons() {
	var cfgs []gpio.ButtonConfig
	for _, b := range app.config.Buttons {
		if !isEnabled(b.Enabled) {
			continue
		}
		cfgs = append(cfgs, gpio.ButtonConfig{
			Name:     b.Name,
			Pin:      b.Pin,
			PullUp:   b.PullUp,
			Inverted: b.Inverted,
			SwitchID: b.Switch,
		})
	}
	if len(cfgs) == 0 {
		return
	}

	app.buttons = gpio.NewButtons(app.gpioManager(), cfgs, func(switchID string) {
		app.handleSet(switchID, true)
	}, app.log.With("component", "buttons"))
	if err := app.buttons.Start(); err != nil {
		// Continue without buttons - MQTT control still works
		log.Printf("Error starting buttons: %v", err)
	}
}

func (app *Application) startHTTP() {
	if !isEnabled(app.config.HTTP.Enabled) {
		return
	}

	metrics := app.metrics.Collectors()
	if app.broker != nil {
		metrics = append(metrics, app.broker.Collectors()...)
	}
	registry := api.MetricsRegistry(FirmwareVersion, metrics...)
	registry.MustRegister(collectors.NewGoCollector())

	app.server = api.NewServer(app.registry, registry, app.mqtt.IsConnected, app.log.With("component", "http"))
	go func() {
		if err := app.server.Start(app.config.HTTP.Address); err != nil {
			log.Printf("HTTP server failed: %v", err)
		}
	}()
}

// Reload reloads configuration from disk and reconciles the remote list.
// Transceiver, button and HTTP changes take effect on restart.
func (app *Application) Reload() error {
	newConfig, err := loadConfig(app.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app.mu.Lock()
	if newConfig.Transceiver.Kind != app.config.Transceiver.Kind {
		log.Printf("Warning: transceiver change from %s to %s needs a restart", app.config.Transceiver.Kind, newConfig.Transceiver.Kind)
	}
	app.config.Remotes = newConfig.Remotes
	app.cancelBootstrap()
	app.mu.Unlock()

	if err := app.bootstrap(); err != nil {
		return fmt.Errorf("reconcile remotes: %w", err)
	}

	log.Println("Configuration reload complete.")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	var errs []error

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, app.server.Shutdown(ctx))
		cancel()
	}
	if app.presenter != nil && app.mqtt.IsConnected() {
		errs = append(errs, app.presenter.StopListening())
	}

	app.mu.Lock()
	app.started = false
	app.cancelBootstrap()
	app.mu.Unlock()

	if app.cancel != nil {
		app.cancel()
		<-app.runDone
	}

	if app.remotes != nil {
		app.remotes.Close()
	}
	if app.gpio != nil {
		errs = append(errs, app.gpio.Close())
	}
	if app.gateway != nil && app.mqtt.IsConnected() {
		errs = append(errs, app.gateway.Close())
	}

	// Publish offline status and disconnect
	if app.conn != nil {
		app.conn.Close()
	}
	if app.broker != nil {
		errs = append(errs, app.broker.Close())
	}

	return errors.Join(errs...)
}

// main is the entry point of the application
func main() {
	log.Printf("RFY MQTT Bridge v%s", FirmwareVersion)

	// Determine configuration file path from command line or use default
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	app, err := NewApplication(configFile)
	if err != nil {
		log.Fatalf("Critical: %v", err)
	}

	if err := app.StartBroker(); err != nil {
		log.Fatalf("Embedded broker failed: %v", err)
	}

	if err := app.InitializeMQTT(); err != nil {
		log.Fatalf("MQTT initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	// Setup signal handling for graceful shutdown and config reload
	log.Println("Running. Press Ctrl+C to exit, or send SIGHUP to reload config.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		s := <-sig
		if s == syscall.SIGHUP {
			log.Println("Received SIGHUP - Reloading configuration...")
			if err := app.Reload(); err != nil {
				log.Printf("Reload failed: %v", err)
			}
		} else {
			break
		}
	}

	log.Println("Shutting down...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
