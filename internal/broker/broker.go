// Package broker runs an embedded MQTT broker for installations without one.
package broker

import (
	"bytes"
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultAddress = ":1883"

type Options struct {
	Address string
	// User and Password, when set, are required from remote clients.
	// Local clients are always allowed.
	User     string
	Password string
	Logger   *slog.Logger
}

type Broker struct {
	server  *mochi.Server
	log     *slog.Logger
	clients prometheus.Gauge
}

func New(o Options) (*Broker, error) {
	if o.Address == "" {
		o.Address = DefaultAddress
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	b := &Broker{
		server: mochi.New(&mochi.Options{Logger: o.Logger}),
		log:    o.Logger,
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rfy_broker_clients",
			Help: "Clients connected to the embedded broker",
		}),
	}

	if err := b.addAuth(o); err != nil {
		return nil, err
	}
	if err := b.server.AddHook(new(sessionHook), &sessionHookOptions{log: o.Logger, clients: b.clients}); err != nil {
		return nil, fmt.Errorf("add session hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: o.Address})
	if err := b.server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add listener %s: %w", o.Address, err)
	}
	return b, nil
}

func (b *Broker) addAuth(o Options) error {
	if o.User == "" {
		if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
			return fmt.Errorf("add allow hook: %w", err)
		}
		return nil
	}

	err := b.server.AddHook(new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{
			Auth: auth.AuthRules{ // Auth disallows all by default
				{Username: auth.RString(o.User), Password: auth.RString(o.Password), Allow: true},
				{Remote: "127.0.0.1:*", Allow: true},
				{Remote: "localhost:*", Allow: true},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add auth hook: %w", err)
	}
	return nil
}

// Start begins accepting clients.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve mqtt: %w", err)
	}
	b.log.Info("embedded MQTT broker started")
	return nil
}

func (b *Broker) Close() error {
	return b.server.Close()
}

func (b *Broker) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.clients}
}

type sessionHookOptions struct {
	log     *slog.Logger
	clients prometheus.Gauge
}

// sessionHook logs client sessions and keeps the client gauge current.
type sessionHook struct {
	mochi.HookBase
	log     *slog.Logger
	clients prometheus.Gauge
}

func (h *sessionHook) ID() string {
	return "rfy-session-hook"
}

func (h *sessionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
	}, []byte{b})
}

func (h *sessionHook) Init(config any) error {
	opts, ok := config.(*sessionHookOptions)
	if !ok || opts == nil {
		return mochi.ErrInvalidConfigType
	}
	h.log = opts.log
	h.clients = opts.clients
	return nil
}

func (h *sessionHook) OnSessionEstablished(cl *mochi.Client, pk packets.Packet) {
	h.clients.Inc()
	h.log.Debug("mqtt client connected", "client_id", cl.ID, "remote", cl.Net.Remote)
}

func (h *sessionHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.clients.Dec()
	h.log.Debug("mqtt client disconnected", "client_id", cl.ID, "error", err)
}
