package shutter

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects registry and command counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands   *prometheus.CounterVec
	switches   prometheus.Gauge
	switchOn   *prometheus.GaugeVec
	reconciled *prometheus.CounterVec
	linkEvents *prometheus.CounterVec
	listErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfy_commands_total",
			Help: "Commands sent to RFY remotes",
		}, []string{"device_id", "command"}),
		switches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rfy_switches",
			Help: "Switches currently held by the registry",
		}),
		switchOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rfy_switch_on",
			Help: "Last commanded switch state (1=on, 0=off)",
		}, []string{"switch_id"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfy_reconciled_remotes_total",
			Help: "Configured remotes seen during reconciliation by outcome",
		}, []string{"result"}),
		linkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfy_link_events_total",
			Help: "Transceiver link failures",
		}, []string{"event"}),
		listErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfy_list_remotes_errors_total",
			Help: "Failed remote list requests",
		}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.commands, m.switches, m.switchOn, m.reconciled, m.linkEvents, m.listErrors}
}

func (m *Metrics) command(deviceID, command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(deviceID, command).Inc()
}

func (m *Metrics) switchCount(n int) {
	if m == nil {
		return
	}
	m.switches.Set(float64(n))
}

func (m *Metrics) switchState(id string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.switchOn.WithLabelValues(id).Set(v)
}

func (m *Metrics) switchRemoved(id string) {
	if m == nil {
		return
	}
	m.switchOn.DeleteLabelValues(id)
}

func (m *Metrics) reconcile(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) link(kind LinkEventKind) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) listFailed() {
	if m == nil {
		return
	}
	m.listErrors.Inc()
}
