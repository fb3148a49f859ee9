// Package metrics exposes bridge activity and thermostat readings to
// Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
)

const namespace = "nolongerevil"

// Collector implements platform.Recorder on a private registry
type Collector struct {
	registry *prometheus.Registry

	refreshes  *prometheus.CounterVec
	commands   *prometheus.CounterVec
	discovery  *prometheus.CounterVec
	discovered prometheus.Gauge
	failed     prometheus.Gauge

	temperature *prometheus.GaugeVec
	target      *prometheus.GaugeVec
	targetLow   *prometheus.GaugeVec
	targetHigh  *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	activity    *prometheus.GaugeVec
	away        *prometheus.GaugeVec

	mu    sync.Mutex
	names map[string]string
}

// New creates a collector with its own registry, which also carries the Go
// and process collectors
func New() *Collector {
	device := []string{"serial", "name"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Thermostat status polls by result",
		}, []string{"serial", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to the backend by kind and result",
		}, []string{"serial", "kind", "result"}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_runs_total",
			Help:      "Discovery sweeps by result",
		}, []string{"result"}),
		discovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_thermostats",
			Help:      "Thermostats loaded by the last discovery sweep",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_failed_thermostats",
			Help:      "Thermostats whose status failed to load in the last sweep",
		}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_temperature_celsius",
			Help:      "Current ambient temperature",
		}, device),
		target: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_celsius",
			Help:      "Target temperature",
		}, device),
		targetLow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_low_celsius",
			Help:      "Heating threshold of the heat-cool range",
		}, device),
		targetHigh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_high_celsius",
			Help:      "Cooling threshold of the heat-cool range",
		}, device),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "humidity_percent",
			Help:      "Relative humidity",
		}, device),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hvac_mode",
			Help:      "HVAC mode (0=off, 1=heat, 2=cool, 3=heat-cool)",
		}, device),
		activity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hvac_state",
			Help:      "HVAC activity (0=off, 1=heating, 2=cooling)",
		}, device),
		away: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "away_bool",
			Help:      "Away mode (1=away, 0=home)",
		}, device),
		names: make(map[string]string),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.refreshes, c.commands, c.discovery, c.discovered, c.failed,
		c.temperature, c.target, c.targetLow, c.targetHigh,
		c.humidity, c.mode, c.activity, c.away,
	)
	return c
}

// Registry returns the registry the collector writes to
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRefresh implements platform.Recorder
func (c *Collector) ObserveRefresh(serial string, err error) {
	c.refreshes.WithLabelValues(serial, result(err)).Inc()
}

// ObserveCommand implements platform.Recorder
func (c *Collector) ObserveCommand(serial string, kind platform.CommandKind, err error) {
	c.commands.WithLabelValues(serial, string(kind), result(err)).Inc()
}

// ObserveDiscovery implements platform.Recorder
func (c *Collector) ObserveDiscovery(found, failed int, err error) {
	c.discovery.WithLabelValues(discoveryResult(err)).Inc()
	if err != nil && !errors.Is(err, platform.ErrNoDevices) {
		return
	}
	c.discovered.Set(float64(found))
	c.failed.Set(float64(failed))
}

// ObserveState implements platform.Recorder. A renamed thermostat drops
// the series under its old name.
func (c *Collector) ObserveState(state nle.ThermostatState) {
	c.mu.Lock()
	if old, ok := c.names[state.Serial]; ok && old != state.Name {
		c.deleteLocked(state.Serial, old)
	}
	c.names[state.Serial] = state.Name
	c.mu.Unlock()

	labels := []string{state.Serial, state.Name}
	c.temperature.WithLabelValues(labels...).Set(state.CurrentTemperature)
	c.target.WithLabelValues(labels...).Set(state.TargetTemperature)
	c.targetLow.WithLabelValues(labels...).Set(state.TargetTemperatureLow)
	c.targetHigh.WithLabelValues(labels...).Set(state.TargetTemperatureHigh)
	c.humidity.WithLabelValues(labels...).Set(state.Humidity)
	c.mode.WithLabelValues(labels...).Set(float64(platform.ModeCode(state.HVACMode)))
	c.activity.WithLabelValues(labels...).Set(float64(platform.ActivityCode(state.HVACState)))
	c.away.WithLabelValues(labels...).Set(boolValue(state.AwayMode))
}

// ForgetDevice implements platform.Recorder
func (c *Collector) ForgetDevice(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.names[serial]; ok {
		c.deleteLocked(serial, name)
		delete(c.names, serial)
	}
	c.refreshes.DeletePartialMatch(prometheus.Labels{"serial": serial})
	c.commands.DeletePartialMatch(prometheus.Labels{"serial": serial})
}

func (c *Collector) deleteLocked(serial, name string) {
	for _, g := range []*prometheus.GaugeVec{
		c.temperature, c.target, c.targetLow, c.targetHigh,
		c.humidity, c.mode, c.activity, c.away,
	} {
		g.DeleteLabelValues(serial, name)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func discoveryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, platform.ErrNoDevices):
		return "empty"
	}
	return "error"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
