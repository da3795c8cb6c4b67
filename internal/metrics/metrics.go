// Package metrics exposes the prometheus collectors of the watcher,
// trigger and agent subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "wud"

// Trigger run outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Collector is a prometheus.Collector. A nil *Collector records nothing.
type Collector struct {
	triggerCount   *prometheus.CounterVec
	watcherTotal   *prometheus.GaugeVec
	watcherUpdates *prometheus.GaugeVec
	agentConnected *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		triggerCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "trigger_count",
				Help:      "Total count of trigger runs.",
			}, []string{"type", "name", "status"},
		),
		watcherTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "watcher_total_count",
				Help:      "The number of containers seen by a watcher.",
			}, []string{"type", "name"},
		),
		watcherUpdates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "watcher_update_count",
				Help:      "The number of containers with an update available.",
			}, []string{"type", "name"},
		),
		agentConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "agent_connected",
				Help:      "1 when the agent event stream is connected.",
			}, []string{"agent"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.triggerCount.Describe(ch)
	c.watcherTotal.Describe(ch)
	c.watcherUpdates.Describe(ch)
	c.agentConnected.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.triggerCount.Collect(ch)
	c.watcherTotal.Collect(ch)
	c.watcherUpdates.Collect(ch)
	c.agentConnected.Collect(ch)
}

func (c *Collector) TriggerRun(typ, name string, err error) {
	if c == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	c.triggerCount.WithLabelValues(typ, name, status).Inc()
}

func (c *Collector) WatcherCounts(typ, name string, total, updates int) {
	if c == nil {
		return
	}
	c.watcherTotal.WithLabelValues(typ, name).Set(float64(total))
	c.watcherUpdates.WithLabelValues(typ, name).Set(float64(updates))
}

func (c *Collector) AgentConnected(agent string, connected bool) {
	if c == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	c.agentConnected.WithLabelValues(agent).Set(v)
}

// Handler registers the collector on a fresh registry and serves it.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
