// Package metrics holds the Prometheus collectors shared by the registry,
// the message dispatcher and the listen command.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "push_registry"

// Collector is nil-safe: every Observe method on a nil *Collector is a no-op,
// so components can take an optional collector without guarding each call.
type Collector struct {
	tokenUpdates  prometheus.Counter
	announcements prometheus.Counter
	fetches       *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	messages      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_updates_total",
			Help:      "Accepted push token updates.",
		}),
		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_announcements_total",
			Help:      "Cached tokens re-announced to listeners.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_fetches_total",
			Help:      "Synchronous token fetches by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Background token refreshes by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Inbound push messages by dispatch route.",
		}, []string{"route"}),
	}
	reg.MustRegister(c.tokenUpdates, c.announcements, c.fetches, c.refreshes, c.messages)
	return c
}

func (c *Collector) ObserveTokenUpdate() {
	if c != nil {
		c.tokenUpdates.Inc()
	}
}

func (c *Collector) ObserveAnnouncement() {
	if c != nil {
		c.announcements.Inc()
	}
}

func (c *Collector) ObserveFetch(result string) {
	if c != nil {
		c.fetches.WithLabelValues(result).Inc()
	}
}

func (c *Collector) ObserveRefresh(result string) {
	if c != nil {
		c.refreshes.WithLabelValues(result).Inc()
	}
}

func (c *Collector) ObserveMessage(route string) {
	if c != nil {
		c.messages.WithLabelValues(route).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
