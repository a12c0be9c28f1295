// Package metrics exposes Prometheus collectors for the chat server.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors used across the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	EventsEmitted   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	MessagesSent    prometheus.Counter
	CallSignals     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BusMessages     *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "ws_connections",
			Help:      "Open websocket connections on this node.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_users",
			Help:      "Identities with at least one connection on this node.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_emitted_total",
			Help:      "Real-time events queued to connections.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_dropped_total",
			Help:      "Real-time events dropped because a send buffer was full.",
		}, []string{"event"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted.",
		}),
		CallSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "call_signals_total",
			Help:      "Call handshake transitions by outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "bus_messages_total",
			Help:      "Cross-node event bus traffic.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.Connections, m.OnlineUsers, m.EventsEmitted, m.EventsDropped,
		m.MessagesSent, m.CallSignals, m.RequestDuration, m.BusMessages,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware observes request latency by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.RequestDuration.
				WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) Emitted(event string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Dropped(event string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) CallSignal(outcome string) {
	if m != nil {
		m.CallSignals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Bus(direction string) {
	if m != nil {
		m.BusMessages.WithLabelValues(direction).Inc()
	}
}
