package irkd

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests        prometheus.Counter
	invalidRequests prometheus.Counter
	linesQueued     prometheus.Counter
	linesDelivered  prometheus.Counter
	linesDropped    prometheus.Counter
	reconnects      prometheus.Counter
	serverSessions  prometheus.Gauge
	channelSessions prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_requests_total",
			Help: "Valid relay requests accepted on the ingress.",
		}),
		invalidRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_invalid_requests_total",
			Help: "Requests dropped for schema or URL errors.",
		}),
		linesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_lines_queued_total",
			Help: "Lines enqueued on channel sessions.",
		}),
		linesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_lines_delivered_total",
			Help: "PRIVMSG lines handed to a server connection.",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_lines_dropped_total",
			Help: "Lines dropped on queue overflow, join failure or eviction.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irkd_reconnects_total",
			Help: "Reconnection attempts to IRC servers.",
		}),
		serverSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irkd_server_sessions",
			Help: "Live server sessions.",
		}),
		channelSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irkd_channel_sessions",
			Help: "Live channel sessions.",
		}),
	}
	r.MustRegister(m.requests, m.invalidRequests, m.linesQueued,
		m.linesDelivered, m.linesDropped, m.reconnects,
		m.serverSessions, m.channelSessions)
	return m
}
