// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_open",
		Help: "Currently open gateway connections.",
	})

	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_sent_total",
		Help: "Dispatch events sent, by event type.",
	}, []string{"type"})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_closed_total",
		Help: "Connections closed, by close code.",
	}, []string{"code"})

	IdentifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_identify_duration_seconds",
		Help:    "Time from identify receipt to Ready sent.",
		Buckets: prometheus.DefBuckets,
	})
)
