// Package metrics declares the Prometheus collectors exported by the
// authority at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sketchsync",
		Name:      "rooms_active",
		Help:      "Rooms currently loaded in memory.",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sketchsync",
		Name:      "clients_connected",
		Help:      "Clients joined to a room.",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sketchsync",
		Name:      "commands_total",
		Help:      "Commands received by rooms, by outcome.",
	}, []string{"outcome"})

	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sketchsync",
		Name:      "persist_writes_total",
		Help:      "Command log writes, by backend and result.",
	}, []string{"backend", "result"})

	EvictedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sketchsync",
		Name:      "evicted_clients_total",
		Help:      "Connections closed because their send queue was full.",
	})

	RejectedJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sketchsync",
		Name:      "rejected_joins_total",
		Help:      "Join attempts refused for bad credentials.",
	})
)

const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeForbidden = "forbidden"
)
