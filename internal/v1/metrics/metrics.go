package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the broadcast relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: tcp, room (feature-level grouping)
// - name: specific metric (connections_active, commands_total, etc.)
//
// Metric Types:
// - Gauge: current state (connections, rooms, members, log bytes)
// - Counter: cumulative events (commands received, relayed, dropped)
// - Histogram: latency distributions (command processing time)

var (
	// ActiveConnections tracks the current number of live TCP connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "tcp",
		Name:      "connections_active",
		Help:      "Current number of active TCP connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of member connections in each room",
	}, []string{"room"})

	// RoomLogBytes tracks the on-wire size of each room's command log.
	RoomLogBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "log_bytes",
		Help:      "On-wire byte size of each room's command log",
	}, []string{"room"})

	// Commands counts protocol commands by type and outcome
	// (received, relayed, dropped, error).
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "tcp",
		Name:      "commands_total",
		Help:      "Total protocol commands processed",
	}, []string{"type", "status"})

	// CommandProcessingDuration tracks time spent dispatching inbound commands.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "tcp",
		Name:      "command_processing_seconds",
		Help:      "Time spent processing inbound commands",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"type"})
)
