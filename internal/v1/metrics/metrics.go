package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the watch-party platform.
// Declared centrally to avoid coupling between the party and chat packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: watch_party (application-level grouping)
// - subsystem: websocket, room, chat, store (feature-level grouping)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants per room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_code"})

	// OnlineUsers tracks the number of users with at least one live chat session
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "chat",
		Name:      "online_users",
		Help:      "Current number of users with at least one live chat session",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// StoreErrors tracks failed external store operations
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Total failed external store operations",
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
