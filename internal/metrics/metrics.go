package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Registry and room metrics
var (
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connected_clients",
			Help: "Live connections registered on this instance",
		},
	)

	OnlinePrincipals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_online_principals",
			Help: "Principals with at least one live connection on this instance",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_presence_transitions_total",
			Help: "Online/offline transitions by direction",
		},
		[]string{"state"},
	)

	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_clients_evicted_total",
			Help: "Connections closed because their send buffer was full",
		},
	)

	RoomJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_room_joins_total",
			Help: "Room join attempts by result (ok, not_authorized, error)",
		},
		[]string{"result"},
	)

	RoomMemberships = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_room_memberships",
			Help: "Current connection-to-room memberships",
		},
	)

	TypingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_typing_active",
			Help: "Typing entries currently held",
		},
	)
)

// Fanout metrics
var (
	EventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events handed to connection sinks by event type",
		},
		[]string{"type"},
	)

	FanoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_fanout_duration_seconds",
			Help:    "Time spent persisting and delivering one event to a room",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"type"},
	)

	RelayPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_published_total",
			Help: "Events published to peer instances by scope and status",
		},
		[]string{"scope", "status"},
	)

	RelayReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_received_total",
			Help: "Events received from peer instances by scope",
		},
		[]string{"scope"},
	)
)

// Notification metrics
var (
	NotificationJobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_jobs_queued",
			Help: "Notification jobs waiting for a worker",
		},
	)

	NotificationJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_total",
			Help: "Notification jobs by result (ok, error, rejected)",
		},
		[]string{"result"},
	)

	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatch_outcomes_total",
			Help: "Dispatch outcomes by status",
		},
		[]string{"status"},
	)

	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Push delivery attempts by platform and result (sent, transient, permanent)",
		},
		[]string{"platform", "result"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Push provider call latency by platform",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"platform"},
	)

	DestinationsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_destinations_deactivated_total",
			Help: "Destinations flagged inactive after a permanent failure",
		},
		[]string{"platform"},
	)
)

// WebSocket metrics
var (
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "WebSocket connection attempts by result",
		},
		[]string{"result"},
	)

	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection lifetime",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to write one frame to a client",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Failed ping writes",
		},
	)

	ClientEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_client_events_total",
			Help: "Inbound client events by type and result",
		},
		[]string{"type", "result"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Handshakes rejected by admission control, by reason",
		},
		[]string{"reason"},
	)
)

// Database metrics
var (
	// DBQueryDuration tracks database query duration by statement verb
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// HTTP metrics
var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)
