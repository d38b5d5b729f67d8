package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		RedisOpsTotal,
		RedisOpDuration,
		RedisConnectionErrors,
		CircuitBreakerStateChanges,
		CircuitBreakerState,

		ConnectedClients,
		OnlinePrincipals,
		PresenceTransitions,
		SlowClientsEvicted,
		RoomJoinsTotal,
		RoomMemberships,
		TypingActive,

		EventsDeliveredTotal,
		FanoutDuration,
		RelayPublishedTotal,
		RelayReceivedTotal,

		NotificationJobsQueued,
		NotificationJobsTotal,
		DispatchOutcomesTotal,
		DeliveryAttemptsTotal,
		DeliveryDuration,
		DestinationsDeactivated,

		WebSocketConnectionsTotal,
		WebSocketConnectionDuration,
		WebSocketMessageSendDuration,
		WebSocketPingFailures,
		ClientEventsTotal,
		ConnectionsRejected,
	}

	for _, c := range collectors {
		assert.NotNil(t, c)
	}
}

func TestCounterVecLabels(t *testing.T) {
	DeliveryAttemptsTotal.Reset()
	DeliveryAttemptsTotal.WithLabelValues("ios", "sent").Inc()
	DeliveryAttemptsTotal.WithLabelValues("ios", "sent").Inc()
	DeliveryAttemptsTotal.WithLabelValues("web", "permanent").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(DeliveryAttemptsTotal.WithLabelValues("ios", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeliveryAttemptsTotal.WithLabelValues("web", "permanent")))
}
