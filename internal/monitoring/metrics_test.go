package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/bropgw/internal/events"
)

func TestCollectorFollowsBus(t *testing.T) {
	bus := events.NewSubject(events.WithSyncDelivery())
	mc := NewMetricsCollector()
	mc.Attach(bus)

	require.NoError(t, events.Emit(bus, events.TopicClientConnected, events.Client{ID: "a"}))
	require.NoError(t, events.Emit(bus, events.TopicClientDisconnected, events.Client{ID: "a", ReleasedSessions: 2, PurgedRequests: 1}))
	require.NoError(t, events.Emit(bus, events.TopicUpstreamConnected, events.Upstream{}))
	require.NoError(t, events.Emit(bus, events.TopicUpstreamDisconnected, events.Upstream{FailedRequests: 3}))
	require.NoError(t, events.Emit(bus, events.TopicRequestCompleted, events.Request{Dialect: "cdp", Local: true}))
	require.NoError(t, events.Emit(bus, events.TopicRequestCompleted, events.Request{Dialect: "native", Failed: true}))
	require.NoError(t, events.Emit(bus, events.TopicEventRouted, events.Routed{Route: events.RouteSession}))
	require.NoError(t, events.Emit(bus, events.TopicEventRouted, events.Routed{Route: events.RouteFallback}))
	require.NoError(t, events.Emit(bus, events.TopicEventRouted, events.Routed{Route: events.RouteDropped}))
	events.Complete(bus)

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats["clients_connected"])
	assert.Equal(t, int64(1), stats["clients_disconnected"])
	assert.Equal(t, int64(2), stats["sessions_released"])
	assert.Equal(t, int64(1), stats["requests_purged"])
	assert.Equal(t, int64(3), stats["requests_failed_on_drop"])
	assert.Equal(t, int64(1), stats["cdp_requests"])
	assert.Equal(t, int64(1), stats["native_requests"])
	assert.Equal(t, int64(1), stats["local_answers"])
	assert.Equal(t, int64(1), stats["failures"])
	assert.Equal(t, int64(1), stats["events_routed"])
	assert.Equal(t, int64(1), stats["events_fallback"])
	assert.Equal(t, int64(1), stats["events_dropped"])
}

func TestDetach(t *testing.T) {
	bus := events.NewSubject(events.WithSyncDelivery())
	mc := NewMetricsCollector()
	mc.Attach(bus)
	mc.Detach()

	require.NoError(t, events.Emit(bus, events.TopicClientConnected, events.Client{}))
	events.Complete(bus)
	assert.Zero(t, mc.Stats()["clients_connected"])
}
