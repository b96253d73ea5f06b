// Package monitoring keeps in-memory operational counters for the gateway.
// Counters are fed from the lifecycle event bus.
package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/neboloop/bropgw/internal/events"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	clientsConnected    atomic.Int64
	clientsDisconnected atomic.Int64
	sessionsReleased    atomic.Int64
	requestsPurged      atomic.Int64

	upstreamConnects     atomic.Int64
	upstreamDisconnects  atomic.Int64
	requestsFailedOnDrop atomic.Int64

	cdpRequests    atomic.Int64
	nativeRequests atomic.Int64
	localAnswers   atomic.Int64
	failures       atomic.Int64

	eventsRouted    atomic.Int64
	eventsFallback  atomic.Int64
	eventsBroadcast atomic.Int64
	eventsDropped   atomic.Int64

	subs []events.Subscription
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// Attach subscribes the collector to every lifecycle topic on s.
func (mc *MetricsCollector) Attach(s *events.Subject) {
	mc.subs = append(mc.subs,
		events.Subscribe(s, events.TopicClientConnected, func(_ context.Context, _ events.Client) error {
			mc.clientsConnected.Add(1)
			return nil
		}),
		events.Subscribe(s, events.TopicClientDisconnected, func(_ context.Context, c events.Client) error {
			mc.RecordClientGone(c.ReleasedSessions, c.PurgedRequests)
			return nil
		}),
		events.Subscribe(s, events.TopicUpstreamConnected, func(_ context.Context, _ events.Upstream) error {
			mc.upstreamConnects.Add(1)
			return nil
		}),
		events.Subscribe(s, events.TopicUpstreamDisconnected, func(_ context.Context, u events.Upstream) error {
			mc.upstreamDisconnects.Add(1)
			mc.requestsFailedOnDrop.Add(int64(u.FailedRequests))
			return nil
		}),
		events.Subscribe(s, events.TopicRequestCompleted, func(_ context.Context, r events.Request) error {
			mc.RecordRequest(r)
			return nil
		}),
		events.Subscribe(s, events.TopicEventRouted, func(_ context.Context, r events.Routed) error {
			mc.RecordRoute(r.Route)
			return nil
		}),
	)
}

// Detach removes the collector's subscriptions.
func (mc *MetricsCollector) Detach() {
	for _, sub := range mc.subs {
		sub.Unsubscribe()
	}
	mc.subs = nil
}

// RecordClientGone records a downstream disconnect and what it released.
func (mc *MetricsCollector) RecordClientGone(sessions, requests int) {
	mc.clientsDisconnected.Add(1)
	mc.sessionsReleased.Add(int64(sessions))
	mc.requestsPurged.Add(int64(requests))
}

// RecordRequest records a completed client command.
func (mc *MetricsCollector) RecordRequest(r events.Request) {
	if r.Dialect == "cdp" {
		mc.cdpRequests.Add(1)
	} else {
		mc.nativeRequests.Add(1)
	}
	if r.Local {
		mc.localAnswers.Add(1)
	}
	if r.Failed {
		mc.failures.Add(1)
	}
}

// RecordRoute records how an upstream event was routed.
func (mc *MetricsCollector) RecordRoute(route string) {
	switch route {
	case events.RouteSession, events.RouteBrowser:
		mc.eventsRouted.Add(1)
	case events.RouteFallback:
		mc.eventsFallback.Add(1)
	case events.RouteBroadcast:
		mc.eventsBroadcast.Add(1)
	case events.RouteDropped:
		mc.eventsDropped.Add(1)
	}
}

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"clients_connected":       mc.clientsConnected.Load(),
		"clients_disconnected":    mc.clientsDisconnected.Load(),
		"sessions_released":       mc.sessionsReleased.Load(),
		"requests_purged":         mc.requestsPurged.Load(),
		"upstream_connects":       mc.upstreamConnects.Load(),
		"upstream_disconnects":    mc.upstreamDisconnects.Load(),
		"requests_failed_on_drop": mc.requestsFailedOnDrop.Load(),
		"cdp_requests":            mc.cdpRequests.Load(),
		"native_requests":         mc.nativeRequests.Load(),
		"local_answers":           mc.localAnswers.Load(),
		"failures":                mc.failures.Load(),
		"events_routed":           mc.eventsRouted.Load(),
		"events_fallback":         mc.eventsFallback.Load(),
		"events_broadcast":        mc.eventsBroadcast.Load(),
		"events_dropped":          mc.eventsDropped.Load(),
		"uptime_seconds":          int64(time.Since(mc.startedAt).Seconds()),
	}
}
