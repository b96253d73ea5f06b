package events

import "time"

const (
	TopicClientConnected      = "client.connected"
	TopicClientDisconnected   = "client.disconnected"
	TopicUpstreamConnected    = "upstream.connected"
	TopicUpstreamDisconnected = "upstream.disconnected"
	TopicRequestCompleted     = "request.completed"
	TopicEventRouted          = "event.routed"
)

// Client is published when a downstream socket is registered or released.
type Client struct {
	ID      string
	Dialect string
	Role    string
	Name    string
	// Released counts sessions and pending requests dropped on disconnect.
	ReleasedSessions int
	PurgedRequests   int
	At               time.Time
}

// Upstream is published when the extension link comes up or goes down.
type Upstream struct {
	Remote string
	// FailedRequests counts pending requests failed because the link dropped.
	FailedRequests int
	At             time.Time
}

// Request is published when a client command gets its reply.
type Request struct {
	Client  string
	Dialect string
	Method  string
	// Local is true when the gateway answered without the extension.
	Local    bool
	Failed   bool
	Duration time.Duration
}

// Route outcomes of an upstream event.
const (
	RouteSession   = "session"
	RouteBrowser   = "browser"
	RouteFallback  = "fallback"
	RouteBroadcast = "broadcast"
	RouteDropped   = "dropped"
)

// Routed is published for every upstream event the dispatcher handles.
type Routed struct {
	Method string
	Route  string
}
