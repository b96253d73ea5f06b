// Package gateway multiplexes one upstream extension link across any number
// of native BROP and CDP clients.
//
// Every table (clients, pending requests, targets and sessions) is owned by
// the loop started with Run. Socket goroutines never touch them; they post
// loop events to the inbox and the loop handles one event at a time to
// completion.
package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neboloop/bropgw/internal/config"
	"github.com/neboloop/bropgw/internal/correlator"
	"github.com/neboloop/bropgw/internal/crashlog"
	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/logging"
	"github.com/neboloop/bropgw/internal/monitoring"
	"github.com/neboloop/bropgw/internal/registry"
	"github.com/neboloop/bropgw/internal/targets"
)

const inboxSize = 1024

// Options wires a Gateway. Bus and Metrics are optional.
type Options struct {
	Config  config.Config
	Bus     *events.Subject
	Metrics *monitoring.MetricsCollector
	Logger  *zerolog.Logger
}

// loopEvent is the closed set of things the loop reacts to.
type loopEvent interface{ loopEvent() }

type clientOpened struct {
	sink    registry.Sink
	dialect registry.Dialect
	info    registry.PathInfo
	reply   chan registry.ClientID
}

type clientMessage struct {
	id   registry.ClientID
	data []byte
}

type clientClosed struct {
	id registry.ClientID
}

type upstreamOpened struct {
	sink   registry.Sink
	remote string
}

type upstreamMessage struct {
	sink registry.Sink
	data []byte
}

type upstreamClosed struct {
	sink registry.Sink
}

type statusQuery struct {
	reply chan Status
}

func (clientOpened) loopEvent()    {}
func (clientMessage) loopEvent()   {}
func (clientClosed) loopEvent()    {}
func (upstreamOpened) loopEvent()  {}
func (upstreamMessage) loopEvent() {}
func (upstreamClosed) loopEvent()  {}
func (statusQuery) loopEvent()     {}

// upstreamLink is the connected extension.
type upstreamLink struct {
	sink        registry.Sink
	remote      string
	connectedAt time.Time
}

// Gateway is the protocol multiplexer.
type Gateway struct {
	cfg       config.Config
	log       zerolog.Logger
	bus       *events.Subject
	ownBus    bool
	metrics   *monitoring.MetricsCollector
	browserID string
	startedAt time.Time

	// Loop-owned state.
	clients  *registry.Registry
	pending  *correlator.Correlator
	targets  *targets.Map
	upstream *upstreamLink

	// upstreamClaimed is set by the extension handler before upgrading so
	// a second extension can be refused with 409. The loop clears it once
	// the link is torn down.
	upstreamClaimed atomic.Bool

	inbox   chan loopEvent
	stopped chan struct{}
}

// New creates a Gateway. Call Run to start the loop.
func New(opts Options) *Gateway {
	lg := logging.Component("gateway")
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	g := &Gateway{
		cfg:       opts.Config,
		log:       lg,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		browserID: uuid.NewString(),
		startedAt: time.Now(),
		clients:   registry.New(),
		pending:   correlator.New(),
		targets:   targets.New(),
		inbox:     make(chan loopEvent, inboxSize),
		stopped:   make(chan struct{}),
	}
	if g.bus == nil {
		g.bus = events.NewSubject(events.WithLogger(lg))
		g.ownBus = true
	}
	if g.metrics != nil && g.ownBus {
		g.metrics.Attach(g.bus)
	}
	return g
}

// Bus returns the lifecycle event bus.
func (g *Gateway) Bus() *events.Subject { return g.bus }

// Run processes loop events until ctx is done. On exit every socket is closed.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.stopped)
	defer g.shutdown()

	interval := g.cfg.Upstream.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	g.log.Info().Msg("gateway loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-g.inbox:
			g.handle(ev)
		case <-ping.C:
			g.pingUpstream()
		}
	}
}

// post hands ev to the loop. It gives up once the loop has stopped.
func (g *Gateway) post(ev loopEvent) bool {
	select {
	case g.inbox <- ev:
		return true
	case <-g.stopped:
		return false
	}
}

// handle runs one loop event. A panic is logged and the loop moves on to the
// next event.
func (g *Gateway) handle(ev loopEvent) {
	defer crashlog.Recover("gateway", map[string]string{"event": fmt.Sprintf("%T", ev)})

	switch ev := ev.(type) {
	case clientOpened:
		ev.reply <- g.onClientOpened(ev.sink, ev.dialect, ev.info)
	case clientMessage:
		g.onClientMessage(ev.id, ev.data)
	case clientClosed:
		g.onClientClosed(ev.id)
	case upstreamOpened:
		g.onUpstreamOpened(ev.sink, ev.remote)
	case upstreamMessage:
		g.onUpstreamMessage(ev.sink, ev.data)
	case upstreamClosed:
		g.onUpstreamClosed(ev.sink)
	case statusQuery:
		ev.reply <- g.status()
	}
}

func (g *Gateway) shutdown() {
	if g.upstream != nil {
		g.onUpstreamClosed(g.upstream.sink)
	}
	for _, c := range g.clients.CloseAll() {
		g.targets.ReleaseClient(c.ID)
		g.pending.PurgeForClient(c.ID)
	}
	if g.ownBus {
		events.Complete(g.bus)
	}
	g.log.Info().Msg("gateway loop stopped")
}

// onClientOpened registers the socket. It returns an empty id, with the
// socket closed and nothing registered, when registration panicked.
func (g *Gateway) onClientOpened(sink registry.Sink, dialect registry.Dialect, info registry.PathInfo) (id registry.ClientID) {
	defer func() {
		if r := recover(); r != nil {
			if id == "" || g.clients.Unregister(id) == nil {
				sink.Close()
			}
			id = ""
			crashlog.LogPanic("gateway", r, map[string]string{"event": "clientOpened"})
		}
	}()

	c := g.clients.Register(sink, dialect, info)
	id = c.ID
	g.log.Info().
		Str("client", string(c.ID)).
		Str("dialect", c.Dialect.String()).
		Str("role", c.Role.String()).
		Str("name", c.Name).
		Str("path", c.Path).
		Msg("client connected")
	g.emit(events.TopicClientConnected, events.Client{
		ID:      string(c.ID),
		Dialect: c.Dialect.String(),
		Role:    c.Role.String(),
		Name:    c.Name,
		At:      c.ConnectedAt,
	})
	return id
}

// onClientClosed releases everything the client owns. A second call for the
// same id does nothing.
func (g *Gateway) onClientClosed(id registry.ClientID) {
	c := g.clients.Unregister(id)
	if c == nil {
		return
	}

	released := g.targets.ReleaseClient(id)
	for _, s := range released {
		g.detachUpstream(s.ID, s.TargetID)
	}
	purged := g.pending.PurgeForClient(id)

	g.log.Info().
		Str("client", string(id)).
		Str("dialect", c.Dialect.String()).
		Int("sessions", len(released)).
		Int("pending", purged).
		Msg("client disconnected")
	g.emit(events.TopicClientDisconnected, events.Client{
		ID:               string(id),
		Dialect:          c.Dialect.String(),
		Role:             c.Role.String(),
		Name:             c.Name,
		ReleasedSessions: len(released),
		PurgedRequests:   purged,
		At:               time.Now(),
	})
}

func (g *Gateway) onClientMessage(id registry.ClientID, data []byte) {
	c := g.clients.Lookup(id)
	if c == nil {
		g.log.Debug().Str("client", string(id)).Msg("message from unregistered client dropped")
		return
	}
	switch c.Dialect {
	case registry.CDP:
		g.handleCDPFrame(c, data)
	default:
		g.handleNativeFrame(c, data)
	}
}

// emit publishes on the bus; a full bus only costs a debug line.
func (g *Gateway) emit(topic string, v any) {
	if err := events.Emit(g.bus, topic, v); err != nil {
		g.log.Debug().Err(err).Str("topic", topic).Msg("lifecycle event dropped")
	}
}
