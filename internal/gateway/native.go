package gateway

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/neboloop/bropgw/internal/correlator"
	"github.com/neboloop/bropgw/internal/crashlog"
	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/protocol"
	"github.com/neboloop/bropgw/internal/registry"
)

// MethodServerStatus is the native command the gateway answers itself.
const MethodServerStatus = "get_server_status"

// Status is a point-in-time view of the gateway.
type Status struct {
	Upstream      UpstreamStatus   `json:"upstream"`
	NativeClients int              `json:"native_clients"`
	CDPClients    int              `json:"cdp_clients"`
	Pending       int              `json:"pending_requests"`
	Targets       int              `json:"targets"`
	Sessions      int              `json:"sessions"`
	Contexts      int              `json:"browser_contexts"`
	Clients       []ClientStatus   `json:"clients"`
	Counters      map[string]int64 `json:"counters,omitempty"`
	Uptime        string           `json:"uptime"`
}

type UpstreamStatus struct {
	Connected   bool       `json:"connected"`
	Remote      string     `json:"remote,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

type ClientStatus struct {
	ID          string    `json:"id"`
	Dialect     string    `json:"dialect"`
	Role        string    `json:"role,omitempty"`
	Name        string    `json:"name,omitempty"`
	Path        string    `json:"path,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (g *Gateway) handleNativeFrame(c *registry.Client, data []byte) {
	msg, err := protocol.DecodeNative(data)
	if err != nil {
		g.log.Warn().Err(err).Str("client", string(c.ID)).Msg("ignoring native frame")
		return
	}
	g.log.Trace().RawJSON("frame", data).Str("client", string(c.ID)).Msg("from native client")
	g.handleNativeCommand(c, msg.Native)
}

// handleNativeCommand forwards a BROP command, or answers it when it is a
// status query or the extension is away.
func (g *Gateway) handleNativeCommand(c *registry.Client, cmd *protocol.NativeCommand) {
	if cmd.Method == MethodServerStatus {
		result, err := json.Marshal(g.status())
		reply := protocol.NativeReply{ID: g.nativeID(cmd), Success: err == nil, Result: result}
		if err != nil {
			reply.Error = err.Error()
		}
		g.replyNative(c, reply)
		g.emit(events.TopicRequestCompleted, events.Request{
			Client: string(c.ID), Dialect: c.Dialect.String(), Method: cmd.Method, Local: true, Failed: err != nil,
		})
		return
	}

	if g.upstream == nil {
		g.replyNative(c, protocol.NativeReply{
			ID:      g.nativeID(cmd),
			Success: false,
			Error:   protocol.ErrUpstreamUnavailable.Error(),
		})
		g.emit(events.TopicRequestCompleted, events.Request{
			Client: string(c.ID), Dialect: c.Dialect.String(), Method: cmd.Method, Failed: true,
		})
		return
	}

	p := &correlator.Pending{
		Client:   c.ID,
		Dialect:  registry.Native,
		Method:   cmd.Method,
		NativeID: cmd.ID,
	}
	id := g.pending.Track(p)
	if p.NativeID == nil {
		p.NativeID = protocol.NativeID(id)
	}

	if err := g.sendUpstream(protocol.UpstreamCommand{
		Type:         protocol.EnvelopeNative,
		ID:           id,
		Method:       cmd.Method,
		Params:       cmd.Params,
		ConnectionID: string(c.ID),
	}); err != nil {
		g.pending.Resolve(id)
		g.replyNative(c, protocol.NativeReply{ID: p.NativeID, Success: false, Error: err.Error()})
	}
}

// nativeID is the id to answer with: the client's own, or a fresh one.
func (g *Gateway) nativeID(cmd *protocol.NativeCommand) json.RawMessage {
	if cmd.ID != nil {
		return cmd.ID
	}
	return protocol.NativeID(g.pending.NextID())
}

func (g *Gateway) replyNative(c *registry.Client, reply protocol.NativeReply) {
	frame, err := protocol.Encode(reply)
	if err != nil {
		g.log.Error().Err(err).Msg("encode native reply")
		return
	}
	c.Send(frame)
}

// status builds a Status from loop-owned state.
func (g *Gateway) status() Status {
	s := Status{
		NativeClients: g.clients.Count(registry.Native),
		CDPClients:    g.clients.Count(registry.CDP),
		Pending:       g.pending.Len(),
		Targets:       len(g.targets.Targets()),
		Sessions:      len(g.targets.Sessions()),
		Contexts:      len(g.targets.Contexts()),
		Uptime:        time.Since(g.startedAt).Round(time.Second).String(),
	}
	if g.upstream != nil {
		at := g.upstream.connectedAt
		s.Upstream = UpstreamStatus{Connected: true, Remote: g.upstream.remote, ConnectedAt: &at}
	}
	for _, d := range []registry.Dialect{registry.CDP, registry.Native} {
		for _, c := range g.clients.Clients(d) {
			cs := ClientStatus{
				ID:          string(c.ID),
				Dialect:     c.Dialect.String(),
				Name:        c.Name,
				Path:        c.Path,
				ConnectedAt: c.ConnectedAt,
			}
			if c.Dialect == registry.CDP {
				cs.Role = c.Role.String()
			}
			s.Clients = append(s.Clients, cs)
		}
	}
	sort.SliceStable(s.Clients, func(i, j int) bool { return s.Clients[i].ConnectedAt.Before(s.Clients[j].ConnectedAt) })
	s.Counters = make(map[string]int64)
	if g.metrics != nil {
		s.Counters = g.metrics.Stats()
	}
	if g.bus != nil {
		s.Counters["bus_delivered"] = g.bus.Delivered()
		s.Counters["bus_dropped"] = g.bus.Dropped()
	}
	if n := crashlog.Panics(); n > 0 {
		s.Counters["panics_recovered"] = n
	}
	return s
}
