package gateway

import (
	"encoding/json"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/neboloop/bropgw/internal/correlator"
	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/protocol"
	"github.com/neboloop/bropgw/internal/registry"
	"github.com/neboloop/bropgw/internal/targets"
)

// handleUpstreamResponse completes the pending request the reply belongs to.
func (g *Gateway) handleUpstreamResponse(resp *protocol.UpstreamResponse) {
	p := g.pending.Peek(resp.ID)
	if p == nil {
		// Purged, already completed by an attach event, or a fire-and-forget
		// command.
		g.log.Debug().Int64("request", resp.ID).Msg("reply without pending request dropped")
		return
	}

	if p.Dialect == registry.CDP && p.Method == target.CommandCreateTarget && resp.Success {
		// The caller is answered by the attach event.
		g.pending.Promote(resp.ID)
		g.log.Debug().
			Int64("request", resp.ID).
			Str("client", string(p.Client)).
			Msg("createTarget acknowledged, awaiting attach")
		return
	}

	g.pending.Resolve(resp.ID)
	if !resp.Success {
		g.failPending(p, resp.Error, resp.Code)
		return
	}

	result := resp.Result
	if p.Dialect == registry.CDP && p.Method == target.CommandAttachToTarget {
		result = g.bindAttached(p, result)
	}
	g.completePending(p, result)
}

// bindAttached records the session an upstream attach produced, minting one
// when the extension returned none.
func (g *Gateway) bindAttached(p *correlator.Pending, result json.RawMessage) json.RawMessage {
	if p.TargetID == "" {
		return result
	}
	sid := gjson.GetBytes(result, "sessionId").String()
	if sid == "" {
		sid = uuid.NewString()
		if patched, err := sjson.SetBytes(result, "sessionId", sid); err == nil {
			result = patched
		} else {
			result, _ = json.Marshal(&target.AttachToTargetReturns{SessionID: target.SessionID(sid)})
		}
	}
	g.targets.Attach(targets.Attachment{
		TargetID:  target.ID(p.TargetID),
		SessionID: target.SessionID(sid),
	}, p.Client)
	return result
}

// completePending delivers a success reply in the caller's dialect.
func (g *Gateway) completePending(p *correlator.Pending, result json.RawMessage) {
	c := g.clients.Lookup(p.Client)
	if c == nil {
		g.log.Debug().Err(protocol.ErrUnknownClient).Str("client", string(p.Client)).Msg("reply dropped")
		return
	}
	if p.Dialect == registry.CDP {
		g.replyCDP(c, protocol.CDPResult(p.CDPID, p.SessionID, result))
	} else {
		g.replyNative(c, protocol.NativeReply{ID: p.NativeID, Success: true, Result: result})
	}
	g.emit(events.TopicRequestCompleted, events.Request{
		Client: string(p.Client), Dialect: p.Dialect.String(), Method: p.Method, Duration: pendingAge(p),
	})
}

// failPending delivers an error reply in the caller's dialect.
func (g *Gateway) failPending(p *correlator.Pending, message string, code int64) {
	c := g.clients.Lookup(p.Client)
	if c == nil {
		g.log.Debug().Err(protocol.ErrUnknownClient).Str("client", string(p.Client)).Msg("error reply dropped")
		return
	}
	if p.Dialect == registry.CDP {
		g.replyCDP(c, protocol.CDPFailure(p.CDPID, p.SessionID, code, message))
	} else {
		g.replyNative(c, protocol.NativeReply{ID: p.NativeID, Success: false, Error: message})
	}
	g.emit(events.TopicRequestCompleted, events.Request{
		Client: string(p.Client), Dialect: p.Dialect.String(), Method: p.Method, Failed: true, Duration: pendingAge(p),
	})
}

// handleUpstreamEvent applies target bookkeeping carried by the event, then
// routes it using the updated state.
func (g *Gateway) handleUpstreamEvent(evt *protocol.UpstreamEvent, raw []byte) {
	if protocol.Domain(evt.Method) == "" {
		g.broadcastNative(evt, raw)
		return
	}

	params := gjson.ParseBytes(evt.Params)
	switch evt.Method {
	case cdproto.EventTargetAttachedToTarget:
		g.onAttachedToTarget(evt, params)
	case cdproto.EventTargetDetachedFromTarget:
		g.targets.Detach(target.SessionID(params.Get("sessionId").String()))
	case cdproto.EventTargetTargetDestroyed:
		g.targets.Close(target.ID(params.Get("targetId").String()))
	case cdproto.EventTargetTargetInfoChanged:
		info := params.Get("targetInfo")
		g.targets.UpdateInfo(target.ID(info.Get("targetId").String()), info.Get("title").String(), info.Get("url").String())
	case cdproto.EventTargetTargetCreated:
		g.targets.Upsert(attachmentFrom(params.Get("targetInfo"), ""))
	}

	g.route(evt)
}

// onAttachedToTarget binds the new session to the client that caused it and
// completes that client's createTarget when the event reports the target the
// request created.
func (g *Gateway) onAttachedToTarget(evt *protocol.UpstreamEvent, params gjson.Result) {
	a := attachmentFrom(params.Get("targetInfo"), params.Get("sessionId").String())
	if a.TargetID == "" {
		a.TargetID = target.ID(evt.TargetID)
	}
	if a.SessionID == "" {
		a.SessionID = target.SessionID(evt.SessionID)
	}
	if a.TargetID == "" || a.SessionID == "" {
		g.log.Warn().Msg("attach event without target or session ignored")
		return
	}

	owner, requested := g.attachOwner(evt.ConnectionID)
	if owner == nil {
		// No client could own the session; remember the tab only.
		g.targets.Upsert(a)
		return
	}

	var seenAt time.Time
	if t := g.targets.Target(a.TargetID); t != nil {
		seenAt = t.FirstSeen
	}
	_, wasAttached := g.targets.SessionFor(a.TargetID)

	g.targets.Attach(a, owner.ID)
	g.log.Debug().
		Str("client", string(owner.ID)).
		Str("target", string(a.TargetID)).
		Str("session", string(a.SessionID)).
		Msg("target attached")

	// Auto-attach fallbacks, re-attaches and explicit attachToTarget calls
	// are not target creations.
	if !requested || wasAttached ||
		g.pending.Addresses(owner.ID, target.CommandAttachToTarget, string(a.TargetID)) {
		return
	}
	if p := g.pending.TakeTargetCreation(owner.ID, target.CommandCreateTarget, seenAt); p != nil {
		result, _ := json.Marshal(&target.CreateTargetReturns{TargetID: a.TargetID})
		g.completePending(p, result)
	}
}

// attachOwner picks the CDP client a new session belongs to: the client named
// by connectionId, else the main browser client. requested reports whether
// the event named its owner.
func (g *Gateway) attachOwner(connectionID string) (owner *registry.Client, requested bool) {
	if c := g.clients.Lookup(registry.ClientID(connectionID)); c != nil {
		if c.Dialect == registry.CDP {
			return c, true
		}
		g.log.Debug().Str("client", connectionID).Msg("attach credited to native client, using main browser")
	}
	return g.clients.MainBrowser(), false
}

// route delivers a CDP event per domain and session ownership.
func (g *Gateway) route(evt *protocol.UpstreamEvent) {
	out := protocol.CDPEvent{Method: evt.Method, Params: evt.Params}

	if protocol.IsBrowserScoped(evt.Method) {
		g.deliver(g.clients.MainBrowser(), out, events.RouteBrowser, evt)
		return
	}

	if sid, ok := g.sessionOf(evt); ok {
		if owner, ok := g.targets.ClientFor(sid); ok {
			if c := g.clients.Lookup(owner); c != nil {
				out.SessionID = string(sid)
				g.deliver(c, out, events.RouteSession, evt)
				return
			}
		}
	}

	g.log.Debug().Err(protocol.ErrUnresolvedSession).
		Str("method", evt.Method).
		Str("target", evt.TargetID).
		Msg("falling back to main browser client")
	g.deliver(g.clients.MainBrowser(), out, events.RouteFallback, evt)
}

// sessionOf resolves the session an event belongs to, preferring the
// event's own session id when the map knows it.
func (g *Gateway) sessionOf(evt *protocol.UpstreamEvent) (target.SessionID, bool) {
	if evt.SessionID != "" {
		if g.targets.Session(target.SessionID(evt.SessionID)) != nil {
			return target.SessionID(evt.SessionID), true
		}
	}
	if evt.TargetID != "" {
		return g.targets.SessionFor(target.ID(evt.TargetID))
	}
	return "", false
}

func (g *Gateway) deliver(c *registry.Client, out protocol.CDPEvent, route string, evt *protocol.UpstreamEvent) {
	if c == nil {
		g.log.Debug().Str("method", evt.Method).Str("target", evt.TargetID).Msg("event dropped: no main browser client")
		g.emit(events.TopicEventRouted, events.Routed{Method: evt.Method, Route: events.RouteDropped})
		return
	}
	g.sendEvent(c, out)
	g.emit(events.TopicEventRouted, events.Routed{Method: evt.Method, Route: route})
}

// broadcastNative relays a BROP notification verbatim to every native client.
func (g *Gateway) broadcastNative(evt *protocol.UpstreamEvent, raw []byte) {
	natives := g.clients.Clients(registry.Native)
	for _, c := range natives {
		c.Send(raw)
	}
	route := events.RouteBroadcast
	if len(natives) == 0 {
		route = events.RouteDropped
	}
	g.emit(events.TopicEventRouted, events.Routed{Method: evt.Method, Route: route})
}

func attachmentFrom(info gjson.Result, sessionID string) targets.Attachment {
	return targets.Attachment{
		TargetID:         target.ID(info.Get("targetId").String()),
		SessionID:        target.SessionID(sessionID),
		BrowserContextID: cdp.BrowserContextID(info.Get("browserContextId").String()),
		Type:             info.Get("type").String(),
		Title:            info.Get("title").String(),
		URL:              info.Get("url").String(),
	}
}
