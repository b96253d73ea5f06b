package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"

	"github.com/neboloop/bropgw/internal/correlator"
	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/protocol"
	"github.com/neboloop/bropgw/internal/registry"
	"github.com/neboloop/bropgw/internal/targets"
)

var errLocalNotHandled = errors.New("not answered locally")

// localAnswer is a reply the gateway builds itself, plus events that must
// reach the client after it.
type localAnswer struct {
	result json.RawMessage
	after  []protocol.CDPEvent
}

func (g *Gateway) handleCDPFrame(c *registry.Client, data []byte) {
	msg, err := protocol.DecodeCDP(data)
	if err != nil {
		g.log.Warn().Err(err).Str("client", string(c.ID)).Msg("ignoring cdp frame")
		return
	}
	g.log.Trace().RawJSON("frame", data).Str("client", string(c.ID)).Msg("from cdp client")
	g.handleCDPCommand(c, msg.CDP)
}

// handleCDPCommand answers bookkeeping methods locally and forwards the rest
// to the extension with a gateway-assigned id.
func (g *Gateway) handleCDPCommand(c *registry.Client, cmd *protocol.CDPCommand) {
	if c.Role == registry.RoleSession && cmd.SessionID == "" {
		cmd.SessionID = c.BoundSessionID
	}

	ans, err := g.answerLocally(c, cmd)
	switch {
	case err == nil:
		g.replyCDP(c, protocol.CDPResult(cmd.ID, cmd.SessionID, ans.result))
		for _, ev := range ans.after {
			g.sendEvent(c, ev)
		}
		g.emit(events.TopicRequestCompleted, events.Request{
			Client: string(c.ID), Dialect: c.Dialect.String(), Method: cmd.Method, Local: true,
		})
		return
	case !errors.Is(err, errLocalNotHandled):
		g.replyCDP(c, protocol.CDPFailure(cmd.ID, cmd.SessionID, 0, err.Error()))
		g.emit(events.TopicRequestCompleted, events.Request{
			Client: string(c.ID), Dialect: c.Dialect.String(), Method: cmd.Method, Local: true, Failed: true,
		})
		return
	}

	if g.upstream == nil {
		g.replyCDP(c, protocol.CDPFailure(cmd.ID, cmd.SessionID, 0, protocol.ErrUpstreamUnavailable.Error()))
		g.emit(events.TopicRequestCompleted, events.Request{
			Client: string(c.ID), Dialect: c.Dialect.String(), Method: cmd.Method, Failed: true,
		})
		return
	}

	targetID := g.commandTarget(cmd)
	p := &correlator.Pending{
		Client:    c.ID,
		Dialect:   registry.CDP,
		Method:    cmd.Method,
		CDPID:     cmd.ID,
		SessionID: cmd.SessionID,
		TargetID:  string(targetID),
	}
	id := g.pending.Track(p)

	if err := g.sendUpstream(protocol.UpstreamCommand{
		Type:         protocol.EnvelopeCDP,
		ID:           id,
		Method:       cmd.Method,
		Params:       cmd.Params,
		SessionID:    cmd.SessionID,
		TargetID:     string(targetID),
		ConnectionID: string(c.ID),
	}); err != nil {
		g.pending.Resolve(id)
		g.replyCDP(c, protocol.CDPFailure(cmd.ID, cmd.SessionID, 0, err.Error()))
		return
	}

	switch cmd.Method {
	case target.CommandDetachFromTarget:
		sid := target.SessionID(gjson.GetBytes(cmd.Params, "sessionId").String())
		if sid == "" {
			sid = target.SessionID(cmd.SessionID)
		}
		g.targets.Detach(sid)
	case target.CommandCloseTarget:
		g.targets.Close(targetID)
	}
}

// commandTarget resolves the target a command addresses, from its params or
// from its session.
func (g *Gateway) commandTarget(cmd *protocol.CDPCommand) target.ID {
	if id := gjson.GetBytes(cmd.Params, "targetId").String(); id != "" {
		return target.ID(id)
	}
	if cmd.SessionID != "" {
		if id, ok := g.targets.TargetFor(target.SessionID(cmd.SessionID)); ok {
			return id
		}
	}
	return ""
}

func (g *Gateway) answerLocally(c *registry.Client, cmd *protocol.CDPCommand) (localAnswer, error) {
	params := gjson.ParseBytes(cmd.Params)

	switch cmd.Method {
	case browser.CommandGetVersion:
		return answer(g.version())

	case browser.CommandSetDownloadBehavior:
		return localAnswer{result: protocol.EmptyResult}, nil

	case target.CommandSetAutoAttach:
		ans := localAnswer{result: protocol.EmptyResult}
		if cmd.SessionID == "" {
			for _, t := range g.targets.Targets() {
				if sid, ok := g.targets.SessionFor(t.ID); ok {
					ans.after = append(ans.after, attachedEvent(sid, t))
				}
			}
		}
		return ans, nil

	case target.CommandSetDiscoverTargets:
		ans := localAnswer{result: protocol.EmptyResult}
		if params.Get("discover").Bool() {
			for _, t := range g.targets.Targets() {
				ans.after = append(ans.after, mustEvent(cdproto.EventTargetTargetCreated, &target.EventTargetCreated{TargetInfo: t.Info()}))
			}
		}
		return ans, nil

	case target.CommandGetTargets:
		infos := make([]*target.Info, 0)
		for _, t := range g.targets.Targets() {
			infos = append(infos, t.Info())
		}
		return answer(&target.GetTargetsReturns{TargetInfos: infos})

	case target.CommandGetTargetInfo:
		return answer(&target.GetTargetInfoReturns{TargetInfo: g.targetInfo(cmd, params)})

	case target.CommandGetBrowserContexts:
		return answer(&target.GetBrowserContextsReturns{BrowserContextIDs: g.targets.Contexts()})

	case target.CommandCreateBrowserContext:
		id := g.targets.CreateContext(c.ID)
		g.log.Debug().Str("client", string(c.ID)).Str("context", string(id)).Msg("browser context created")
		return answer(&target.CreateBrowserContextReturns{BrowserContextID: id})

	case target.CommandDisposeBrowserContext:
		id := cdp.BrowserContextID(params.Get("browserContextId").String())
		if !g.targets.DisposeContext(id) {
			return localAnswer{}, fmt.Errorf("failed to find browser context %q", id)
		}
		return localAnswer{result: protocol.EmptyResult}, nil

	case target.CommandAttachToTarget:
		tid := target.ID(params.Get("targetId").String())
		sid, ok := g.targets.SessionFor(tid)
		if !ok {
			return localAnswer{}, errLocalNotHandled
		}
		g.targets.Rebind(sid, c.ID)
		g.log.Debug().Str("client", string(c.ID)).Str("session", string(sid)).Msg("session rebound")
		ans, err := answer(&target.AttachToTargetReturns{SessionID: sid})
		ans.after = append(ans.after, attachedEvent(sid, g.targets.Target(tid)))
		return ans, err
	}
	return localAnswer{}, errLocalNotHandled
}

// targetInfo finds the target named by params, else the session's target,
// else describes the browser itself.
func (g *Gateway) targetInfo(cmd *protocol.CDPCommand, params gjson.Result) *target.Info {
	if t := g.targets.Target(target.ID(params.Get("targetId").String())); t != nil {
		return t.Info()
	}
	if cmd.SessionID != "" {
		if tid, ok := g.targets.TargetFor(target.SessionID(cmd.SessionID)); ok {
			return g.targets.Target(tid).Info()
		}
	}
	return &target.Info{
		TargetID:         target.ID(g.browserID),
		Type:             "browser",
		Title:            g.cfg.Browser.Version,
		Attached:         true,
		BrowserContextID: targets.DefaultContext,
	}
}

func (g *Gateway) version() *browser.GetVersionReturns {
	return &browser.GetVersionReturns{
		ProtocolVersion: g.cfg.Browser.ProtocolVersion,
		Product:         g.cfg.Browser.Version,
		Revision:        "0",
		UserAgent:       g.cfg.Browser.UserAgent,
		JsVersion:       "V8",
	}
}

func (g *Gateway) replyCDP(c *registry.Client, reply protocol.CDPReply) {
	frame, err := protocol.Encode(reply)
	if err != nil {
		g.log.Error().Err(err).Int64("id", reply.ID).Msg("encode cdp reply")
		return
	}
	c.Send(frame)
}

// sendEvent delivers ev to c, stamping its session id.
func (g *Gateway) sendEvent(c *registry.Client, ev protocol.CDPEvent) {
	sid := ev.SessionID
	ev.SessionID = ""
	frame, err := protocol.Encode(ev)
	if err == nil {
		frame, err = protocol.WithSessionID(frame, sid)
	}
	if err != nil {
		g.log.Error().Err(err).Str("method", ev.Method).Msg("encode cdp event")
		return
	}
	c.Send(frame)
}

func attachedEvent(sid target.SessionID, t *targets.Target) protocol.CDPEvent {
	return mustEvent(cdproto.EventTargetAttachedToTarget, &target.EventAttachedToTarget{
		SessionID:  sid,
		TargetInfo: t.Info(),
	})
}

func mustEvent(method string, params any) protocol.CDPEvent {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = protocol.EmptyResult
	}
	return protocol.CDPEvent{Method: method, Params: raw}
}

func answer(v any) (localAnswer, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return localAnswer{}, err
	}
	return localAnswer{result: raw}, nil
}

// pendingAge is how long a pending request waited.
func pendingAge(p *correlator.Pending) time.Duration {
	return time.Since(p.CreatedAt)
}
