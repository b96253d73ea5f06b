package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"

	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/httputil"
	"github.com/neboloop/bropgw/internal/protocol"
	"github.com/neboloop/bropgw/internal/registry"
)

var upstreamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.HasPrefix(origin, "chrome-extension://")
	},
}

// serveUpstream accepts the extension. Only one extension may be connected
// at a time.
func (g *Gateway) serveUpstream(w http.ResponseWriter, r *http.Request) {
	if !g.upstreamClaimed.CompareAndSwap(false, true) {
		g.log.Warn().Str("remote", r.RemoteAddr).Msg("extension rejected: already connected")
		httputil.ErrorWithCode(w, http.StatusConflict, "Extension already connected")
		return
	}

	conn, err := upstreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.upstreamClaimed.Store(false)
		g.log.Debug().Err(err).Msg("extension upgrade failed")
		return
	}

	p := newPeer(conn)
	if !g.post(upstreamOpened{sink: p, remote: r.RemoteAddr}) {
		p.Close()
		return
	}
	p.readPump(
		func(data []byte) { g.post(upstreamMessage{sink: p, data: data}) },
		func() { g.post(upstreamClosed{sink: p}) },
	)
}

func (g *Gateway) onUpstreamOpened(sink registry.Sink, remote string) {
	if g.upstream != nil {
		// The claim flag should prevent this; keep the live link.
		sink.Close()
		return
	}
	g.upstream = &upstreamLink{sink: sink, remote: remote, connectedAt: time.Now()}
	g.log.Info().Str("remote", remote).Msg("extension connected")
	g.emit(events.TopicUpstreamConnected, events.Upstream{Remote: remote, At: g.upstream.connectedAt})
}

// onUpstreamClosed fails every pending request and flushes the target map;
// nothing in it is valid without the link that reported it.
func (g *Gateway) onUpstreamClosed(sink registry.Sink) {
	if g.upstream == nil || g.upstream.sink != sink {
		return
	}
	remote := g.upstream.remote
	g.upstream.sink.Close()
	g.upstream = nil

	drained := g.pending.Drain()
	for _, p := range drained {
		g.failPending(p, protocol.ErrUpstreamUnavailable.Error(), 0)
	}
	targetCount := len(g.targets.Targets())
	g.targets.Flush()
	g.upstreamClaimed.Store(false)

	g.log.Warn().
		Str("remote", remote).
		Int("failed", len(drained)).
		Int("targets", targetCount).
		Msg("extension disconnected")
	g.emit(events.TopicUpstreamDisconnected, events.Upstream{
		Remote:         remote,
		FailedRequests: len(drained),
		At:             time.Now(),
	})
}

func (g *Gateway) onUpstreamMessage(sink registry.Sink, data []byte) {
	if g.upstream == nil || g.upstream.sink != sink {
		return
	}
	msg, err := protocol.DecodeUpstream(data)
	if err != nil {
		g.log.Warn().Err(err).Msg("ignoring upstream frame")
		return
	}
	g.log.Trace().RawJSON("frame", data).Msg("upstream frame")

	switch msg.Kind {
	case protocol.KindUpstreamResponse:
		g.handleUpstreamResponse(msg.Response)
	case protocol.KindUpstreamEvent:
		g.handleUpstreamEvent(msg.Event, data)
	case protocol.KindUpstreamPong:
	}
}

func (g *Gateway) pingUpstream() {
	if g.upstream == nil {
		return
	}
	frame, _ := protocol.Encode(map[string]string{"type": protocol.EnvelopePing})
	g.upstream.sink.Send(frame)
}

// sendUpstream writes an envelope to the extension.
func (g *Gateway) sendUpstream(cmd protocol.UpstreamCommand) error {
	if g.upstream == nil {
		return protocol.ErrUpstreamUnavailable
	}
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	g.log.Trace().RawJSON("frame", frame).Msg("to extension")
	g.upstream.sink.Send(frame)
	return nil
}

// detachUpstream tells the extension to drop a session no client owns any
// more. The reply is not tracked and is dropped when it arrives.
func (g *Gateway) detachUpstream(sessionID target.SessionID, targetID target.ID) {
	if g.upstream == nil {
		return
	}
	params, _ := json.Marshal(target.DetachFromTarget().WithSessionID(sessionID))
	err := g.sendUpstream(protocol.UpstreamCommand{
		Type:     protocol.EnvelopeCDP,
		ID:       g.pending.NextID(),
		Method:   target.CommandDetachFromTarget,
		Params:   params,
		TargetID: string(targetID),
	})
	if err != nil && !errors.Is(err, protocol.ErrUpstreamUnavailable) {
		g.log.Warn().Err(err).Str("session", string(sessionID)).Msg("detach not sent")
	}
}
