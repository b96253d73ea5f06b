package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/bropgw/internal/httputil"
	"github.com/neboloop/bropgw/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// CDP tools do not send an Origin; native clients may run in a page.
var clientUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// CDPHandler serves discovery, status and CDP WebSocket upgrades on any
// other path.
func (g *Gateway) CDPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(httputil.CORS)

	r.Get("/json/version", g.handleJSONVersion)
	r.Get("/json/version/", g.handleJSONVersion)
	r.Get("/json", g.handleJSONList)
	r.Get("/json/", g.handleJSONList)
	r.Get("/json/list", g.handleJSONList)
	r.Get("/json/list/", g.handleJSONList)
	r.Get("/status", g.handleStatus)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			g.serveClient(w, req, registry.CDP)
			return
		}
		httputil.NotFound(w, "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httputil.NotFound(w, "")
	})
	return r
}

// NativeHandler upgrades every request to a native client socket.
func (g *Gateway) NativeHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		g.serveClient(w, req, registry.Native)
	})
	return r
}

// UpstreamHandler accepts the extension on any path.
func (g *Gateway) UpstreamHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.HandleFunc("/*", g.serveUpstream)
	return r
}

// serveClient upgrades, registers the socket with the loop and pumps its
// frames until it closes.
func (g *Gateway) serveClient(w http.ResponseWriter, r *http.Request, dialect registry.Dialect) {
	conn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Str("path", r.URL.Path).Msg("client upgrade failed")
		return
	}
	p := newPeer(conn)

	reply := make(chan registry.ClientID, 1)
	info := registry.PathInfo{Path: r.URL.Path, Name: httputil.QueryString(r, "name", "")}
	if !g.post(clientOpened{sink: p, dialect: dialect, info: info, reply: reply}) {
		p.Close()
		return
	}
	var id registry.ClientID
	select {
	case id = <-reply:
	case <-g.stopped:
		p.Close()
		return
	}
	if id == "" {
		p.Close()
		return
	}

	p.readPump(
		func(data []byte) { g.post(clientMessage{id: id, data: data}) },
		func() { g.post(clientClosed{id: id}) },
	)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.IsLoopback(r) {
		httputil.Forbidden(w, "")
		return
	}
	s, err := g.Status(r.Context())
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.OkJSON(w, s)
}

// Status asks the loop for a snapshot.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !g.post(statusQuery{reply: reply}) {
		return Status{}, errors.New("gateway stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-g.stopped:
		return Status{}, errors.New("gateway stopped")
	}
}

// Serve runs the loop and the three listeners until ctx is done or one of
// them fails.
func (g *Gateway) Serve(ctx context.Context) error {
	listeners := []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{"cdp", g.cfg.Listen.CDP, g.CDPHandler()},
		{"native", g.cfg.Listen.Native, g.NativeHandler()},
		{"upstream", g.cfg.Listen.Upstream, g.UpstreamHandler()},
	}

	servers := make([]*http.Server, 0, len(listeners))
	lns := make([]net.Listener, 0, len(listeners))
	for _, l := range listeners {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, open := range lns {
				open.Close()
			}
			return fmt.Errorf("listen %s on %s: %w", l.name, l.addr, err)
		}
		lns = append(lns, ln)
		// No read/write timeouts: they would cut hijacked WebSocket conns.
		servers = append(servers, &http.Server{Handler: l.handler, IdleTimeout: 120 * time.Second})
		g.log.Info().Str("listener", l.name).Str("addr", ln.Addr().String()).Msg("listening")
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.Run(gctx) })
	for i := range servers {
		srv, ln := servers[i], lns[i]
		grp.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return grp.Wait()
}
