// Package registry tracks every downstream socket with a stable identity.
//
// The registry is owned by the gateway loop and is not safe for concurrent
// use; all calls happen on that single goroutine.
package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientID identifies a downstream connection for the process lifetime.
type ClientID string

// Dialect is the wire dialect a client speaks.
type Dialect int

const (
	Native Dialect = iota
	CDP
)

func (d Dialect) String() string {
	if d == CDP {
		return "cdp"
	}
	return "native"
}

// Role is the CDP endpoint class derived from the accept path.
type Role int

const (
	RoleNone Role = iota
	RoleBrowser
	RolePage
	RoleSession
)

func (r Role) String() string {
	switch r {
	case RoleBrowser:
		return "browser"
	case RolePage:
		return "page"
	case RoleSession:
		return "session"
	default:
		return "none"
	}
}

// Sink is the write side of a downstream socket.
type Sink interface {
	Send(frame []byte)
	Close()
}

// PathInfo describes how a connection was accepted.
type PathInfo struct {
	Path string
	Name string
}

// Client is one active downstream socket.
type Client struct {
	ID             ClientID
	Dialect        Dialect
	Role           Role
	BoundSessionID string
	Name           string
	Path           string
	ConnectedAt    time.Time

	sink   Sink
	seq    uint64
	closed bool
}

// Send queues a frame for the client. Frames sent after the client is closed
// are discarded.
func (c *Client) Send(frame []byte) {
	if c.closed {
		return
	}
	c.sink.Send(frame)
}

// Registry holds every registered client.
type Registry struct {
	clients map[ClientID]*Client
	seq     uint64
	newID   func() ClientID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[ClientID]*Client),
		newID: func() ClientID {
			return ClientID(uuid.NewString())
		},
	}
}

// Register adds a socket and returns its client. CDP clients are classified
// by accept path.
func (r *Registry) Register(sink Sink, dialect Dialect, info PathInfo) *Client {
	r.seq++
	c := &Client{
		ID:          r.newID(),
		Dialect:     dialect,
		Name:        info.Name,
		Path:        info.Path,
		ConnectedAt: time.Now(),
		sink:        sink,
		seq:         r.seq,
	}
	if dialect == CDP {
		c.Role, c.BoundSessionID = r.classify(info.Path)
	}
	r.clients[c.ID] = c
	return c
}

// Lookup returns the client for id, or nil.
func (r *Registry) Lookup(id ClientID) *Client {
	return r.clients[id]
}

// Unregister removes the client and closes its sink. It returns the removed
// client, or nil when the id was already gone.
func (r *Registry) Unregister(id ClientID) *Client {
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	delete(r.clients, id)
	c.closed = true
	c.sink.Close()
	return c
}

// MainBrowser returns the earliest registered Browser-role CDP client.
func (r *Registry) MainBrowser() *Client {
	var main *Client
	for _, c := range r.clients {
		if c.Dialect != CDP || c.Role != RoleBrowser {
			continue
		}
		if main == nil || c.seq < main.seq {
			main = c
		}
	}
	return main
}

// Clients returns the clients of one dialect in registration order.
func (r *Registry) Clients(dialect Dialect) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Dialect == dialect {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Count returns the number of clients of one dialect.
func (r *Registry) Count(dialect Dialect) int {
	n := 0
	for _, c := range r.clients {
		if c.Dialect == dialect {
			n++
		}
	}
	return n
}

// CloseAll unregisters every client.
func (r *Registry) CloseAll() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, r.Unregister(id))
	}
	return out
}

// classify derives the CDP role from the accept path. Must run before the new
// client is inserted.
func (r *Registry) classify(path string) (Role, string) {
	if path == "/devtools/browser" || strings.HasPrefix(path, "/devtools/browser/") {
		return RoleBrowser, ""
	}
	for _, prefix := range []string{"/devtools/page/", "/session/"} {
		if id, ok := strings.CutPrefix(path, prefix); ok {
			if id = strings.Trim(id, "/"); id != "" {
				return RoleSession, id
			}
		}
	}
	if r.Count(CDP) == 0 {
		return RoleBrowser, ""
	}
	return RolePage, ""
}
