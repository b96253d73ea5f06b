// Package targets is the authoritative table of target, session, client and
// browser-context bindings.
//
// A target moves Unbound -> Attached -> Closed (removed). Each attached target
// has exactly one session and each session belongs to exactly one client.
// The session->target and target->session maps are only ever changed together
// by the mutators in this file.
//
// The map is owned by the gateway loop and is not safe for concurrent use.
package targets

import (
	"sort"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/neboloop/bropgw/internal/registry"
)

// DefaultContext is the implicit browser context that lives for the whole
// process.
const DefaultContext cdp.BrowserContextID = "default"

// State of a known target.
type State int

const (
	Unbound State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "unbound"
}

// Target is one controllable page or frame.
type Target struct {
	ID               target.ID
	BrowserContextID cdp.BrowserContextID
	Type             string
	Title            string
	URL              string
	State            State
	FirstSeen        time.Time
}

// Info renders the target as a CDP TargetInfo.
func (t *Target) Info() *target.Info {
	return &target.Info{
		TargetID:         t.ID,
		Type:             t.Type,
		Title:            t.Title,
		URL:              t.URL,
		Attached:         t.State == Attached,
		BrowserContextID: t.BrowserContextID,
	}
}

// Session binds one client to one target.
type Session struct {
	ID        target.SessionID
	TargetID  target.ID
	Client    registry.ClientID
	CreatedAt time.Time
}

// Attachment carries what an attach notification reports about a target.
type Attachment struct {
	TargetID         target.ID
	SessionID        target.SessionID
	BrowserContextID cdp.BrowserContextID
	Type             string
	Title            string
	URL              string
}

// Map holds every target, session and browser context.
type Map struct {
	targets         map[target.ID]*Target
	sessions        map[target.SessionID]*Session
	sessionByTarget map[target.ID]target.SessionID

	// contexts maps minted browser contexts to the client that created them.
	contexts map[cdp.BrowserContextID]registry.ClientID

	newContextID func() cdp.BrowserContextID
}

// New creates an empty map holding only the default browser context.
func New() *Map {
	return &Map{
		targets:         make(map[target.ID]*Target),
		sessions:        make(map[target.SessionID]*Session),
		sessionByTarget: make(map[target.ID]target.SessionID),
		contexts:        make(map[cdp.BrowserContextID]registry.ClientID),
		newContextID: func() cdp.BrowserContextID {
			return cdp.BrowserContextID(uuid.NewString())
		},
	}
}

// Upsert records a target without attaching it. Known targets keep their
// state; non-empty fields overwrite stored ones.
func (m *Map) Upsert(a Attachment) *Target {
	t, ok := m.targets[a.TargetID]
	if !ok {
		t = &Target{ID: a.TargetID, BrowserContextID: DefaultContext, Type: "page", FirstSeen: time.Now()}
		m.targets[a.TargetID] = t
	}
	if a.BrowserContextID != "" {
		t.BrowserContextID = a.BrowserContextID
	}
	if a.Type != "" {
		t.Type = a.Type
	}
	if a.Title != "" {
		t.Title = a.Title
	}
	if a.URL != "" {
		t.URL = a.URL
	}
	return t
}

// Attach binds a.SessionID on a.TargetID to client and moves the target to
// Attached. A session previously bound to the same target is dropped, as is a
// target previously bound to the same session id.
func (m *Map) Attach(a Attachment, client registry.ClientID) *Session {
	t := m.Upsert(a)

	if old, ok := m.sessionByTarget[t.ID]; ok && old != a.SessionID {
		m.dropSession(old)
	}
	if s, ok := m.sessions[a.SessionID]; ok && s.TargetID != t.ID {
		m.dropSession(a.SessionID)
	}

	s, ok := m.sessions[a.SessionID]
	if !ok {
		s = &Session{ID: a.SessionID, TargetID: t.ID, CreatedAt: time.Now()}
		m.sessions[s.ID] = s
	}
	s.Client = client
	m.sessionByTarget[t.ID] = s.ID
	t.State = Attached
	return s
}

// Rebind moves routing of an existing session to client. The upstream
// debugger attachment is shared; the last attacher receives the events.
func (m *Map) Rebind(sessionID target.SessionID, client registry.ClientID) *Session {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	s.Client = client
	return s
}

// Detach removes a session and returns its target to Unbound.
func (m *Map) Detach(sessionID target.SessionID) *Session {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	m.dropSession(sessionID)
	return s
}

// Close removes a target and any bound session.
func (m *Map) Close(targetID target.ID) (*Target, *Session) {
	t, ok := m.targets[targetID]
	if !ok {
		return nil, nil
	}
	var s *Session
	if sid, ok := m.sessionByTarget[targetID]; ok {
		s = m.sessions[sid]
		m.dropSession(sid)
	}
	delete(m.targets, targetID)
	return t, s
}

// ReleaseClient detaches every session owned by client and drops browser
// contexts it minted that no target still references. It returns the
// released sessions; a second call for the same client returns none.
func (m *Map) ReleaseClient(client registry.ClientID) []*Session {
	var released []*Session
	for id, s := range m.sessions {
		if s.Client == client {
			released = append(released, s)
			m.dropSession(id)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].CreatedAt.Before(released[j].CreatedAt) })

	for ctx, owner := range m.contexts {
		if owner == client && !m.contextInUse(ctx) {
			delete(m.contexts, ctx)
		}
	}
	return released
}

// Flush drops every target and session. Minted browser contexts survive;
// they belong to clients, not to the upstream link.
func (m *Map) Flush() {
	m.targets = make(map[target.ID]*Target)
	m.sessions = make(map[target.SessionID]*Session)
	m.sessionByTarget = make(map[target.ID]target.SessionID)
}

// UpdateInfo refreshes title and url of a known target.
func (m *Map) UpdateInfo(targetID target.ID, title, url string) bool {
	t, ok := m.targets[targetID]
	if !ok {
		return false
	}
	t.Title = title
	t.URL = url
	return true
}

// SessionFor returns the session bound to targetID.
func (m *Map) SessionFor(targetID target.ID) (target.SessionID, bool) {
	sid, ok := m.sessionByTarget[targetID]
	return sid, ok
}

// TargetFor returns the target bound to sessionID.
func (m *Map) TargetFor(sessionID target.SessionID) (target.ID, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.TargetID, true
}

// ClientFor returns the client owning sessionID.
func (m *Map) ClientFor(sessionID target.SessionID) (registry.ClientID, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.Client, true
}

// Session returns the session for id, or nil.
func (m *Map) Session(id target.SessionID) *Session {
	return m.sessions[id]
}

// Target returns the target for id, or nil.
func (m *Map) Target(id target.ID) *Target {
	return m.targets[id]
}

// Targets returns every known target sorted by id.
func (m *Map) Targets() []*Target {
	out := make([]*Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns every live session, oldest first.
func (m *Map) Sessions() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CreateContext mints a browser context owned by client.
func (m *Map) CreateContext(client registry.ClientID) cdp.BrowserContextID {
	id := m.newContextID()
	m.contexts[id] = client
	return id
}

// DisposeContext forgets a minted context. The default context cannot be
// disposed.
func (m *Map) DisposeContext(id cdp.BrowserContextID) bool {
	if _, ok := m.contexts[id]; !ok {
		return false
	}
	delete(m.contexts, id)
	return true
}

// Contexts returns the minted browser contexts, excluding the default one.
func (m *Map) Contexts() []cdp.BrowserContextID {
	out := make([]cdp.BrowserContextID, 0, len(m.contexts))
	for id := range m.contexts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Map) dropSession(id target.SessionID) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if m.sessionByTarget[s.TargetID] == id {
		delete(m.sessionByTarget, s.TargetID)
		if t, ok := m.targets[s.TargetID]; ok {
			t.State = Unbound
		}
	}
}

func (m *Map) contextInUse(id cdp.BrowserContextID) bool {
	for _, t := range m.targets {
		if t.BrowserContextID == id {
			return true
		}
	}
	return false
}
