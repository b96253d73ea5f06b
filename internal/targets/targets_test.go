package targets

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/bropgw/internal/registry"
)

// assertConsistent checks that the forward and back maps agree.
func assertConsistent(t *testing.T, m *Map) {
	t.Helper()
	for sid, s := range m.sessions {
		assert.Equal(t, sid, s.ID)
		back, ok := m.sessionByTarget[s.TargetID]
		assert.True(t, ok, "session %s has no back entry", sid)
		assert.Equal(t, sid, back)
		tgt := m.targets[s.TargetID]
		require.NotNil(t, tgt, "session %s points at unknown target", sid)
		assert.Equal(t, Attached, tgt.State)
	}
	for tid, sid := range m.sessionByTarget {
		s, ok := m.sessions[sid]
		assert.True(t, ok, "target %s points at unknown session", tid)
		if ok {
			assert.Equal(t, tid, s.TargetID)
		}
	}
	for tid, tgt := range m.targets {
		_, bound := m.sessionByTarget[tid]
		assert.Equal(t, bound, tgt.State == Attached, "target %s state", tid)
	}
}

func attachment(tid, sid string) Attachment {
	return Attachment{TargetID: target.ID(tid), SessionID: target.SessionID(sid), Type: "page", URL: "about:blank"}
}

func TestAttachCreatesBoundSession(t *testing.T) {
	m := New()
	s := m.Attach(attachment("F1", "S1"), "A")

	assert.Equal(t, target.ID("F1"), s.TargetID)
	assert.Equal(t, registry.ClientID("A"), s.Client)

	sid, ok := m.SessionFor("F1")
	require.True(t, ok)
	assert.Equal(t, target.SessionID("S1"), sid)

	tid, ok := m.TargetFor("S1")
	require.True(t, ok)
	assert.Equal(t, target.ID("F1"), tid)

	client, ok := m.ClientFor("S1")
	require.True(t, ok)
	assert.Equal(t, registry.ClientID("A"), client)

	tgt := m.Target("F1")
	require.NotNil(t, tgt)
	assert.Equal(t, Attached, tgt.State)
	assert.Equal(t, DefaultContext, tgt.BrowserContextID)
	assertConsistent(t, m)
}

func TestAttachReplacesOldSessionOnSameTarget(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")
	m.Attach(attachment("F1", "S2"), "B")

	assert.Nil(t, m.Session("S1"))
	client, ok := m.ClientFor("S2")
	require.True(t, ok)
	assert.Equal(t, registry.ClientID("B"), client)
	assertConsistent(t, m)
}

func TestAttachMovesSessionIDToNewTarget(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")
	m.Attach(attachment("F2", "S1"), "A")

	tid, _ := m.TargetFor("S1")
	assert.Equal(t, target.ID("F2"), tid)
	assert.Equal(t, Unbound, m.Target("F1").State)
	assertConsistent(t, m)
}

func TestRebindTakesOverRouting(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")

	s := m.Rebind("S1", "B")
	require.NotNil(t, s)
	client, _ := m.ClientFor("S1")
	assert.Equal(t, registry.ClientID("B"), client)
	assert.Nil(t, m.Rebind("missing", "B"))
}

func TestDetachLeavesTargetUnbound(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")

	s := m.Detach("S1")
	require.NotNil(t, s)
	assert.Nil(t, m.Detach("S1"))

	tgt := m.Target("F1")
	require.NotNil(t, tgt, "detach keeps the tab")
	assert.Equal(t, Unbound, tgt.State)
	_, ok := m.SessionFor("F1")
	assert.False(t, ok)
	assertConsistent(t, m)
}

func TestCloseRemovesTargetAndSession(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")

	tgt, s := m.Close("F1")
	require.NotNil(t, tgt)
	require.NotNil(t, s)
	assert.Nil(t, m.Target("F1"))
	assert.Nil(t, m.Session("S1"))

	tgt, s = m.Close("F1")
	assert.Nil(t, tgt)
	assert.Nil(t, s)
	assertConsistent(t, m)
}

func TestReleaseClientIsIdempotent(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")
	m.Attach(attachment("F2", "S2"), "A")
	m.Attach(attachment("F3", "S3"), "B")

	released := m.ReleaseClient("A")
	assert.Len(t, released, 2)
	assert.Empty(t, m.ReleaseClient("A"))

	for _, s := range m.Sessions() {
		assert.NotEqual(t, registry.ClientID("A"), s.Client, "no session may outlive its client")
	}
	assert.Equal(t, Unbound, m.Target("F1").State)
	assert.Equal(t, Attached, m.Target("F3").State)
	assertConsistent(t, m)
}

func TestReleaseClientDropsUnreferencedContexts(t *testing.T) {
	m := New()
	used := m.CreateContext("A")
	unused := m.CreateContext("A")
	other := m.CreateContext("B")

	a := attachment("F1", "S1")
	a.BrowserContextID = used
	m.Attach(a, "A")

	m.ReleaseClient("A")
	assert.ElementsMatch(t, []cdp.BrowserContextID{used, other}, m.Contexts())
	assert.NotContains(t, m.Contexts(), unused)
}

func TestContexts(t *testing.T) {
	m := New()
	id := m.CreateContext("A")
	assert.NotEmpty(t, id)
	assert.Contains(t, m.Contexts(), id)

	assert.True(t, m.DisposeContext(id))
	assert.False(t, m.DisposeContext(id))
	assert.False(t, m.DisposeContext(DefaultContext))
}

func TestFlush(t *testing.T) {
	m := New()
	m.Attach(attachment("F1", "S1"), "A")
	ctx := m.CreateContext("A")

	m.Flush()
	assert.Empty(t, m.Targets())
	assert.Empty(t, m.Sessions())
	assert.Contains(t, m.Contexts(), ctx)
	assertConsistent(t, m)
}

func TestUpsertAndInfo(t *testing.T) {
	m := New()
	m.Upsert(Attachment{TargetID: "F1", Type: "page", Title: "Blank"})
	assert.True(t, m.UpdateInfo("F1", "Example", "https://example.com"))
	assert.False(t, m.UpdateInfo("F9", "x", "y"))

	info := m.Target("F1").Info()
	assert.Equal(t, target.ID("F1"), info.TargetID)
	assert.Equal(t, "Example", info.Title)
	assert.Equal(t, "https://example.com", info.URL)
	assert.False(t, info.Attached)
}
