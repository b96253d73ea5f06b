// Package correlator maps in-flight upstream request ids back to the
// downstream client that must receive the reply.
//
// Ids are assigned by the correlator from one counter shared by both
// dialects, so two clients can never hold colliding in-flight ids even when
// they pick the same ids themselves. The client's own id is kept on the entry
// and restored when the reply is built.
package correlator

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/neboloop/bropgw/internal/registry"
)

// Phase is the completion stage of a pending request.
type Phase int

const (
	// PhaseSent: forwarded upstream, waiting for the reply.
	PhaseSent Phase = iota
	// PhaseAwaitingAttach: upstream acknowledged a target creation; the
	// caller is answered when the matching attach event arrives.
	PhaseAwaitingAttach
)

func (p Phase) String() string {
	if p == PhaseAwaitingAttach {
		return "awaiting_attach"
	}
	return "sent"
}

// Pending is one in-flight upstream call.
type Pending struct {
	RequestID int64
	Client    registry.ClientID
	Dialect   registry.Dialect
	Method    string

	// CDPID or NativeID is the id the client used, or one the gateway made
	// up for a native client that sent none.
	CDPID    int64
	NativeID json.RawMessage

	SessionID string
	TargetID  string
	Phase     Phase
	CreatedAt time.Time
}

// Correlator holds pending requests. Not safe for concurrent use.
type Correlator struct {
	pending map[int64]*Pending
	nextID  int64
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[int64]*Pending)}
}

// NextID returns a fresh upstream id without tracking anything. Used for
// fire-and-forget commands whose replies are dropped.
func (c *Correlator) NextID() int64 {
	c.nextID++
	return c.nextID
}

// Track assigns an upstream id to p and stores it.
func (c *Correlator) Track(p *Pending) int64 {
	p.RequestID = c.NextID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	c.pending[p.RequestID] = p
	return p.RequestID
}

// Peek returns the pending entry without removing it.
func (c *Correlator) Peek(id int64) *Pending {
	return c.pending[id]
}

// Resolve removes and returns the pending entry for id.
func (c *Correlator) Resolve(id int64) *Pending {
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// Promote moves a request to PhaseAwaitingAttach.
func (c *Correlator) Promote(id int64) bool {
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	p.Phase = PhaseAwaitingAttach
	return true
}

// TakeTargetCreation removes and returns the oldest pending request from
// client whose method is method, in any phase. An attach event may overtake
// the command ack, so both phases are eligible. A non-zero seenAt is when the
// attached target was first recorded; requests sent after that cannot have
// created it and are skipped.
func (c *Correlator) TakeTargetCreation(client registry.ClientID, method string, seenAt time.Time) *Pending {
	var oldest *Pending
	for _, p := range c.pending {
		if p.Client != client || p.Method != method {
			continue
		}
		if !seenAt.IsZero() && p.CreatedAt.After(seenAt) {
			continue
		}
		if oldest == nil || p.RequestID < oldest.RequestID {
			oldest = p
		}
	}
	if oldest != nil {
		delete(c.pending, oldest.RequestID)
	}
	return oldest
}

// Addresses reports whether client has a pending method call naming
// targetID.
func (c *Correlator) Addresses(client registry.ClientID, method, targetID string) bool {
	for _, p := range c.pending {
		if p.Client == client && p.Method == method && p.TargetID == targetID {
			return true
		}
	}
	return false
}

// PurgeForClient drops every entry owned by client without replying and
// returns how many were dropped.
func (c *Correlator) PurgeForClient(client registry.ClientID) int {
	n := 0
	for id, p := range c.pending {
		if p.Client == client {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// Drain removes and returns every pending entry, oldest first.
func (c *Correlator) Drain() []*Pending {
	out := make([]*Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	c.pending = make(map[int64]*Pending)
	return out
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int { return len(c.pending) }
