package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/bropgw/internal/crashlog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 * 1024 // screenshots and DOM snapshots are large
)

// peer is one WebSocket with an unbounded, ordered outbox drained by its own
// writer goroutine. Send never blocks the caller.
type peer struct {
	conn   *websocket.Conn
	remote string

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go p.writePump()
	return p
}

// Send queues a text frame. Frames queued after Close are dropped.
func (p *peer) Send(frame []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, frame)
	p.mu.Unlock()
	p.signal()
}

// Close flushes the queued frames, sends a close frame and closes the socket.
func (p *peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

func (p *peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// readPump hands every frame to onFrame until the socket fails, then calls
// onClose once.
func (p *peer) readPump(onFrame func([]byte), onClose func()) {
	defer onClose()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		onFrame(data)
	}
}

func (p *peer) writePump() {
	defer func() {
		p.conn.Close()
		close(p.done)
	}()

	for range p.wake {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, frame := range batch {
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.writeFailed(err)
				p.mu.Lock()
				p.closed = true
				p.queue = nil
				p.mu.Unlock()
				return
			}
		}

		if closed {
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// writeFailed reports a failed write unless the socket was already closing.
func (p *peer) writeFailed(err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	crashlog.LogError("peer", err, map[string]string{"remote": p.remote})
}
