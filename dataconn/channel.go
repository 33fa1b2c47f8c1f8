package dataconn

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Channel is a live data connection. Its read side can be paused so that a
// persistent connection does not consume data between two commands.
type Channel struct {
	net.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	closed  bool
	eofSeen bool
	onEOF   func(*Channel)
}

// NewChannel wraps conn. onEOF, if not nil, runs once when the peer closes
// its side of the connection.
func NewChannel(conn net.Conn, onEOF func(*Channel)) *Channel {
	ch := &Channel{Conn: conn, onEOF: onEOF}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *Channel) Read(p []byte) (int, error) {
	ch.mu.Lock()
	for ch.paused && !ch.closed {
		ch.cond.Wait()
	}
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	n, err := ch.Conn.Read(p)
	if errors.Is(err, io.EOF) {
		ch.mu.Lock()
		first := !ch.eofSeen
		ch.eofSeen = true
		ch.mu.Unlock()
		if first && ch.onEOF != nil {
			ch.onEOF(ch)
		}
	}
	return n, err
}

// Pause blocks future reads until Resume or Close.
func (ch *Channel) Pause() {
	ch.mu.Lock()
	ch.paused = true
	ch.mu.Unlock()
}

func (ch *Channel) Resume() {
	ch.mu.Lock()
	ch.paused = false
	ch.mu.Unlock()
	ch.cond.Broadcast()
}

func (ch *Channel) Paused() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.paused
}

// IsOpen reports whether Close has not been called yet.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.closed
}

// Close closes the connection once; later calls return nil.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()
	ch.cond.Broadcast()
	return ch.Conn.Close()
}
