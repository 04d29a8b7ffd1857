// Package mocks provides a net.Conn-shaped fake transport for exercising
// the connection/channel state machines without a real broker.
package mocks

import (
	"bytes"
	"errors"
	"net"
	"time"
)

// NewConnection creates a new instance of Connection. resp is invoked
// for every frame written to the fake transport; it returns the raw
// bytes to hand back on the next Read (nil to swallow the frame), or a
// non-nil error to simulate a write failure.
func NewConnection(resp func(frame []byte) ([]byte, error)) *Connection {
	return &Connection{
		resp: resp,
		// Shutdown can close the reader side before the writer side
		// stops producing frames, so buffer a few replies rather than
		// block a Write that has no one left to read it.
		readData:  make(chan []byte, 16),
		readClose: make(chan struct{}),
	}
}

// Connection is a mock transport satisfying the net.Conn interface that
// Transport embeds. Read, Write, and Close are called from distinct
// goroutines (the reader task, the sender task, and whoever tears the
// connection down), matching the real concurrency shape.
type Connection struct {
	resp      func(frame []byte) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool

	pending bytes.Buffer
}

// Read blocks until a response is queued by Write, Close is called, or
// the read deadline expires.
func (m *Connection) Read(b []byte) (int, error) {
	if m.pending.Len() > 0 {
		return m.pending.Read(b)
	}

	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	var dl <-chan time.Time
	if m.readDL != nil {
		dl = m.readDL.C
	}

	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	case <-dl:
		return 0, errors.New("mock connection read deadline exceeded")
	case rd := <-m.readData:
		m.pending.Write(rd)
		return m.pending.Read(b)
	}
}

// Write is invoked once per frame the connection/channel under test
// sends. Every call round-trips through the responder callback.
func (m *Connection) Write(b []byte) (int, error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	resp, err := m.resp(append([]byte(nil), b...))
	if err != nil {
		return 0, err
	}
	if resp != nil {
		select {
		case m.readData <- resp:
		case <-m.readClose:
		}
	}
	return len(b), nil
}

// Close marks the transport closed, waking any blocked Read.
func (m *Connection) Close() error {
	if m.closed {
		return errors.New("mock connection: double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *Connection) LocalAddr() net.Addr  { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (m *Connection) RemoteAddr() net.Addr { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }

func (m *Connection) SetDeadline(t time.Time) error {
	if err := m.SetReadDeadline(t); err != nil {
		return err
	}
	return m.SetWriteDeadline(t)
}

func (m *Connection) SetReadDeadline(t time.Time) error {
	if m.readDL != nil && !m.readDL.Stop() {
		select {
		case <-m.readDL.C:
		default:
		}
	}
	if t.IsZero() {
		m.readDL = nil
		return nil
	}
	m.readDL = time.NewTimer(time.Until(t))
	return nil
}

// SetWriteDeadline is a no-op: Write never blocks in this fake, it calls
// the responder synchronously and returns.
func (m *Connection) SetWriteDeadline(t time.Time) error { return nil }

// Inject queues raw bytes to be returned by the next Read calls,
// letting a test push a frame the connection under test didn't ask for
// (a server-initiated connection.close, for instance).
func (m *Connection) Inject(b []byte) {
	select {
	case m.readData <- b:
	case <-m.readClose:
	}
}
