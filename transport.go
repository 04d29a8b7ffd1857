package amqp

import (
	"crypto/tls"
	"net"
	"time"
)

// Transport is the minimal net.Conn surface the connection's reader and
// sender tasks depend on. Splitting it out from net.Conn lets tests
// substitute a frame-level fake instead of a real socket.
type Transport interface {
	net.Conn
}

// deadlineConn wraps a Transport so every Read/Write gets a fresh
// deadline derived from a fixed per-operation timeout, turning a stalled
// peer into a bounded error instead of a goroutine stuck forever in a
// syscall.
type deadlineConn struct {
	Transport
	timeout time.Duration
}

// withDeadline wraps conn so each Read/Write call gets timeout to
// complete. A zero timeout disables the wrapping and returns conn as-is.
func withDeadline(conn Transport, timeout time.Duration) Transport {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{Transport: conn, timeout: timeout}
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Transport.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Transport.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Transport.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Transport.Write(p)
}

// dialTransport establishes the raw connection for a Config, honoring a
// custom Dial func, TLS, and the connection timeout.
func dialTransport(network, addr string, cfg *Config) (Transport, error) {
	dial := cfg.Dial
	if dial == nil {
		d := net.Dialer{Timeout: cfg.ConnectionTimeout}
		dial = d.Dial
	}
	conn, err := dial(network, addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLSClientConfig != nil {
		host, _, splitErr := net.SplitHostPort(addr)
		tc := cfg.TLSClientConfig.Clone()
		if tc.ServerName == "" && splitErr == nil {
			tc.ServerName = host
		}
		tlsConn := tls.Client(conn, tc)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}
