package amqp

import (
	"crypto/tls"
	"net"
	"time"
)

// Default negotiation values, used as the client's opening bid before
// Tune/TuneOk negotiation per pick's min/max rule.
const (
	DefaultChannelMax  = uint16(256)
	DefaultFrameMax    = uint32(0) // no client limit
	DefaultHeartbeat   = 0          // no client requirement
	DefaultVhost       = "/"
	DefaultConnTimeout = 5 * time.Second
	DefaultLocale      = "en_US"
)

// Config holds the parameters a Dial uses to open a Connection. The
// zero value is not ready to use; call NewConfig to get defaults filled
// in, or construct via Dial's functional options.
type Config struct {
	// Vhost is the virtual host requested in connection.open.
	Vhost string

	// SASLMechanisms lists the client's offered authentication
	// mechanisms in preference order. pickSASLMechanism picks the first
	// one the server also advertises in connection.start.
	SASLMechanisms []Authentication

	// ChannelMax and FrameMax are the client's opening bid for
	// connection.tune-ok; pick() resolves them against the server's bid.
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration

	// ConnectionTimeout bounds dialing the transport and completing the
	// connection.* handshake. Zero means no timeout.
	ConnectionTimeout time.Duration

	// TLSClientConfig, when non-nil, makes DialConfig run a TLS client
	// handshake with this configuration over the dialed connection.
	TLSClientConfig *tls.Config

	// Dial overrides how the transport is established; nil dials the
	// address with a net.Dialer whose timeout is ConnectionTimeout.
	Dial func(network, addr string) (net.Conn, error)

	// Properties are merged into the client-properties table sent with
	// connection.start-ok.
	Properties Table

	// Locale is the client's requested connection.start-ok locale.
	Locale string
}

// NewConfig returns a Config populated with the client's default
// negotiation bid and a PLAIN/AMQPLAIN auth pair for the given
// credentials.
func NewConfig(username, password string) *Config {
	return &Config{
		Vhost: DefaultVhost,
		SASLMechanisms: []Authentication{
			&AMQPlainAuth{Username: username, Password: password},
			&PlainAuth{Username: username, Password: password},
		},
		ChannelMax:        DefaultChannelMax,
		FrameMax:          DefaultFrameMax,
		Heartbeat:         DefaultHeartbeat,
		ConnectionTimeout: DefaultConnTimeout,
		Locale:            DefaultLocale,
		Properties:        Table{},
	}
}

// DialOption customizes a Config before Dial opens the connection.
type DialOption func(*Config)

// WithVhost overrides the default "/" virtual host.
func WithVhost(vhost string) DialOption {
	return func(c *Config) { c.Vhost = vhost }
}

// WithChannelMax overrides the client's channel-max bid.
func WithChannelMax(n uint16) DialOption {
	return func(c *Config) { c.ChannelMax = n }
}

// WithFrameMax overrides the client's frame-max bid.
func WithFrameMax(n uint32) DialOption {
	return func(c *Config) { c.FrameMax = n }
}

// WithHeartbeat overrides the client's heartbeat bid.
func WithHeartbeat(d time.Duration) DialOption {
	return func(c *Config) { c.Heartbeat = d }
}

// WithConnectionTimeout overrides the dial/handshake timeout.
func WithConnectionTimeout(d time.Duration) DialOption {
	return func(c *Config) { c.ConnectionTimeout = d }
}

// WithTLSConfig enables TLS with the given configuration.
func WithTLSConfig(tc *tls.Config) DialOption {
	return func(c *Config) { c.TLSClientConfig = tc }
}

// WithProperty merges one client-properties entry into connection.start-ok.
func WithProperty(name string, value interface{}) DialOption {
	return func(c *Config) {
		if c.Properties == nil {
			c.Properties = Table{}
		}
		c.Properties[name] = value
	}
}

// WithSASLMechanisms overrides the client's offered authentication
// mechanisms and their preference order.
func WithSASLMechanisms(auths ...Authentication) DialOption {
	return func(c *Config) { c.SASLMechanisms = auths }
}
