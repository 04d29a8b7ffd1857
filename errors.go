package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError marks a violation of the wire format itself: a bad frame
// terminator, an unrecognized type tag, a declared length that runs past
// the data actually available, an unknown class or method. One found
// while reading or dispatching a frame shuts down the connection that
// detects it. Channel.call also returns a ProtocolError when no reply
// arrives within the configured timeout; that error leaves the channel
// and the connection open.
type ProtocolError struct {
	msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("protocol error: %s", e.msg)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

func errProtocol(msg string) error {
	return errors.WithStack(&ProtocolError{msg: msg})
}

func errProtocolf(format string, args ...interface{}) error {
	return errors.WithStack(&ProtocolError{msg: fmt.Sprintf(format, args...)})
}

// ClientError marks a condition detected locally rather than on the
// wire. It backs the sentinel errors below (ErrChannelIDsExhausted,
// ErrNoSASLMechanism, ErrHandshakeTimeout); operations on a closed
// Channel return ChannelCloseError instead.
type ClientError struct {
	msg string
}

func (e *ClientError) Error() string { return "amqp: " + e.msg }

func errClient(format string, args ...interface{}) error {
	return errors.WithStack(&ClientError{msg: fmt.Sprintf(format, args...)})
}

// CloseReason describes why a Connection or Channel closed, whether the
// close was initiated locally, by the peer, or by a transport failure.
type CloseReason struct {
	// ReplyCode is the AMQP reply code, or 0 for a locally-detected error
	// that never became a connection.close/channel.close method (e.g. a
	// transport failure or handshake timeout).
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
	// Initiator records who closed the connection/channel: "client",
	// "server", or "transport" for an abrupt, uninitiated loss.
	Initiator string
}

func (r *CloseReason) Error() string {
	if r == nil {
		return "<nil>"
	}
	if r.ReplyCode == 0 {
		return fmt.Sprintf("amqp: closed by %s: %s", r.Initiator, r.ReplyText)
	}
	return fmt.Sprintf("amqp: closed by %s: code %d, %s (class %d, method %d)",
		r.Initiator, r.ReplyCode, r.ReplyText, r.ClassID, r.MethodID)
}

// ChannelCloseError is returned by channel operations attempted after the
// channel has closed, and carries the reason it closed.
type ChannelCloseError struct {
	Reason *CloseReason
}

func (e *ChannelCloseError) Error() string {
	return fmt.Sprintf("amqp: channel closed: %v", e.Reason)
}

func (e *ChannelCloseError) Unwrap() error {
	if e.Reason == nil {
		return nil
	}
	return e.Reason
}

// ConnectionCloseError is returned by connection operations attempted
// after the connection has closed, and carries the reason it closed.
type ConnectionCloseError struct {
	Reason *CloseReason
}

func (e *ConnectionCloseError) Error() string {
	return fmt.Sprintf("amqp: connection closed: %v", e.Reason)
}

func (e *ConnectionCloseError) Unwrap() error {
	if e.Reason == nil {
		return nil
	}
	return e.Reason
}

// Sentinel errors for conditions that are neither protocol violations nor
// wrapped close reasons.
var (
	// ErrHandshakeTimeout names a connection.* or channel.* handshake that
	// did not complete within the configured timeout. No code in this
	// package returns it: a handshake read past its deadline fails with
	// the transport's error, and a channel.open with no reply fails with
	// the ProtocolError of the channel's synchronous call.
	ErrHandshakeTimeout = errClient("handshake timed out")
	// ErrChannelIDsExhausted is returned by Connection.Channel when every
	// id up to the negotiated channel-max is already in use.
	ErrChannelIDsExhausted = errClient("no channel ids available up to the negotiated channel-max")
	// ErrNoSASLMechanism is returned when none of the client's configured
	// SASL mechanisms appear in the server's connection.start mechanisms.
	ErrNoSASLMechanism = errClient("no mutually supported SASL mechanism")
)
