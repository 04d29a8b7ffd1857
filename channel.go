package amqp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kehrazy/amqp091/internal/debug"
)

// HandlerFunc processes one frame dispatched to a channel's handler
// table. It is the function-over-(channel, frame, context) shape the
// dispatch model builds on; higher-level verbs (queue/exchange/basic)
// install their own HandlerFunc values instead of extending a fixed
// switch statement.
type HandlerFunc func(ctx context.Context, ch *Channel, f *Frame)

// handlerKey is a channel's dispatch key: either (FrameMethod, classId,
// methodId) for a method, or (frameType,) with ClassID/MethodID zero
// for any other frame type (header, body, heartbeat).
type handlerKey struct {
	Type     byte
	ClassID  uint16
	MethodID uint16
}

// Channel is one multiplexed stream within a Connection. Channel 0 is
// the connection's own control channel and is opened implicitly by
// Dial; every other channel is opened with Connection.Channel.
type Channel struct {
	id   uint16
	conn *Connection

	state atomic.Int32

	rpcMu        sync.Mutex // serializes the single outstanding synchronous call
	replyMu      sync.Mutex
	pendingReply chan *MethodFrame

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason *CloseReason

	notifyMu       sync.Mutex
	closeConsumers []chan *CloseReason
	flowConsumers  []chan bool

	handlersMu sync.Mutex
	handlers   map[handlerKey]HandlerFunc

	// header/body reassembly state for content arriving behind a
	// method like basic.deliver; basic.* itself is out of scope, but
	// the header/body frame layer underneath it is not, so a channel
	// still needs somewhere to land a pending HeaderFrame if a caller
	// wires in that class.
	pendingHeaderMu sync.Mutex
	pendingHeader   *HeaderFrame
	pendingBody     []byte
}

func newChannel(conn *Connection, id uint16) *Channel {
	ch := &Channel{
		id:       id,
		conn:     conn,
		closed:   make(chan struct{}),
		handlers: make(map[handlerKey]HandlerFunc),
	}
	ch.state.Store(int32(stateOpening))
	ch.installDefaultHandlers()
	return ch
}

// installDefaultHandlers wires up this module's own in-scope methods
// and frame types as ordinary entries in the handler table, the same
// way a higher-level package would install its own with SetHandler.
func (ch *Channel) installDefaultHandlers() {
	ch.SetHandler(frameMethod, classConnection, 50, func(_ context.Context, c *Channel, f *Frame) { // connection.close
		if mf, err := parseMethodFrame(f); err == nil {
			c.conn.handlePeerClose(mf)
		}
	})
	ch.SetHandler(frameMethod, classConnection, 60, func(_ context.Context, c *Channel, f *Frame) { // connection.blocked
		if mf, err := parseMethodFrame(f); err == nil {
			c.conn.notifyBlockedState(true, argString(mf.Args["reason"]))
		}
	})
	ch.SetHandler(frameMethod, classConnection, 61, func(_ context.Context, c *Channel, _ *Frame) { // connection.unblocked
		c.conn.notifyBlockedState(false, "")
	})
	ch.SetHandler(frameMethod, classChannel, 40, func(_ context.Context, c *Channel, f *Frame) { // channel.close
		if mf, err := parseMethodFrame(f); err == nil {
			c.handlePeerClose(mf)
		}
	})
	ch.SetHandler(frameMethod, classChannel, 20, func(_ context.Context, c *Channel, f *Frame) { // channel.flow
		if mf, err := parseMethodFrame(f); err == nil {
			c.handleFlowRequest(mf)
		}
	})
	ch.SetHandler(frameHeader, 0, 0, func(ctx context.Context, c *Channel, f *Frame) {
		hf, err := parseHeaderFrame(f)
		if err != nil {
			debug.Log(ctx, slog.LevelError, "amqp: bad header frame", "channel", c.id, "error", err)
			c.conn.shutdown(&CloseReason{Initiator: "client", ReplyText: err.Error()})
			return
		}
		c.pendingHeaderMu.Lock()
		c.pendingHeader = hf
		c.pendingBody = c.pendingBody[:0]
		c.pendingHeaderMu.Unlock()
	})
	ch.SetHandler(frameBody, 0, 0, func(_ context.Context, c *Channel, f *Frame) {
		bf, err := parseBodyFrame(f)
		if err != nil {
			return
		}
		c.pendingHeaderMu.Lock()
		c.pendingBody = append(c.pendingBody, bf.Payload...)
		c.pendingHeaderMu.Unlock()
	})
	ch.SetHandler(frameHeartbeat, 0, 0, func(_ context.Context, _ *Channel, _ *Frame) {})
}

// SetHandler installs h for the given dispatch key, replacing any
// handler already installed there. Passing a nil h removes the entry,
// equivalent to ClearHandler.
func (ch *Channel) SetHandler(frameType byte, classID, methodID uint16, h HandlerFunc) {
	key := handlerKey{Type: frameType, ClassID: classID, MethodID: methodID}
	ch.handlersMu.Lock()
	defer ch.handlersMu.Unlock()
	if h == nil {
		delete(ch.handlers, key)
		return
	}
	ch.handlers[key] = h
}

// ClearHandler removes the handler installed for the given key, if any.
func (ch *Channel) ClearHandler(frameType byte, classID, methodID uint16) {
	ch.SetHandler(frameType, classID, methodID, nil)
}

func (ch *Channel) handlerFor(frameType byte, classID, methodID uint16) HandlerFunc {
	ch.handlersMu.Lock()
	defer ch.handlersMu.Unlock()
	return ch.handlers[handlerKey{Type: frameType, ClassID: classID, MethodID: methodID}]
}

func (ch *Channel) setState(s connState) {
	ch.state.Store(int32(s))
}

func (ch *Channel) getState() connState {
	return connState(ch.state.Load())
}

// ID returns the channel number.
func (ch *Channel) ID() uint16 { return ch.id }

// send encodes mf and hands it to the connection's sender task.
func (ch *Channel) send(mf *MethodFrame) error {
	f, err := mf.toFrame()
	if err != nil {
		return err
	}
	return ch.conn.enqueue(f)
}

// call sends a method and blocks for its response, up to the
// connection's configured timeout. Only one call may be outstanding on
// a channel at a time, matching AMQP 0-9-1's synchronous,
// one-method-at-a-time RPC discipline on a single channel.
func (ch *Channel) call(className, methodName string, args Args, expect ...string) (*MethodFrame, error) {
	ch.rpcMu.Lock()
	defer ch.rpcMu.Unlock()

	if ch.getState() == stateClosed {
		return nil, &ChannelCloseError{Reason: ch.closeReason}
	}

	desc, err := lookupMethodByName(className, methodName)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *MethodFrame, 1)
	ch.replyMu.Lock()
	ch.pendingReply = replyCh
	ch.replyMu.Unlock()

	mf := &MethodFrame{Channel: ch.id, ClassID: desc.ClassID, MethodID: desc.ID, Args: args}
	if err := ch.send(mf); err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout := ch.conn.cfg.ConnectionTimeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ch.closed:
		return nil, &ChannelCloseError{Reason: ch.closeReason}
	case <-timeoutCh:
		ch.replyMu.Lock()
		ch.pendingReply = nil
		ch.replyMu.Unlock()
		return nil, errProtocolf("%s.%s: timed out waiting for %v", className, methodName, expect)
	}
}

// deliverFrame is called by the connection's reader task for every
// frame addressed to this channel. A method frame dispatches on its
// (classId, methodId); any other frame type dispatches on its type
// alone. A key with no installed handler falls back to completing an
// outstanding call (for a method reply) or is otherwise logged and
// dropped, matching the "unexpected message" fallback.
func (ch *Channel) deliverFrame(f *Frame) error {
	ctx := context.Background()
	switch f.Type {
	case frameMethod:
		mf, err := parseMethodFrame(f)
		if err != nil {
			return err
		}
		if h := ch.handlerFor(frameMethod, mf.ClassID, mf.MethodID); h != nil {
			h(ctx, ch, f)
			return nil
		}
		ch.deliverReply(mf)
		return nil
	case frameHeader, frameBody, frameHeartbeat:
		if h := ch.handlerFor(f.Type, 0, 0); h != nil {
			h(ctx, ch, f)
			return nil
		}
		debug.Log(ctx, slog.LevelWarn, "amqp: unexpected message, dropping", "channel", ch.id, "frameType", f.Type)
		return nil
	default:
		return errProtocolf("channel %d: unexpected frame type %d", ch.id, f.Type)
	}
}

func (ch *Channel) deliverReply(mf *MethodFrame) {
	ch.replyMu.Lock()
	waiter := ch.pendingReply
	ch.pendingReply = nil
	ch.replyMu.Unlock()
	if waiter == nil {
		debug.Log(context.Background(), slog.LevelWarn, "amqp: unexpected message, dropping",
			"channel", ch.id, "classId", mf.ClassID, "methodId", mf.MethodID)
		return
	}
	waiter <- mf
}

// handlePeerClose answers a server-initiated channel.close and marks
// the channel closed with the reason the server gave.
func (ch *Channel) handlePeerClose(mf *MethodFrame) {
	reason := &CloseReason{
		Initiator: "server",
		ReplyCode: argUint16(mf.Args["reply-code"]),
		ReplyText: argString(mf.Args["reply-text"]),
		ClassID:   argUint16(mf.Args["class-id"]),
		MethodID:  argUint16(mf.Args["method-id"]),
	}
	closeOk, err := buildMethodFrame(ch.id, classChannel, "close-ok", nil)
	if err == nil {
		_ = ch.send(closeOk)
	}
	ch.closeWith(reason)
	ch.conn.forgetChannel(ch.id)
}

func (ch *Channel) handleFlowRequest(mf *MethodFrame) {
	active, _ := mf.Args["active"].(bool)
	ch.notifyMu.Lock()
	for _, c := range ch.flowConsumers {
		c <- active
	}
	ch.notifyMu.Unlock()

	flowOk, err := buildMethodFrame(ch.id, classChannel, "flow-ok", Args{"active": active})
	if err == nil {
		_ = ch.send(flowOk)
	}
}

// Flow asks the peer to start (active=true) or stop (active=false)
// delivering content on this channel, and waits for flow-ok.
func (ch *Channel) Flow(active bool) error {
	_, err := ch.call("channel", "flow", Args{"active": active}, "flow-ok")
	return err
}

// Close performs a graceful, bilateral channel close. Channel 0 is
// never closed independently of the connection, so closing it
// delegates to Connection.Close.
func (ch *Channel) Close() error {
	if ch.id == 0 {
		return ch.conn.Close()
	}
	if ch.getState() == stateClosed {
		return nil
	}
	_, err := ch.call("channel", "close", Args{
		"reply-code": uint16(200),
		"reply-text": "goodbye",
		"class-id":   uint16(0),
		"method-id":  uint16(0),
	}, "close-ok")
	ch.closeWith(&CloseReason{Initiator: "client", ReplyText: "goodbye"})
	ch.conn.forgetChannel(ch.id)
	switch err.(type) {
	case nil, *ChannelCloseError, *ConnectionCloseError:
		return nil
	default:
		return err
	}
}

// closeWith marks the channel closed with reason, exactly once, waking
// any call blocked in ch.call.
func (ch *Channel) closeWith(reason *CloseReason) {
	ch.closeOnce.Do(func() {
		ch.closeReason = reason
		ch.setState(stateClosed)
		close(ch.closed)

		ch.notifyMu.Lock()
		for _, c := range ch.closeConsumers {
			c <- reason
			close(c)
		}
		ch.closeConsumers = nil
		for _, c := range ch.flowConsumers {
			close(c)
		}
		ch.flowConsumers = nil
		ch.notifyMu.Unlock()
	})
}

// NotifyClose registers c to receive the channel's CloseReason exactly
// once, after which c is closed. Pass a channel with capacity at least 1.
func (ch *Channel) NotifyClose(c chan *CloseReason) chan *CloseReason {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	select {
	case <-ch.closed:
		c <- ch.closeReason
		close(c)
	default:
		ch.closeConsumers = append(ch.closeConsumers, c)
	}
	return c
}

// NotifyFlow registers c to receive the channel's flow state whenever
// the server issues a channel.flow request.
func (ch *Channel) NotifyFlow(c chan bool) chan bool {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	ch.flowConsumers = append(ch.flowConsumers, c)
	return c
}
