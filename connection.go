package amqp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/kehrazy/amqp091/internal/debug"
	"github.com/kehrazy/amqp091/internal/queue"
)

// protocolHeader is sent as the first eight octets of every connection,
// identifying the protocol and version before any framing begins.
const protocolHeader = "AMQP\x00\x00\x09\x01"

// pick resolves a client/server negotiation bid into the effective
// value used for the rest of the connection's life: zero on either side
// means "no preference", so the other side's bid wins outright;
// otherwise the smaller of the two wins.
func pick(client, server uint32) uint32 {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

func pick16(client, server uint16) uint16 {
	return uint16(pick(uint32(client), uint32(server)))
}

// selectLocale picks the client's preferred locale if the server
// advertises it, else falls back to the first locale the server offers.
func selectLocale(preferred, advertised string) string {
	options := strings.Fields(advertised)
	for _, o := range options {
		if o == preferred {
			return preferred
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return preferred
}

// clientCapabilities builds the client-properties capabilities table
// sent in connection.start-ok: an empty table, plus an echo of
// consumer_cancel_notify and connection.blocked when the server itself
// advertised them in its own server-properties.capabilities, so the
// server knows the client is prepared to receive the corresponding
// extension methods. Other server capabilities are not echoed.
func clientCapabilities(serverProps Table) Table {
	caps := Table{}
	serverCaps, _ := serverProps["capabilities"].(Table)
	for _, key := range []string{"consumer_cancel_notify", "connection.blocked"} {
		if v, ok := serverCaps[key]; ok {
			caps[key] = v
		}
	}
	return caps
}

// connState is the monotonic lifecycle shared by Connection and Channel.
type connState int32

const (
	stateOpening connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// sendQueueDepth is the segment size of the outbound send queue. The
// queue grows by further segments as needed, so it has no upper bound
// on queued frames and Channel.send never blocks on a full queue.
const sendQueueDepth = 64

// Connection is one AMQP 0-9-1 connection: a single transport stream
// multiplexed into channels, driven by one sender task, one receiver
// task, and one heartbeater task.
type Connection struct {
	cfg  Config
	conn Transport

	channel0 *Channel

	sendQueue *queue.Blocking[*Frame]

	mu          sync.Mutex
	channels    map[uint16]*Channel
	nextChannel uint16
	channelMax  uint16
	frameMax    uint32
	heartbeat   time.Duration
	serverProps Table

	lastRecv atomic.Int64 // UnixNano, updated by the reader task
	lastSent atomic.Int64 // UnixNano, updated by the sender task

	closeOnce sync.Once
	closeErr  atomic.Pointer[CloseReason]
	closed    chan struct{}

	notifyMu         sync.Mutex
	closeConsumers   []chan *CloseReason
	blockedConsumers []chan bool

	wg sync.WaitGroup
}

// Dial opens a Connection to addr ("host:port"), completing the full
// protocol-header / Start / Tune / Open handshake before returning.
func Dial(addr string, username, password string, opts ...DialOption) (*Connection, error) {
	cfg := NewConfig(username, password)
	for _, opt := range opts {
		opt(cfg)
	}
	return DialConfig(addr, cfg)
}

// DialConfig opens a Connection using a fully-populated Config.
func DialConfig(addr string, cfg *Config) (*Connection, error) {
	if cfg.ChannelMax == 0 {
		cfg.ChannelMax = DefaultChannelMax
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(5672))
	}

	transport, err := dialTransport("tcp", addr, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "dial transport")
	}

	c := &Connection{
		cfg:       *cfg,
		conn:      transport,
		channels:  make(map[uint16]*Channel),
		sendQueue: queue.NewBlocking[*Frame](sendQueueDepth),
		closed:    make(chan struct{}),
	}
	c.channel0 = newChannel(c, 0)
	c.channels[0] = c.channel0

	// The handshake runs its own reads/writes directly against the
	// transport, ahead of the sender/reader tasks, so it gets its own
	// deadline-wrapped view; the connection itself keeps the bare
	// transport, since liveness after the handshake is the
	// heartbeater's job, not a fixed per-call deadline's.
	handshakeConn := transport
	if cfg.ConnectionTimeout > 0 {
		handshakeConn = withDeadline(transport, cfg.ConnectionTimeout)
	}
	if err := c.handshakeOver(handshakeConn, cfg); err != nil {
		transport.Close()
		return nil, err
	}
	if cfg.ConnectionTimeout > 0 {
		// The wrapper set its deadlines on the shared transport; clear
		// the last one so it does not outlive the handshake.
		if err := transport.SetDeadline(time.Time{}); err != nil {
			transport.Close()
			return nil, errors.Wrap(err, "clear handshake deadline")
		}
	}

	now := time.Now().UnixNano()
	c.lastSent.Store(now)
	c.lastRecv.Store(now)

	c.wg.Add(3)
	go c.senderTask()
	go c.readerTask()
	go c.heartbeaterTask()

	return c, nil
}

// handshakeOver runs the synchronous protocol-header / Start / Tune /
// Open sequence over conn, before any background task exists, so it can
// use plain, blocking reads and writes independent of the connection's
// own c.conn (which may not yet carry a handshake deadline).
func (c *Connection) handshakeOver(conn Transport, cfg *Config) error {
	if _, err := conn.Write([]byte(protocolHeader)); err != nil {
		return errors.Wrap(err, "write protocol header")
	}

	startFrame, err := ReadFrame(conn)
	if err != nil {
		return errors.Wrap(err, "read connection.start")
	}
	start, err := parseMethodFrame(startFrame)
	if err != nil {
		return err
	}
	if start.ClassID != classConnection || start.MethodID != 10 {
		return errProtocolf("expected connection.start, got class %d method %d", start.ClassID, start.MethodID)
	}

	mechanisms, _ := start.Args["mechanisms"].(string)
	auth, err := pickSASLMechanism(cfg.SASLMechanisms, mechanisms)
	if err != nil {
		return err
	}
	c.serverProps, _ = start.Args["server-properties"].(Table)

	locales, _ := start.Args["locales"].(string)
	locale := selectLocale(cfg.Locale, locales)

	clientProps := Table{}
	for k, v := range cfg.Properties {
		clientProps[k] = v
	}
	if _, ok := clientProps["product"]; !ok {
		clientProps["product"] = "amqp091"
	}
	clientProps["capabilities"] = clientCapabilities(c.serverProps)

	startOk, err := buildMethodFrame(0, classConnection, "start-ok", Args{
		"client-properties": clientProps,
		"mechanism":         auth.Mechanism(),
		"response":          auth.Response(),
		"locale":            locale,
	})
	if err != nil {
		return err
	}
	if err := c.writeMethodOver(conn, startOk); err != nil {
		return errors.Wrap(err, "write connection.start-ok")
	}

	tuneFrame, err := ReadFrame(conn)
	if err != nil {
		return errors.Wrap(err, "read connection.tune")
	}
	tune, err := parseMethodFrame(tuneFrame)
	if err != nil {
		return err
	}
	if tune.ClassID != classConnection || tune.MethodID != 30 {
		return errProtocolf("expected connection.tune, got class %d method %d", tune.ClassID, tune.MethodID)
	}

	serverChannelMax, _ := tune.Args["channel-max"].(uint16)
	serverFrameMax, _ := tune.Args["frame-max"].(uint32)
	serverHeartbeat, _ := tune.Args["heartbeat"].(uint16)

	c.channelMax = pick16(cfg.ChannelMax, serverChannelMax)
	c.frameMax = pick(cfg.FrameMax, serverFrameMax)
	heartbeatSecs := pick16(uint16(cfg.Heartbeat/time.Second), serverHeartbeat)
	c.heartbeat = time.Duration(heartbeatSecs) * time.Second

	tuneOk, err := buildMethodFrame(0, classConnection, "tune-ok", Args{
		"channel-max": c.channelMax,
		"frame-max":   c.frameMax,
		"heartbeat":   heartbeatSecs,
	})
	if err != nil {
		return err
	}
	if err := c.writeMethodOver(conn, tuneOk); err != nil {
		return errors.Wrap(err, "write connection.tune-ok")
	}

	openFrame, err := buildMethodFrame(0, classConnection, "open", Args{
		"virtual-host": cfg.Vhost,
		"reserved-1":   "",
		"reserved-2":   false,
	})
	if err != nil {
		return err
	}
	if err := c.writeMethodOver(conn, openFrame); err != nil {
		return errors.Wrap(err, "write connection.open")
	}

	openOkFrame, err := ReadFrame(conn)
	if err != nil {
		return errors.Wrap(err, "read connection.open-ok")
	}
	openOk, err := parseMethodFrame(openOkFrame)
	if err != nil {
		return err
	}
	if openOk.ClassID != classConnection || openOk.MethodID != 41 {
		return errProtocolf("expected connection.open-ok, got class %d method %d", openOk.ClassID, openOk.MethodID)
	}

	c.channel0.setState(stateOpen)
	return nil
}

func buildMethodFrame(channel uint16, classID uint16, methodName string, args Args) (*MethodFrame, error) {
	desc, err := lookupMethodByName(classCatalog[classID].Name, methodName)
	if err != nil {
		return nil, err
	}
	return &MethodFrame{Channel: channel, ClassID: desc.ClassID, MethodID: desc.ID, Args: args}, nil
}

// writeMethodOver serializes and writes mf directly to conn. Only used
// during the handshake, before the sender task exists.
func (c *Connection) writeMethodOver(conn Transport, mf *MethodFrame) error {
	f, err := mf.toFrame()
	if err != nil {
		return err
	}
	return WriteFrame(conn, f)
}

// enqueue hands f to the sender task without blocking; the send queue
// has no capacity limit. It is the single path every channel's outbound traffic funnels
// through, preserving per-connection send ordering.
func (c *Connection) enqueue(f *Frame) error {
	select {
	case <-c.closed:
		if r := c.closeErr.Load(); r != nil {
			return &ConnectionCloseError{Reason: r}
		}
		return &ConnectionCloseError{Reason: &CloseReason{Initiator: "client", ReplyText: "connection closed"}}
	default:
	}
	if !c.sendQueue.Put(f) {
		return &ConnectionCloseError{Reason: c.closeErr.Load()}
	}
	return nil
}

func (c *Connection) senderTask() {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		f, ok := c.sendQueue.Take(ctx)
		if !ok {
			return
		}
		if err := WriteFrame(c.conn, f); err != nil {
			debug.Log(ctx, slog.LevelError, "amqp: write failed", "error", err)
			c.shutdown(&CloseReason{Initiator: "transport", ReplyText: err.Error()})
			return
		}
		c.lastSent.Store(time.Now().UnixNano())
	}
}

func (c *Connection) readerTask() {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(&CloseReason{Initiator: "transport", ReplyText: err.Error()})
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		if f.Type == frameHeartbeat {
			continue
		}

		c.mu.Lock()
		ch, ok := c.channels[f.Channel]
		c.mu.Unlock()
		if !ok || ch == nil {
			debug.Log(ctx, slog.LevelWarn, "amqp: frame for unknown channel, dropping", "channel", f.Channel)
			continue
		}
		if err := ch.deliverFrame(f); err != nil {
			debug.Log(ctx, slog.LevelError, "amqp: dispatch failed", "channel", f.Channel, "error", err)
			c.shutdown(&CloseReason{Initiator: "client", ReplyText: err.Error()})
			return
		}
	}
}

// heartbeaterTask enforces the negotiated heartbeat interval: it emits
// a heartbeat frame whenever nothing has been sent for a full interval,
// and tears the connection down once nothing has been received for two
// full intervals, per the negotiated-interval liveness rule.
func (c *Connection) heartbeaterTask() {
	defer c.wg.Done()
	if c.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, c.lastSent.Load())) >= c.heartbeat {
				if err := c.enqueue(&Frame{Type: frameHeartbeat, Channel: 0}); err != nil {
					return
				}
			}
			if now.Sub(time.Unix(0, c.lastRecv.Load())) >= 2*c.heartbeat {
				c.shutdown(&CloseReason{Initiator: "transport", ReplyText: "missed server heartbeats"})
				return
			}
		}
	}
}

// allocateChannel reserves the next free channel id in 1..channel-max
// (inclusive), scanning forward from the last id it assigned and
// wrapping around.
func (c *Connection) allocateChannel() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < int(c.channelMax); i++ {
		c.nextChannel++
		if c.nextChannel == 0 || c.nextChannel > c.channelMax {
			c.nextChannel = 1
		}
		if _, taken := c.channels[c.nextChannel]; !taken {
			c.channels[c.nextChannel] = nil // reserve the slot
			return c.nextChannel, nil
		}
	}
	return 0, ErrChannelIDsExhausted
}

// Channel opens a new channel with an automatically assigned id.
func (c *Connection) Channel() (*Channel, error) {
	id, err := c.allocateChannel()
	if err != nil {
		return nil, err
	}
	return c.openChannel(id)
}

func (c *Connection) openChannel(id uint16) (*Channel, error) {
	ch := newChannel(c, id)
	c.mu.Lock()
	c.channels[id] = ch
	c.mu.Unlock()

	resp, err := ch.call("channel", "open", Args{"reserved-1": ""}, "open-ok")
	if err != nil {
		c.mu.Lock()
		delete(c.channels, id)
		c.mu.Unlock()
		return nil, err
	}
	_ = resp
	ch.setState(stateOpen)
	return ch, nil
}

// forgetChannel removes a closed channel's slot so its id can be reused.
func (c *Connection) forgetChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close performs a graceful, bilateral close: it sends connection.close,
// waits for connection.close-ok, and tears down the background tasks.
func (c *Connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	_, err := c.channel0.call("connection", "close", Args{
		"reply-code": uint16(200),
		"reply-text": "goodbye",
		"class-id":   uint16(0),
		"method-id":  uint16(0),
	}, "close-ok")

	c.shutdown(&CloseReason{Initiator: "client", ReplyText: "goodbye"})
	c.wg.Wait()

	switch err.(type) {
	case nil, *ConnectionCloseError, *ChannelCloseError:
		// The peer either answered close-ok, or the connection tore
		// down (by us, just above, or concurrently) before it could;
		// either way the connection is closed, which is what the
		// caller asked for.
		return nil
	default:
		return err
	}
}

// shutdown tears the connection down exactly once: it records reason,
// closes every channel with it, and stops the sender/reader/heartbeater
// tasks by closing the send queue and the shared closed signal.
func (c *Connection) shutdown(reason *CloseReason) {
	c.closeOnce.Do(func() {
		c.closeErr.Store(reason)
		close(c.closed)
		c.sendQueue.Close()
		c.conn.Close()

		c.mu.Lock()
		chans := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			if ch != nil {
				chans = append(chans, ch)
			}
		}
		c.mu.Unlock()
		for _, ch := range chans {
			ch.closeWith(reason)
		}

		c.notifyMu.Lock()
		for _, ch := range c.closeConsumers {
			ch <- reason
			close(ch)
		}
		c.closeConsumers = nil
		c.notifyMu.Unlock()
	})
}

// handlePeerClose answers a server-initiated connection.close and
// begins shutdown with the reason the server gave.
func (c *Connection) handlePeerClose(mf *MethodFrame) {
	reason := &CloseReason{
		Initiator: "server",
		ReplyCode: argUint16(mf.Args["reply-code"]),
		ReplyText: argString(mf.Args["reply-text"]),
		ClassID:   argUint16(mf.Args["class-id"]),
		MethodID:  argUint16(mf.Args["method-id"]),
	}
	closeOk, err := buildMethodFrame(0, classConnection, "close-ok", nil)
	if err == nil {
		_ = c.enqueue(mustFrame(closeOk))
	}
	c.shutdown(reason)
}

func (c *Connection) notifyBlockedState(blocked bool, reason string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, ch := range c.blockedConsumers {
		ch <- blocked
	}
}

// NotifyClose registers ch to receive the connection's CloseReason
// exactly once, after which ch is closed. Pass a channel with capacity
// at least 1.
func (c *Connection) NotifyClose(ch chan *CloseReason) chan *CloseReason {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	select {
	case <-c.closed:
		ch <- c.closeErr.Load()
		close(ch)
	default:
		c.closeConsumers = append(c.closeConsumers, ch)
	}
	return ch
}

// NotifyBlocked registers ch to receive connection.blocked/unblocked
// notifications as the server applies or releases TCP backpressure.
func (c *Connection) NotifyBlocked(ch chan bool) chan bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.blockedConsumers = append(c.blockedConsumers, ch)
	return ch
}

func mustFrame(mf *MethodFrame) *Frame {
	f, err := mf.toFrame()
	if err != nil {
		// Only reachable for a hand-built MethodFrame with a mistyped
		// argument; every caller here builds arguments straight from
		// the catalog's own types.
		panic(err)
	}
	return f
}

func argUint16(v interface{}) uint16 {
	n, _ := v.(uint16)
	return n
}

func argString(v interface{}) string {
	s, _ := v.(string)
	return s
}
