package amqp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/kehrazy/amqp091/internal/mocks"
)

func rawFrame(t *testing.T, f *Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))
	return buf.Bytes()
}

func methodFrameBytes(t *testing.T, channel uint16, className, methodName string, args Args) []byte {
	t.Helper()
	desc, err := lookupMethodByName(className, methodName)
	require.NoError(t, err)
	mf := &MethodFrame{Channel: channel, ClassID: desc.ClassID, MethodID: desc.ID, Args: args}
	f, err := mf.toFrame()
	require.NoError(t, err)
	return rawFrame(t, f)
}

// scriptedHandshake answers exactly the protocol-header/start-ok/tune-ok/
// open writes a Dial makes, letting the test control the server's tune
// bid and capture the client's tune-ok reply.
func scriptedHandshake(t *testing.T, serverTune Args, onTuneOk func(Args)) *mocks.Connection {
	t.Helper()
	step := 0
	return mocks.NewConnection(func(b []byte) ([]byte, error) {
		defer func() { step++ }()
		switch step {
		case 0: // protocol header
			return methodFrameBytes(t, 0, "connection", "start", Args{
				"version-major":     byte(0),
				"version-minor":     byte(9),
				"server-properties": Table{},
				"mechanisms":        "PLAIN AMQPLAIN",
				"locales":           "en_US",
			}), nil
		case 1: // start-ok
			return methodFrameBytes(t, 0, "connection", "tune", serverTune), nil
		case 2: // tune-ok
			if onTuneOk != nil {
				f, err := ReadFrame(bytes.NewReader(b))
				require.NoError(t, err)
				mf, err := parseMethodFrame(f)
				require.NoError(t, err)
				onTuneOk(mf.Args)
			}
			return nil, nil
		case 3: // open
			return methodFrameBytes(t, 0, "connection", "open-ok", Args{"reserved-1": ""}), nil
		default:
			return nil, nil
		}
	})
}

func dialMock(t *testing.T, conn *mocks.Connection, opts ...DialOption) *Connection {
	t.Helper()
	cfg := NewConfig("guest", "guest")
	cfg.Dial = func(network, addr string) (net.Conn, error) { return conn, nil }
	cfg.ConnectionTimeout = time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := DialConfig("localhost:5672", cfg)
	require.NoError(t, err)
	return c
}

func TestDialPerformsFullHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	conn := scriptedHandshake(t, Args{
		"channel-max": uint16(256), "frame-max": uint32(131072), "heartbeat": uint16(0),
	}, nil)
	c := dialMock(t, conn)
	defer c.Close()

	require.Equal(t, uint16(256), c.channelMax)
	require.Equal(t, uint32(131072), c.frameMax)
}

// TestTuneNegotiationMinNonzeroHeartbeat matches the negotiation scenario
// where the server bids (channelmax=2048, framemax=131072, heartbeat=60)
// against a client bid of (256, 0, 30): channel-max takes the min,
// frame-max takes the server's value since the client expressed no
// preference, and heartbeat takes the min of the two nonzero bids.
func TestTuneNegotiationMinNonzeroHeartbeat(t *testing.T) {
	defer leaktest.Check(t)()
	var tuneOkArgs Args
	conn := scriptedHandshake(t, Args{
		"channel-max": uint16(2048), "frame-max": uint32(131072), "heartbeat": uint16(60),
	}, func(args Args) { tuneOkArgs = args })

	c := dialMock(t, conn, WithChannelMax(256), WithFrameMax(0), WithHeartbeat(30*time.Second))
	defer c.Close()

	require.Equal(t, uint16(256), c.channelMax)
	require.Equal(t, uint32(131072), c.frameMax)
	require.Equal(t, 30*time.Second, c.heartbeat)

	require.Equal(t, uint16(256), tuneOkArgs["channel-max"])
	require.Equal(t, uint32(131072), tuneOkArgs["frame-max"])
	require.Equal(t, uint16(30), tuneOkArgs["heartbeat"])
}

func TestPickNegotiationRule(t *testing.T) {
	require.Equal(t, uint32(5), pick(0, 5))
	require.Equal(t, uint32(5), pick(5, 0))
	require.Equal(t, uint32(0), pick(0, 0))
	require.Equal(t, uint32(3), pick(3, 7))
	require.Equal(t, uint32(3), pick(7, 3))
}

// TestChannelAutoAssignSkipsInUseIDs matches the scenario of a
// channel-max=256 connection with channels {0, 1, 3} already in use:
// the next auto-assigned id is 2.
func TestChannelAutoAssignSkipsInUseIDs(t *testing.T) {
	c := &Connection{
		channels:   map[uint16]*Channel{0: nil, 1: nil, 3: nil},
		channelMax: 256,
	}
	id, err := c.allocateChannel()
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)
}

func TestChannelIDsExhausted(t *testing.T) {
	c := &Connection{
		channels:   map[uint16]*Channel{1: nil, 2: nil},
		channelMax: 2,
	}
	_, err := c.allocateChannel()
	require.ErrorIs(t, err, ErrChannelIDsExhausted)
}
