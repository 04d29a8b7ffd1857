package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kehrazy/amqp091/internal/buffer"
)

func TestLookupMethodByNameAndID(t *testing.T) {
	byName, err := lookupMethodByName("connection", "tune-ok")
	require.NoError(t, err)
	require.Equal(t, uint16(30+1), byName.ID)

	byID, err := lookupMethod(classConnection, byName.ID)
	require.NoError(t, err)
	require.Same(t, byName, byID)
}

func TestLookupMethodUnknownClassOrMethod(t *testing.T) {
	_, err := lookupMethod(999, 1)
	require.Error(t, err)

	_, err = lookupMethod(classConnection, 999)
	require.Error(t, err)

	_, err = lookupMethodByName("bogus", "open")
	require.Error(t, err)

	_, err = lookupMethodByName("connection", "bogus")
	require.Error(t, err)
}

func TestBuildAndParseMethodArgsConnectionTune(t *testing.T) {
	desc, err := lookupMethodByName("connection", "tune")
	require.NoError(t, err)

	args := Args{
		"channel-max": uint16(2048),
		"frame-max":   uint32(131072),
		"heartbeat":   uint16(60),
	}
	buf := buffer.New(nil)
	require.NoError(t, buildMethodArgs(desc, buf, args))

	got, err := parseMethodArgs(desc, buffer.New(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, args, got)
}

func TestBuildAndParseMethodArgsConnectionOpenBitGrouping(t *testing.T) {
	desc, err := lookupMethodByName("connection", "open")
	require.NoError(t, err)

	args := Args{
		"virtual-host": "/test",
		"reserved-1":   "",
		"reserved-2":   true,
	}
	buf := buffer.New(nil)
	require.NoError(t, buildMethodArgs(desc, buf, args))

	got, err := parseMethodArgs(desc, buffer.New(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, args, got)
}

func TestChannelFlowSingleBitArgument(t *testing.T) {
	desc, err := lookupMethodByName("channel", "flow")
	require.NoError(t, err)

	for _, active := range []bool{true, false} {
		buf := buffer.New(nil)
		require.NoError(t, buildMethodArgs(desc, buf, Args{"active": active}))
		require.Equal(t, 1, buf.Len())

		got, err := parseMethodArgs(desc, buffer.New(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, active, got["active"])
	}
}

func TestCloseOkMethodsHaveNoArguments(t *testing.T) {
	for _, pair := range [][2]string{{"connection", "close-ok"}, {"channel", "close-ok"}} {
		desc, err := lookupMethodByName(pair[0], pair[1])
		require.NoError(t, err)
		require.Empty(t, desc.Args)
	}
}
