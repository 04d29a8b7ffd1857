package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainAuthResponse(t *testing.T) {
	a := &PlainAuth{Username: "guest", Password: "guest"}
	require.Equal(t, "PLAIN", a.Mechanism())
	require.Equal(t, "\x00guest\x00guest", a.Response())
}

func TestAMQPlainAuthResponseContainsLoginAndPassword(t *testing.T) {
	a := &AMQPlainAuth{Username: "guest", Password: "secret"}
	require.Equal(t, "AMQPLAIN", a.Mechanism())
	resp := a.Response()
	require.Contains(t, resp, "LOGIN")
	require.Contains(t, resp, "guest")
	require.Contains(t, resp, "PASSWORD")
	require.Contains(t, resp, "secret")
}

func TestPickSASLMechanismPrefersClientOrder(t *testing.T) {
	offered := []Authentication{
		&AMQPlainAuth{Username: "u", Password: "p"},
		&PlainAuth{Username: "u", Password: "p"},
	}
	a, err := pickSASLMechanism(offered, "PLAIN AMQPLAIN")
	require.NoError(t, err)
	require.Equal(t, "AMQPLAIN", a.Mechanism())
}

func TestPickSASLMechanismFallsBackWhenFirstUnsupported(t *testing.T) {
	offered := []Authentication{
		&AMQPlainAuth{Username: "u", Password: "p"},
		&PlainAuth{Username: "u", Password: "p"},
	}
	a, err := pickSASLMechanism(offered, "PLAIN")
	require.NoError(t, err)
	require.Equal(t, "PLAIN", a.Mechanism())
}

func TestPickSASLMechanismNoneSupported(t *testing.T) {
	offered := []Authentication{&PlainAuth{Username: "u", Password: "p"}}
	_, err := pickSASLMechanism(offered, "EXTERNAL")
	require.ErrorIs(t, err, ErrNoSASLMechanism)
}
