package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progrium/rfcomm-go/mux/frame"
)

func TestMultiplexerStart(t *testing.T) {
	m := NewSessionMultiplexer()
	assert.Equal(t, frame.RoleUnassigned, m.Role())

	assert.ErrorIs(t, m.Start(frame.RoleNegotiating), ErrInvalidRole)
	assert.ErrorIs(t, m.Start(frame.RoleUnassigned), ErrInvalidRole)
	assert.False(t, m.Started())

	require.NoError(t, m.Start(frame.RoleInitiator))
	assert.True(t, m.Started())
	assert.Equal(t, frame.RoleInitiator, m.Role())
	assert.ErrorIs(t, m.Start(frame.RoleResponder), ErrMultiplexerAlreadyStarted)
}

func TestMultiplexerParameterNegotiation(t *testing.T) {
	m := NewSessionMultiplexer()
	require.NoError(t, m.Start(frame.RoleResponder))
	assert.Equal(t, NotNegotiated, m.ParameterNegotiationState())
	assert.Equal(t, DefaultSessionParameters(), m.Parameters())

	m.SetParametersNegotiating()
	assert.Equal(t, Negotiating, m.ParameterNegotiationState())
	m.resetParameterNegotiation()
	assert.Equal(t, NotNegotiated, m.ParameterNegotiationState())

	m.NegotiateParameters(SessionParameters{CreditBasedFlow: true, MaxFrameSize: 50})
	assert.True(t, m.ParametersNegotiated())
	assert.True(t, m.CreditBasedFlow())

	// once a DLC exists the parameters are fixed
	_, err := m.EstablishSessionChannel(frame.MustDLCI(4), newQueues(16))
	require.NoError(t, err)
	m.NegotiateParameters(SessionParameters{MaxFrameSize: 10})
	assert.Equal(t, SessionParameters{CreditBasedFlow: true, MaxFrameSize: 50}, m.Parameters())
}

func TestMultiplexerChannels(t *testing.T) {
	m := NewSessionMultiplexer()
	require.NoError(t, m.Start(frame.RoleResponder))
	dlci := frame.MustDLCI(4)

	m.FindOrCreateSessionChannel(dlci)
	assert.False(t, m.DLCIEstablished(dlci))
	assert.False(t, m.DLCEstablished())
	assert.ErrorIs(t, m.SendUserData(dlci, frame.UserData{Information: []byte{1}}), ErrChannelNotEstablished)

	ch, err := m.EstablishSessionChannel(dlci, newQueues(16))
	require.NoError(t, err)
	assert.Equal(t, frame.ServerChannel(2), ch.ServerChannel())
	assert.True(t, m.DLCIEstablished(dlci))
	assert.True(t, m.DLCEstablished())
	assert.Equal(t, 1, m.establishedCount())

	var already *ChannelAlreadyEstablishedError
	_, err = m.EstablishSessionChannel(dlci, newQueues(16))
	require.ErrorAs(t, err, &already)
	assert.Equal(t, dlci, already.DLCI)

	_, err = m.EstablishSessionChannel(frame.MuxControlDLCI, newQueues(16))
	assert.ErrorIs(t, err, frame.ErrInvalidDLCI)

	require.NoError(t, m.SendUserData(dlci, frame.UserData{Information: []byte("abc")}))
	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	assert.True(t, m.CloseSessionChannel(dlci))
	assert.False(t, m.CloseSessionChannel(dlci))
	assert.False(t, m.DLCEstablished())

	// a reservation is dropped but was never established
	m.FindOrCreateSessionChannel(frame.MustDLCI(6))
	assert.False(t, m.CloseSessionChannel(frame.MustDLCI(6)))
}

func TestMultiplexerClose(t *testing.T) {
	m := NewSessionMultiplexer()
	require.NoError(t, m.Start(frame.RoleInitiator))

	a, err := m.EstablishSessionChannel(frame.MustDLCI(4), newQueues(16))
	require.NoError(t, err)
	b, err := m.EstablishSessionChannel(frame.MustDLCI(7), newQueues(16))
	require.NoError(t, err)
	m.FindOrCreateSessionChannel(frame.MustDLCI(8))

	m.Close()
	assert.False(t, m.DLCEstablished())
	assert.Empty(t, m.channels)
	for _, ch := range []*Channel{a, b} {
		_, err := ch.Write([]byte{1})
		assert.Error(t, err)
	}
}
