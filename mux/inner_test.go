package mux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progrium/rfcomm-go/mux/frame"
)

type relay struct {
	channels []*Channel
	err      error
}

func (r *relay) opened(ctx context.Context, sc frame.ServerChannel, ch *Channel) error {
	if r.err != nil {
		return r.err
	}
	r.channels = append(r.channels, ch)
	return nil
}

func newTestInner(t *testing.T, opened ChannelOpenedFunc) (*sessionInner, *queues) {
	t.Helper()
	q := newQueues(16)
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 0
	s := newSessionInner(context.Background(), q, opened, cfg, zerolog.Nop())
	t.Cleanup(func() {
		s.shutdown()
		close(q.done)
	})
	return s, q
}

func feed(t *testing.T, s *sessionInner, f frame.Frame) bool {
	t.Helper()
	b, err := frame.Encode(f)
	require.NoError(t, err)
	return s.handleBytes(b)
}

// expectFrame returns the next outbound frame, control frames first.
func expectFrame(t *testing.T, q *queues) frame.Frame {
	t.Helper()
	if f, ok := q.pop(); ok {
		return f
	}
	select {
	case f := <-q.out:
		return f
	default:
		t.Fatal("expected an outbound frame")
		return frame.Frame{}
	}
}

func expectNoFrame(t *testing.T, q *queues) {
	t.Helper()
	if f, ok := q.pop(); ok {
		t.Fatalf("unexpected outbound frame %s", f)
	}
	select {
	case f := <-q.out:
		t.Fatalf("unexpected outbound frame %s", f)
	default:
	}
}

// runRequests executes the requests queued by channels, as the protocol
// goroutine would.
func runRequests(s *sessionInner, q *queues) {
	for {
		select {
		case fn := <-q.requests:
			fn(s)
		default:
			return
		}
	}
}

func startResponder(t *testing.T, s *sessionInner, q *queues) {
	t.Helper()
	feed(t, s, frame.MakeSABMCommand(frame.RoleNegotiating, frame.MuxControlDLCI))
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))
	require.Equal(t, frame.RoleResponder, s.role())
}

func pnFrame(role frame.Role, cr frame.CommandResponse, pn frame.ParameterNegotiationParams) frame.Frame {
	return frame.MakeMuxCommand(role, frame.MuxCommand{Params: pn, CommandResponse: cr})
}

func TestUserSABMBeforeStartupIsRefused(t *testing.T) {
	s, q := newTestInner(t, (&relay{}).opened)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleUnassigned, dlci), expectFrame(t, q))
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))
}

func TestMuxSABMStartsResponder(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)
	assert.True(t, s.multiplexer.Started())

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, frame.MuxControlDLCI))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))
	assert.Equal(t, frame.RoleResponder, s.role())
}

func TestParameterNegotiationCommands(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	pn := frame.DefaultParameterNegotiationCommand(dlci)
	pn.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	pn.MaxFrameSize = 64
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	assert.Equal(t, SessionParameters{CreditBasedFlow: false, MaxFrameSize: 64}, s.multiplexer.Parameters())
	assert.Equal(t, pnFrame(frame.RoleResponder, frame.Response, pn), expectFrame(t, q))

	pn.CreditBasedFlowHandshake = frame.CreditBasedFlowSupportedRequest
	pn.MaxFrameSize = 11
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	assert.Equal(t, SessionParameters{CreditBasedFlow: true, MaxFrameSize: 11}, s.multiplexer.Parameters())

	rsp := pn
	rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowSupportedResponse
	assert.Equal(t, pnFrame(frame.RoleResponder, frame.Response, rsp), expectFrame(t, q))
	assert.True(t, s.multiplexer.ParametersNegotiated())
}

func TestParameterNegotiationBoundedByConfig(t *testing.T) {
	s, q := newTestInner(t, nil)
	s.cfg.CreditBasedFlow = false
	s.cfg.MaxFrameSize = 100
	startResponder(t, s, q)

	pn := frame.DefaultParameterNegotiationCommand(frame.MustDLCI(4))
	pn.MaxFrameSize = 1000
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	assert.Equal(t, SessionParameters{CreditBasedFlow: false, MaxFrameSize: 100}, s.multiplexer.Parameters())

	rsp := pn
	rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	rsp.MaxFrameSize = 100
	assert.Equal(t, pnFrame(frame.RoleResponder, frame.Response, rsp), expectFrame(t, q))
}

func TestParameterNegotiationAfterEstablishedChannel(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	expectFrame(t, q) // UA
	expectFrame(t, q) // MSC
	require.Len(t, r.channels, 1)

	pn := frame.DefaultParameterNegotiationCommand(frame.MustDLCI(6))
	pn.MaxFrameSize = 11
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	assert.Equal(t, DefaultSessionParameters(), s.multiplexer.Parameters())

	rsp := pn
	rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	rsp.MaxFrameSize = uint16(frame.DefaultMaxFrameSize)
	assert.Equal(t, pnFrame(frame.RoleResponder, frame.Response, rsp), expectFrame(t, q))
}

func TestPNCommandOverMuxDLCIIsRefused(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	pn := frame.DefaultParameterNegotiationCommand(frame.MuxControlDLCI)
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))
	assert.Equal(t, NotNegotiated, s.multiplexer.ParameterNegotiationState())
}

func TestEstablishChannelRelaysToClient(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	require.Len(t, r.channels, 1)
	ch := r.channels[0]
	assert.Equal(t, dlci, ch.ID())
	assert.Equal(t, frame.ServerChannel(2), ch.ServerChannel())
	assert.True(t, s.multiplexer.DLCIEstablished(dlci))

	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	msc := frame.MuxCommand{Params: frame.DefaultModemStatus(dlci), CommandResponse: frame.Command}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, msc), expectFrame(t, q))

	// the MSC response completes the outstanding command
	assert.Equal(t, 1, s.outstanding.len())
	msc.CommandResponse = frame.Response
	feed(t, s, frame.MakeMuxCommand(frame.RoleInitiator, msc))
	assert.Equal(t, 0, s.outstanding.len())
	expectNoFrame(t, q)
}

func TestWriteFromOpenedCallbackFollowsUA(t *testing.T) {
	var opened *Channel
	s, q := newTestInner(t, func(ctx context.Context, sc frame.ServerChannel, ch *Channel) error {
		opened = ch
		n, err := ch.Write([]byte("welcome"))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		return nil
	})
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	require.NotNil(t, opened)
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	msc := frame.MuxCommand{Params: frame.DefaultModemStatus(dlci), CommandResponse: frame.Command}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, msc), expectFrame(t, q))
	assert.Equal(t, frame.MakeUserDataFrame(frame.RoleResponder, dlci, []byte("welcome")), expectFrame(t, q))
	expectNoFrame(t, q)

	// once ready, writes go straight to the writer
	_, err := opened.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, frame.MakeUserDataFrame(frame.RoleResponder, dlci, []byte("again")), expectFrame(t, q))
}

func TestCloseFromOpenedCallbackSendsDISC(t *testing.T) {
	s, q := newTestInner(t, func(ctx context.Context, sc frame.ServerChannel, ch *Channel) error {
		_, err := ch.Write([]byte("bye"))
		require.NoError(t, err)
		return ch.Close()
	})
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	msc := frame.MuxCommand{Params: frame.DefaultModemStatus(dlci), CommandResponse: frame.Command}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, msc), expectFrame(t, q))
	assert.Equal(t, frame.MakeUserDataFrame(frame.RoleResponder, dlci, []byte("bye")), expectFrame(t, q))
	assert.Equal(t, frame.MakeDISCCommand(frame.RoleResponder, dlci), expectFrame(t, q))
	expectNoFrame(t, q)
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))
}

func TestWritesFromRejectingCallbackAreDropped(t *testing.T) {
	s, q := newTestInner(t, func(ctx context.Context, sc frame.ServerChannel, ch *Channel) error {
		ch.Write([]byte("never"))
		return errors.New("busy")
	})
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	expectNoFrame(t, q)
}

func TestEstablishChannelRejected(t *testing.T) {
	s, q := newTestInner(t, (&relay{err: errors.New("busy")}).opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))
}

func TestEstablishChannelWithoutHandler(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
}

func TestSABMForPeerDLCIIsRefused(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)

	// odd DLCIs address server channels on the initiator
	dlci := frame.MustDLCI(5)
	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	assert.Empty(t, r.channels)
}

func TestUserDataRelay(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	expectFrame(t, q)
	expectFrame(t, q)
	require.Len(t, r.channels, 1)
	ch := r.channels[0]

	feed(t, s, frame.MakeUserDataFrame(frame.RoleInitiator, dlci, []byte("hello")))
	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	data := []byte{9, 8, 7, 6}
	n, err = ch.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, frame.MakeUserDataFrame(frame.RoleResponder, dlci, data), expectFrame(t, q))
}

func TestWriteIsChunkedToMaxFrameSize(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)

	pn := frame.DefaultParameterNegotiationCommand(frame.MustDLCI(4))
	pn.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	pn.MaxFrameSize = 4
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Command, pn))
	expectFrame(t, q)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, frame.MustDLCI(4)))
	expectFrame(t, q)
	expectFrame(t, q)
	require.Len(t, r.channels, 1)

	n, err := r.channels[0].Write([]byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	for _, want := range []string{"abcd", "efgh", "ij"} {
		f := expectFrame(t, q)
		assert.Equal(t, want, string(f.Data.(frame.UserData).Information))
	}
}

func TestUserDataForUnopenedDLCI(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(8)

	feed(t, s, frame.MakeUserDataFrame(frame.RoleInitiator, dlci, []byte{1}))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
}

func TestUnsupportedMuxCommandIsAnsweredWithNSC(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	// UIH on DLCI 0 from the initiator carrying mux command type 0xFF
	s.handleBytes([]byte{0x03, 0xEF, 0x05, 0xFF, 0x01, 0x70})

	nsc := frame.MuxCommand{
		Params:          frame.NonSupportedCommandParams{CRBit: true, Command: 0x3F},
		CommandResponse: frame.Response,
	}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, nsc), expectFrame(t, q))
}

func TestCorruptFrameIsDropped(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	b, err := frame.Encode(frame.MakeSABMCommand(frame.RoleInitiator, frame.MustDLCI(4)))
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	assert.False(t, s.handleBytes(b))
	expectNoFrame(t, q)
}

func TestFramesSplitAcrossReads(t *testing.T) {
	s, q := newTestInner(t, nil)

	b, err := frame.Encode(frame.MakeSABMCommand(frame.RoleNegotiating, frame.MuxControlDLCI))
	require.NoError(t, err)
	assert.False(t, s.handleBytes(b[:1]))
	expectNoFrame(t, q)
	assert.False(t, s.handleBytes(b[1:]))
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))
}

func TestDisconnectUserDLCI(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	expectFrame(t, q)
	expectFrame(t, q)
	require.Len(t, r.channels, 1)

	assert.False(t, feed(t, s, frame.MakeDISCCommand(frame.RoleInitiator, dlci)))
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, dlci), expectFrame(t, q))
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))

	_, err := r.channels[0].Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.False(t, feed(t, s, frame.MakeDISCCommand(frame.RoleInitiator, dlci)))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleResponder, dlci), expectFrame(t, q))
}

func TestDisconnectMuxTerminates(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	assert.True(t, feed(t, s, frame.MakeDISCCommand(frame.RoleInitiator, frame.MuxControlDLCI)))
	assert.Equal(t, frame.MakeUAResponse(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))
}

func TestStartMultiplexer(t *testing.T) {
	s, q := newTestInner(t, nil)

	require.NoError(t, s.startMultiplexer())
	assert.Equal(t, frame.RoleNegotiating, s.role())
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleNegotiating, frame.MuxControlDLCI), expectFrame(t, q))

	assert.ErrorIs(t, s.startMultiplexer(), ErrMultiplexerAlreadyStarted)
	expectNoFrame(t, q)

	feed(t, s, frame.MakeUAResponse(frame.RoleUnassigned, frame.MuxControlDLCI))
	assert.Equal(t, frame.RoleInitiator, s.role())
	assert.True(t, s.multiplexer.Started())
	assert.ErrorIs(t, s.startMultiplexer(), ErrMultiplexerAlreadyStarted)
}

func TestStartMultiplexerRefused(t *testing.T) {
	s, q := newTestInner(t, nil)

	require.NoError(t, s.openRemoteChannel(5))
	expectFrame(t, q)
	require.Len(t, s.pending, 1)

	feed(t, s, frame.MakeDMResponse(frame.RoleUnassigned, frame.MuxControlDLCI))
	assert.Equal(t, frame.RoleUnassigned, s.role())
	assert.Empty(t, s.pending)
	assert.False(t, s.multiplexer.Started())
}

func TestSimultaneousStartup(t *testing.T) {
	s, q := newTestInner(t, nil)

	require.NoError(t, s.startMultiplexer())
	expectFrame(t, q)

	feed(t, s, frame.MakeSABMCommand(frame.RoleNegotiating, frame.MuxControlDLCI))
	assert.Equal(t, frame.MakeDMResponse(frame.RoleNegotiating, frame.MuxControlDLCI), expectFrame(t, q))
	assert.Equal(t, frame.RoleNegotiating, s.role())
}

func TestParameterNegotiationBeforeStartup(t *testing.T) {
	s, q := newTestInner(t, nil)

	assert.ErrorIs(t, s.startParameterNegotiation(frame.MustDLCI(4)), ErrMultiplexerNotStarted)
	expectNoFrame(t, q)
	assert.ErrorIs(t, s.processPendingChannels(), ErrMultiplexerNotStarted)
}

func TestOpenRemoteChannel(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	sc := frame.ServerChannel(5)

	require.NoError(t, s.openRemoteChannel(sc))
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleNegotiating, frame.MuxControlDLCI), expectFrame(t, q))

	feed(t, s, frame.MakeUAResponse(frame.RoleUnassigned, frame.MuxControlDLCI))
	require.Equal(t, frame.RoleInitiator, s.role())

	dlci, err := sc.ToDLCI(frame.RoleResponder)
	require.NoError(t, err)
	pn := frame.DefaultParameterNegotiationCommand(dlci)
	assert.Equal(t, pnFrame(frame.RoleInitiator, frame.Command, pn), expectFrame(t, q))
	assert.Equal(t, Negotiating, s.multiplexer.ParameterNegotiationState())

	rsp := pn
	rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowSupportedResponse
	rsp.MaxFrameSize = 100
	feed(t, s, pnFrame(frame.RoleResponder, frame.Response, rsp))
	assert.Equal(t, SessionParameters{CreditBasedFlow: true, MaxFrameSize: 100}, s.multiplexer.Parameters())
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleInitiator, dlci), expectFrame(t, q))

	feed(t, s, frame.MakeUAResponse(frame.RoleResponder, dlci))
	require.Len(t, r.channels, 1)
	assert.Equal(t, sc, r.channels[0].ServerChannel())
	assert.Equal(t, dlci, r.channels[0].ID())

	msc := frame.MuxCommand{Params: frame.DefaultModemStatus(dlci), CommandResponse: frame.Command}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleInitiator, msc), expectFrame(t, q))

	var already *ChannelAlreadyEstablishedError
	assert.ErrorAs(t, s.openRemoteChannel(sc), &already)
}

func TestPendingChannelsWaitForNegotiation(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	first, err := frame.ServerChannel(5).ToDLCI(frame.RoleInitiator)
	require.NoError(t, err)
	second, err := frame.ServerChannel(9).ToDLCI(frame.RoleInitiator)
	require.NoError(t, err)

	require.NoError(t, s.openRemoteChannel(5))
	pn := frame.DefaultParameterNegotiationCommand(first)
	assert.Equal(t, pnFrame(frame.RoleResponder, frame.Command, pn), expectFrame(t, q))

	require.NoError(t, s.openRemoteChannel(9))
	expectNoFrame(t, q)
	assert.Len(t, s.pending, 2)

	rsp := pn
	rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	feed(t, s, pnFrame(frame.RoleInitiator, frame.Response, rsp))
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleResponder, first), expectFrame(t, q))
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleResponder, second), expectFrame(t, q))
	assert.Empty(t, s.pending)
}

func TestUnexpectedMuxResponse(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	msc := frame.MuxCommand{Params: frame.DefaultModemStatus(frame.MustDLCI(4)), CommandResponse: frame.Response}
	err := s.handleMuxCommand(msc)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	expectNoFrame(t, q)
}

func TestMuxCommandsAreEchoed(t *testing.T) {
	s, q := newTestInner(t, nil)
	startResponder(t, s, q)

	test := frame.MuxCommand{Params: frame.TestParams{Pattern: []byte("ping")}, CommandResponse: frame.Command}
	feed(t, s, frame.MakeMuxCommand(frame.RoleInitiator, test))
	test.CommandResponse = frame.Response
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, test), expectFrame(t, q))

	rpn := frame.RemotePortNegotiationParams{Target: frame.MustDLCI(4)}
	feed(t, s, frame.MakeMuxCommand(frame.RoleInitiator, frame.MuxCommand{Params: rpn, CommandResponse: frame.Command}))
	rsp := frame.MuxCommand{Params: rpn.Response(), CommandResponse: frame.Response}
	assert.Equal(t, frame.MakeMuxCommand(frame.RoleResponder, rsp), expectFrame(t, q))
}

func TestRefusedChannel(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)

	dlci, err := frame.ServerChannel(5).ToDLCI(frame.RoleInitiator)
	require.NoError(t, err)
	require.NoError(t, s.openRemoteChannel(5))
	pn := expectFrame(t, q).Data.(frame.MuxData).Command
	pn.CommandResponse = frame.Response
	feed(t, s, frame.MakeMuxCommand(frame.RoleInitiator, pn))
	assert.Equal(t, frame.MakeSABMCommand(frame.RoleResponder, dlci), expectFrame(t, q))

	feed(t, s, frame.MakeDMResponse(frame.RoleInitiator, dlci))
	assert.Empty(t, r.channels)
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))
	assert.Equal(t, 0, s.outstanding.len())
}

func TestUnsolicitedDMClosesChannel(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	expectFrame(t, q)
	expectFrame(t, q)
	require.Len(t, r.channels, 1)

	feed(t, s, frame.MakeDMResponse(frame.RoleInitiator, dlci))
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))
	_, err := r.channels[0].Write([]byte{1})
	assert.ErrorIs(t, err, io.EOF)
	expectNoFrame(t, q)
}

func TestLocalCloseSendsDISC(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	startResponder(t, s, q)
	dlci := frame.MustDLCI(4)

	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, dlci))
	expectFrame(t, q)
	expectFrame(t, q)
	require.Len(t, r.channels, 1)

	require.NoError(t, r.channels[0].Close())
	require.NoError(t, r.channels[0].Close())
	runRequests(s, q)
	assert.Equal(t, frame.MakeDISCCommand(frame.RoleResponder, dlci), expectFrame(t, q))
	expectNoFrame(t, q)
	assert.False(t, s.multiplexer.DLCIEstablished(dlci))

	feed(t, s, frame.MakeUAResponse(frame.RoleInitiator, dlci))
	_, ok := s.outstanding.RemoveFrame(dlci)
	assert.False(t, ok)
}

func TestDisconnectSession(t *testing.T) {
	r := &relay{}
	s, q := newTestInner(t, r.opened)
	assert.ErrorIs(t, s.disconnectSession(), ErrMultiplexerNotStarted)

	startResponder(t, s, q)
	feed(t, s, frame.MakeSABMCommand(frame.RoleInitiator, frame.MustDLCI(4)))
	expectFrame(t, q)
	expectFrame(t, q)

	require.NoError(t, s.disconnectSession())
	assert.Equal(t, frame.MakeDISCCommand(frame.RoleResponder, frame.MustDLCI(4)), expectFrame(t, q))
	assert.Equal(t, frame.MakeDISCCommand(frame.RoleResponder, frame.MuxControlDLCI), expectFrame(t, q))

	assert.True(t, feed(t, s, frame.MakeUAResponse(frame.RoleInitiator, frame.MuxControlDLCI)))
}

func TestStartupTimeout(t *testing.T) {
	s, q := newTestInner(t, nil)
	s.cfg.ResponseTimeout = time.Hour

	require.NoError(t, s.openRemoteChannel(5))
	expectFrame(t, q)

	key := responseKey{dlci: frame.MuxControlDLCI}
	rt, ok := s.timers[key]
	require.True(t, ok)

	// stale events are ignored
	assert.False(t, s.handleTimeout(timeoutEvent{key: key, seq: rt.seq + 1}))
	assert.Equal(t, frame.RoleNegotiating, s.role())

	assert.False(t, s.handleTimeout(timeoutEvent{key: key, seq: rt.seq}))
	assert.Equal(t, frame.RoleUnassigned, s.role())
	assert.Empty(t, s.pending)
	assert.Equal(t, 0, s.outstanding.len())

	// a late UA is ignored
	feed(t, s, frame.MakeUAResponse(frame.RoleUnassigned, frame.MuxControlDLCI))
	assert.Equal(t, frame.RoleUnassigned, s.role())
}

func TestParameterNegotiationTimeout(t *testing.T) {
	s, q := newTestInner(t, nil)
	s.cfg.ResponseTimeout = time.Hour
	startResponder(t, s, q)

	require.NoError(t, s.openRemoteChannel(5))
	pn := expectFrame(t, q).Data.(frame.MuxData).Command
	key := responseKey{mux: true, cmd: pn.Identifier()}
	rt, ok := s.timers[key]
	require.True(t, ok)

	assert.False(t, s.handleTimeout(timeoutEvent{key: key, seq: rt.seq}))
	assert.Equal(t, NotNegotiated, s.multiplexer.ParameterNegotiationState())
	assert.Empty(t, s.pending)
	assert.Equal(t, 0, s.outstanding.len())

	// negotiation starts over on the next request
	require.NoError(t, s.openRemoteChannel(5))
	assert.Equal(t, pn, expectFrame(t, q).Data.(frame.MuxData).Command)
}

func TestDisconnectTimeoutTerminates(t *testing.T) {
	s, q := newTestInner(t, nil)
	s.cfg.ResponseTimeout = time.Hour
	startResponder(t, s, q)

	require.NoError(t, s.disconnectSession())
	expectFrame(t, q)
	key := responseKey{dlci: frame.MuxControlDLCI}
	rt, ok := s.timers[key]
	require.True(t, ok)
	assert.True(t, s.handleTimeout(timeoutEvent{key: key, seq: rt.seq}))
}

func TestResponseStopsTimer(t *testing.T) {
	s, q := newTestInner(t, nil)
	s.cfg.ResponseTimeout = time.Hour

	require.NoError(t, s.startMultiplexer())
	expectFrame(t, q)
	require.Len(t, s.timers, 1)

	feed(t, s, frame.MakeUAResponse(frame.RoleUnassigned, frame.MuxControlDLCI))
	assert.Empty(t, s.timers)
}
