package mux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/progrium/rfcomm-go/mux/frame"
	"github.com/progrium/rfcomm-go/observability"
)

// ChannelOpenedFunc receives every established DLC, whether opened locally or by
// the peer. It runs on the protocol goroutine: it must not block for long and must
// not call back into the Session synchronously. It may write to or close ch; those
// take effect once the DLC is acknowledged. Returning an error rejects the
// channel.
type ChannelOpenedFunc func(ctx context.Context, sc frame.ServerChannel, ch *Channel) error

// responseKey identifies one outstanding command for response timeouts.
type responseKey struct {
	dlci frame.DLCI
	mux  bool
	cmd  frame.MuxCommandIdentifier
}

func responseKeyFor(f frame.Frame) responseKey {
	if d, ok := f.Data.(frame.MuxData); ok {
		return responseKey{mux: true, cmd: d.Command.Identifier()}
	}
	return responseKey{dlci: f.DLCI}
}

type responseTimer struct {
	timer *time.Timer
	seq   uint64
}

type timeoutEvent struct {
	key responseKey
	seq uint64
}

// sessionInner is the protocol engine of a session. All of its state is owned by
// the protocol goroutine.
type sessionInner struct {
	multiplexer *SessionMultiplexer
	outstanding *OutstandingFrames

	// pending holds server channels whose open request waits for multiplexer
	// startup or parameter negotiation, in request order.
	pending []frame.ServerChannel

	q      *queues
	opened ChannelOpenedFunc
	cfg    Config
	log    zerolog.Logger
	id     xid.ID
	tracer Tracer
	ctx    context.Context

	timers   map[responseKey]responseTimer
	timeouts chan timeoutEvent
	timerSeq uint64

	// buf accumulates inbound bytes until a complete frame is available.
	buf []byte
}

func newSessionInner(ctx context.Context, q *queues, opened ChannelOpenedFunc, cfg Config, log zerolog.Logger) *sessionInner {
	return &sessionInner{
		multiplexer: NewSessionMultiplexer(),
		outstanding: NewOutstandingFrames(),
		q:           q,
		opened:      opened,
		cfg:         cfg,
		log:         log,
		ctx:         ctx,
		timers:      make(map[responseKey]responseTimer),
		timeouts:    make(chan timeoutEvent),
	}
}

func (s *sessionInner) role() frame.Role {
	return s.multiplexer.Role()
}

// run processes inbound data, requests and timer events until incoming is closed,
// the session is done or the peer disconnects the multiplexer. It reports whether
// it stopped because incoming was closed.
func (s *sessionInner) run(incoming <-chan []byte) bool {
	defer s.shutdown()
	for {
		select {
		case b, ok := <-incoming:
			if !ok {
				s.log.Debug().Msg("inbound stream closed")
				return true
			}
			if s.handleBytes(b) {
				return false
			}
		case fn := <-s.q.requests:
			fn(s)
		case ev := <-s.timeouts:
			if s.handleTimeout(ev) {
				return false
			}
		case <-s.q.done:
			return false
		}
	}
}

func (s *sessionInner) shutdown() {
	for key, rt := range s.timers {
		rt.timer.Stop()
		delete(s.timers, key)
	}
	for range s.pending {
		observability.RecordChannelOpenFailed("session ended")
	}
	s.pending = nil
	s.multiplexer.Close()
}

// handleBytes cuts b into frames and handles each. It reports whether the session
// should terminate.
func (s *sessionInner) handleBytes(b []byte) bool {
	if s.cfg.PacketFraming {
		return s.handlePacket(b)
	}
	s.buf = append(s.buf, b...)
	for len(s.buf) > 0 {
		n, err := frame.Len(s.buf, s.multiplexer.CreditBasedFlow())
		if err != nil {
			s.log.Warn().Err(err).Int("dropped", len(s.buf)).Msg("discarding unframed input")
			observability.RecordParseError(err)
			s.buf = nil
			return false
		}
		if n == 0 || len(s.buf) < n {
			return false
		}
		terminate := s.handlePacket(s.buf[:n])
		s.buf = s.buf[n:]
		if terminate {
			return true
		}
	}
	s.buf = nil
	return false
}

func (s *sessionInner) handlePacket(b []byte) bool {
	f, err := frame.Parse(s.role().Opposite(), s.multiplexer.CreditBasedFlow(), b)
	if err != nil {
		s.handleFrameParseError(err)
		return false
	}
	s.log.Trace().Stringer("frame", f).Msg("received")
	observability.RecordFrame(observability.DirectionInbound, f.Data.Type().String())
	if s.tracer != nil {
		s.tracer.TraceFrame(s.id, false, f, b)
	}

	terminate, err := s.handleFrame(f)
	if err != nil {
		s.log.Warn().Err(err).Stringer("frame", f).Msg("error handling frame")
	}
	return terminate
}

// handleFrame handles one inbound frame and reports whether the session should
// terminate.
func (s *sessionInner) handleFrame(f frame.Frame) (bool, error) {
	switch d := f.Data.(type) {
	case frame.SetAsynchronousBalancedMode:
		s.handleSABMCommand(f.DLCI)
	case frame.UnnumberedAcknowledgement:
		return s.handleUAResponse(f.DLCI), nil
	case frame.DisconnectedMode:
		return s.handleDMResponse(f.DLCI), nil
	case frame.Disconnect:
		return s.handleDisconnectCommand(f.DLCI), nil
	case frame.MuxData:
		return false, s.handleMuxCommand(d.Command)
	case frame.UserData:
		s.handleUserData(f.DLCI, d)
	default:
		return false, fmt.Errorf("%w: frame data %T", ErrNotImplemented, d)
	}
	return false, nil
}

// handleFrameParseError answers an unsupported mux command type with NSC. Every
// other parse error is logged and the frame dropped.
func (s *sessionInner) handleFrameParseError(err error) {
	s.log.Error().Err(err).Msg("error parsing frame")
	observability.RecordParseError(err)

	var perr *frame.ParseError
	if !errors.As(err, &perr) || perr.Kind != frame.KindUnsupportedMuxCommandType {
		return
	}
	nsc := frame.MuxCommand{
		Params: frame.NonSupportedCommandParams{
			CRBit:   true,
			Command: perr.MuxCommandType,
		},
		CommandResponse: frame.Response,
	}
	s.sendFrame(frame.MakeMuxCommand(s.role(), nsc))
}

// startMultiplexer sends SABM on the mux control DLCI to start the multiplexer
// as initiator.
func (s *sessionInner) startMultiplexer() error {
	if s.multiplexer.Started() || s.role() == frame.RoleNegotiating {
		s.log.Warn().Stringer("role", s.role()).Msg("multiplexer startup requested twice")
		return ErrMultiplexerAlreadyStarted
	}
	s.multiplexer.SetRole(frame.RoleNegotiating)
	s.log.Debug().Msg("starting multiplexer")
	return s.sendFrame(frame.MakeSABMCommand(s.role(), frame.MuxControlDLCI))
}

// startParameterNegotiation sends a PN command for dlci carrying the local
// preferences.
func (s *sessionInner) startParameterNegotiation(dlci frame.DLCI) error {
	if !s.multiplexer.Started() {
		s.log.Warn().Msg("parameter negotiation requested before multiplexer startup")
		return ErrMultiplexerNotStarted
	}
	s.multiplexer.SetParametersNegotiating()

	pn := frame.DefaultParameterNegotiationCommand(dlci)
	pn.MaxFrameSize = s.cfg.MaxFrameSize
	pn.Priority = s.cfg.Priority
	pn.InitialCredits = s.cfg.InitialCredits
	if !s.cfg.CreditBasedFlow {
		pn.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
	}
	cmd := frame.MuxCommand{Params: pn, CommandResponse: frame.Command}
	return s.sendFrame(frame.MakeMuxCommand(s.role(), cmd))
}

// finishParameterNegotiation commits the parameters carried by a PN command or
// response, bounded by the local preferences, and reserves its DLCI.
func (s *sessionInner) finishParameterNegotiation(pn frame.ParameterNegotiationParams) {
	requested := SessionParameters{
		CreditBasedFlow: pn.CreditBasedFlow() && s.cfg.CreditBasedFlow,
		MaxFrameSize:    int(pn.MaxFrameSize),
	}
	if s.cfg.MaxFrameSize != 0 && requested.MaxFrameSize > int(s.cfg.MaxFrameSize) {
		requested.MaxFrameSize = int(s.cfg.MaxFrameSize)
	}
	s.multiplexer.NegotiateParameters(requested)
	s.multiplexer.FindOrCreateSessionChannel(pn.Target)
	s.log.Debug().
		Bool("credit_based_flow", s.multiplexer.CreditBasedFlow()).
		Int("max_frame_size", s.multiplexer.Parameters().MaxFrameSize).
		Msg("parameters negotiated")
}

// processPendingChannels retries every open request queued behind startup or
// parameter negotiation.
func (s *sessionInner) processPendingChannels() error {
	if !s.multiplexer.Started() {
		return ErrMultiplexerNotStarted
	}
	pending := s.pending
	s.pending = nil
	for _, sc := range pending {
		s.log.Trace().Uint8("server_channel", uint8(sc)).Msg("processing pending open request")
		if err := s.openRemoteChannel(sc); err != nil {
			s.log.Warn().Err(err).Uint8("server_channel", uint8(sc)).Msg("error opening remote channel")
		}
	}
	return nil
}

// openRemoteChannel opens the DLC for a server channel on the peer. The channel is
// delivered through the ChannelOpenedFunc once the peer accepts it.
func (s *sessionInner) openRemoteChannel(sc frame.ServerChannel) error {
	if !s.multiplexer.Started() {
		s.pending = append(s.pending, sc)
		if s.role() == frame.RoleUnassigned {
			return s.startMultiplexer()
		}
		return nil
	}

	// The DLCI of a server channel on the peer carries the peer's direction bit.
	dlci, err := sc.ToDLCI(s.role().Opposite())
	if err != nil {
		return err
	}

	if !s.multiplexer.ParametersNegotiated() {
		s.pending = append(s.pending, sc)
		if s.multiplexer.ParameterNegotiationState() == NotNegotiated {
			return s.startParameterNegotiation(dlci)
		}
		return nil
	}

	if s.multiplexer.DLCIEstablished(dlci) {
		return &ChannelAlreadyEstablishedError{DLCI: dlci}
	}
	return s.sendFrame(frame.MakeSABMCommand(s.role(), dlci))
}

// establishSessionChannel creates the channel for dlci and hands it to the
// application. It returns nil if the channel was not accepted.
func (s *sessionInner) establishSessionChannel(dlci frame.DLCI) *Channel {
	ch, err := s.multiplexer.EstablishSessionChannel(dlci, s.q)
	if err != nil {
		s.log.Warn().Err(err).Stringer("dlci", dlci).Msg("couldn't establish channel")
		return nil
	}

	err = ErrChannelRejected
	if s.opened != nil {
		err = s.opened(s.ctx, ch.ServerChannel(), ch)
	}
	if err != nil {
		s.log.Warn().Err(err).Stringer("dlci", dlci).Msg("couldn't relay channel to client")
		s.multiplexer.CloseSessionChannel(dlci)
		observability.RecordChannelOpenFailed("rejected")
		return nil
	}
	s.log.Debug().Stringer("dlci", dlci).Msg("established channel")
	observability.RecordChannelOpened()
	return ch
}

func (s *sessionInner) handleSABMCommand(dlci frame.DLCI) {
	s.log.Trace().Stringer("dlci", dlci).Msg("handling SABM")
	if dlci.IsMuxControl() {
		switch s.role() {
		case frame.RoleUnassigned:
			if err := s.multiplexer.Start(frame.RoleResponder); err != nil {
				s.log.Warn().Err(err).Msg("multiplexer startup failed")
				s.sendDMResponse(dlci)
				return
			}
			s.log.Debug().Stringer("role", s.role()).Msg("multiplexer started")
			s.sendUAResponse(dlci)
		case frame.RoleNegotiating:
			// Both sides attempted startup; the peer retries later.
			s.sendDMResponse(dlci)
		default:
			s.log.Warn().Msg("received SABM when multiplexer already started")
			s.sendDMResponse(dlci)
		}
		return
	}

	if err := dlci.Validate(s.role()); err != nil {
		s.log.Warn().Err(err).Msg("received SABM with invalid DLCI")
		s.sendDMResponse(dlci)
		return
	}
	ch := s.establishSessionChannel(dlci)
	if ch == nil {
		s.sendDMResponse(dlci)
		return
	}
	s.sendUAResponse(dlci)
	s.sendModemStatusCommand(dlci)
	s.channelReady(ch)
}

// channelReady queues the writes made while ch was being established and acts on
// a Close made in the meantime.
func (s *sessionInner) channelReady(ch *Channel) {
	if ch.markReady() {
		s.disconnectChannel(ch.dlci)
	}
}

// handleMuxCommand answers mux commands and completes outstanding ones on
// response.
func (s *sessionInner) handleMuxCommand(cmd frame.MuxCommand) error {
	s.log.Trace().Stringer("command", cmd).Msg("handling mux command")

	if cmd.CommandResponse == frame.Response {
		id := cmd.Identifier()
		if _, ok := s.outstanding.RemoveMuxCommand(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnexpectedResponse, id.Type)
		}
		s.stopTimer(responseKey{mux: true, cmd: id})

		switch p := cmd.Params.(type) {
		case frame.ParameterNegotiationParams:
			s.finishParameterNegotiation(p)
			return s.processPendingChannels()
		case frame.ModemStatusParams:
			return nil
		default:
			return fmt.Errorf("%w: %s response", ErrNotImplemented, p.CommandType())
		}
	}

	var params frame.MuxCommandParams
	switch p := cmd.Params.(type) {
	case frame.ParameterNegotiationParams:
		if !p.Target.IsUser() {
			s.log.Warn().Stringer("dlci", p.Target).Msg("received PN command over invalid DLCI")
			s.sendDMResponse(p.Target)
			return nil
		}
		s.finishParameterNegotiation(p)

		// Only credit-based flow and the frame size are negotiated; the rest is
		// echoed.
		updated := s.multiplexer.Parameters()
		rsp := p
		rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowUnsupported
		if updated.CreditBasedFlow {
			rsp.CreditBasedFlowHandshake = frame.CreditBasedFlowSupportedResponse
		}
		rsp.MaxFrameSize = uint16(updated.MaxFrameSize)
		params = rsp
	case frame.RemotePortNegotiationParams:
		params = p.Response()
	default:
		params = p
	}
	rsp := frame.MuxCommand{Params: params, CommandResponse: frame.Response}
	return s.sendFrame(frame.MakeMuxCommand(s.role(), rsp))
}

// handleDisconnectCommand answers DISC and reports whether the session should
// terminate.
func (s *sessionInner) handleDisconnectCommand(dlci frame.DLCI) bool {
	s.log.Trace().Stringer("dlci", dlci).Msg("received DISC")
	if !dlci.IsUser() {
		s.sendUAResponse(dlci)
		s.log.Info().Msg("peer disconnected multiplexer")
		return true
	}
	if !s.multiplexer.CloseSessionChannel(dlci) {
		s.log.Warn().Stringer("dlci", dlci).Msg("received DISC for unopened DLCI")
		s.sendDMResponse(dlci)
		return false
	}
	observability.RecordChannelClosed()
	s.sendUAResponse(dlci)
	return false
}

func (s *sessionInner) handleUserData(dlci frame.DLCI, data frame.UserData) {
	if err := s.multiplexer.SendUserData(dlci, data); err != nil {
		s.log.Warn().Err(err).Msg("couldn't relay user data")
		s.sendDMResponse(dlci)
	}
}

// handleUAResponse completes the outstanding command on dlci and reports whether
// the session should terminate.
func (s *sessionInner) handleUAResponse(dlci frame.DLCI) bool {
	f, ok := s.outstanding.RemoveFrame(dlci)
	if !ok {
		s.log.Warn().Stringer("dlci", dlci).Msg("received unexpected UA")
		return false
	}
	s.stopTimer(responseKey{dlci: dlci})

	switch f.Data.(type) {
	case frame.SetAsynchronousBalancedMode:
		if dlci.IsMuxControl() {
			s.completeMultiplexerStartup()
			return false
		}
		ch := s.establishSessionChannel(dlci)
		if ch == nil {
			s.sendDISCCommand(dlci)
			return false
		}
		s.sendModemStatusCommand(dlci)
		s.channelReady(ch)
	case frame.Disconnect:
		if dlci.IsMuxControl() {
			s.log.Info().Msg("multiplexer disconnected")
			return true
		}
		s.log.Debug().Stringer("dlci", dlci).Msg("channel disconnected")
	}
	return false
}

func (s *sessionInner) completeMultiplexerStartup() {
	// Startup was resolved by the peer's SABM or abandoned.
	if s.role() != frame.RoleNegotiating {
		s.log.Trace().Stringer("role", s.role()).Msg("stale UA for multiplexer startup")
		return
	}
	if err := s.multiplexer.Start(frame.RoleInitiator); err != nil {
		s.log.Warn().Err(err).Msg("multiplexer startup failed")
		return
	}
	s.log.Debug().Stringer("role", s.role()).Msg("multiplexer started")

	// Any pending channel will do: PN settles session-wide parameters.
	if len(s.pending) == 0 {
		return
	}
	dlci, err := s.pending[0].ToDLCI(s.role().Opposite())
	if err != nil {
		return
	}
	if err := s.startParameterNegotiation(dlci); err != nil {
		s.log.Warn().Err(err).Msg("couldn't start parameter negotiation")
	}
}

// handleDMResponse handles a negative response and reports whether the session
// should terminate.
func (s *sessionInner) handleDMResponse(dlci frame.DLCI) bool {
	f, ok := s.outstanding.RemoveFrame(dlci)
	if !ok {
		// An unsolicited DM reports the DLC as disconnected.
		if dlci.IsUser() && s.multiplexer.CloseSessionChannel(dlci) {
			s.log.Debug().Stringer("dlci", dlci).Msg("peer reported channel disconnected")
			observability.RecordChannelClosed()
			return false
		}
		s.log.Warn().Stringer("dlci", dlci).Msg("received unexpected DM")
		return false
	}
	s.stopTimer(responseKey{dlci: dlci})

	switch f.Data.(type) {
	case frame.SetAsynchronousBalancedMode:
		if dlci.IsMuxControl() {
			if s.role() == frame.RoleNegotiating {
				s.log.Warn().Int("pending", len(s.pending)).Msg("peer refused multiplexer startup")
				s.abandonStartup()
			}
			return false
		}
		s.log.Warn().Stringer("dlci", dlci).Msg("peer refused channel")
		s.multiplexer.CloseSessionChannel(dlci)
		observability.RecordChannelOpenFailed("refused")
	case frame.Disconnect:
		if dlci.IsMuxControl() {
			return true
		}
		s.log.Debug().Stringer("dlci", dlci).Msg("channel disconnected")
	}
	return false
}

func (s *sessionInner) abandonStartup() {
	s.multiplexer.SetRole(frame.RoleUnassigned)
	for range s.pending {
		observability.RecordChannelOpenFailed("startup failed")
	}
	s.pending = nil
}

// disconnectChannel closes the local end of dlci and asks the peer to
// disconnect it.
func (s *sessionInner) disconnectChannel(dlci frame.DLCI) {
	if !s.multiplexer.CloseSessionChannel(dlci) {
		return
	}
	observability.RecordChannelClosed()
	s.sendDISCCommand(dlci)
}

// disconnectSession asks the peer to close down the multiplexer. The session ends
// when the peer answers.
func (s *sessionInner) disconnectSession() error {
	if !s.multiplexer.Started() {
		return ErrMultiplexerNotStarted
	}
	for dlci, slot := range s.multiplexer.channels {
		if slot.established() {
			s.disconnectChannel(dlci)
		}
	}
	return s.sendFrame(frame.MakeDISCCommand(s.role(), frame.MuxControlDLCI))
}

func (s *sessionInner) sendModemStatusCommand(dlci frame.DLCI) {
	cmd := frame.MuxCommand{
		Params:          frame.DefaultModemStatus(dlci),
		CommandResponse: frame.Command,
	}
	s.sendFrame(frame.MakeMuxCommand(s.role(), cmd))
}

func (s *sessionInner) sendUAResponse(dlci frame.DLCI) {
	s.sendFrame(frame.MakeUAResponse(s.role(), dlci))
}

func (s *sessionInner) sendDMResponse(dlci frame.DLCI) {
	s.sendFrame(frame.MakeDMResponse(s.role(), dlci))
}

func (s *sessionInner) sendDISCCommand(dlci frame.DLCI) {
	s.sendFrame(frame.MakeDISCCommand(s.role(), dlci))
}

// sendFrame registers f if it expects a response and queues it for the writer.
func (s *sessionInner) sendFrame(f frame.Frame) error {
	registered, err := s.outstanding.RegisterFrame(f)
	if err != nil {
		s.log.Warn().Err(err).Stringer("frame", f).Msg("couldn't send frame")
		return err
	}
	if registered {
		s.startTimer(f)
	}
	s.q.push(f)
	return nil
}

func (s *sessionInner) startTimer(f frame.Frame) {
	if s.cfg.ResponseTimeout <= 0 {
		return
	}
	key := responseKeyFor(f)
	s.stopTimer(key)
	s.timerSeq++
	ev := timeoutEvent{key: key, seq: s.timerSeq}
	timer := time.AfterFunc(s.cfg.ResponseTimeout, func() {
		select {
		case s.timeouts <- ev:
		case <-s.q.done:
		}
	})
	s.timers[key] = responseTimer{timer: timer, seq: ev.seq}
}

func (s *sessionInner) stopTimer(key responseKey) {
	if rt, ok := s.timers[key]; ok {
		rt.timer.Stop()
		delete(s.timers, key)
	}
}

// handleTimeout gives up on an unanswered command and reports whether the session
// should terminate.
func (s *sessionInner) handleTimeout(ev timeoutEvent) bool {
	rt, ok := s.timers[ev.key]
	if !ok || rt.seq != ev.seq {
		return false
	}
	delete(s.timers, ev.key)
	observability.RecordResponseTimeout()

	if ev.key.mux {
		cmd, ok := s.outstanding.RemoveMuxCommand(ev.key.cmd)
		if !ok {
			return false
		}
		s.log.Warn().Stringer("command", cmd).Msg("mux command timed out")
		if _, ok := cmd.Params.(frame.ParameterNegotiationParams); ok {
			s.multiplexer.resetParameterNegotiation()
			for range s.pending {
				observability.RecordChannelOpenFailed("timeout")
			}
			s.pending = nil
		}
		return false
	}

	f, ok := s.outstanding.RemoveFrame(ev.key.dlci)
	if !ok {
		return false
	}
	s.log.Warn().Stringer("frame", f).Msg("command timed out")
	switch f.Data.(type) {
	case frame.SetAsynchronousBalancedMode:
		if f.DLCI.IsMuxControl() {
			if s.role() == frame.RoleNegotiating {
				s.abandonStartup()
			}
			return false
		}
		s.multiplexer.CloseSessionChannel(f.DLCI)
		observability.RecordChannelOpenFailed("timeout")
	case frame.Disconnect:
		return f.DLCI.IsMuxControl()
	}
	return false
}
