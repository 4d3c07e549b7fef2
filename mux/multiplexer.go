package mux

import (
	"fmt"

	"github.com/progrium/rfcomm-go/mux/frame"
)

// SessionParameters are the session-wide values agreed during parameter negotiation.
type SessionParameters struct {
	CreditBasedFlow bool
	MaxFrameSize    int
}

func DefaultSessionParameters() SessionParameters {
	return SessionParameters{
		CreditBasedFlow: false,
		MaxFrameSize:    int(frame.DefaultMaxFrameSize),
	}
}

type ParameterNegotiationState uint8

const (
	NotNegotiated ParameterNegotiationState = iota
	Negotiating
	Negotiated
)

func (s ParameterNegotiationState) String() string {
	switch s {
	case NotNegotiated:
		return "NotNegotiated"
	case Negotiating:
		return "Negotiating"
	case Negotiated:
		return "Negotiated"
	default:
		return fmt.Sprintf("ParameterNegotiationState(%d)", uint8(s))
	}
}

// sessionChannel is a slot in the channel registry. A slot is reserved by parameter
// negotiation and becomes established once the DLC is up.
type sessionChannel struct {
	dlci    frame.DLCI
	channel *Channel
}

func (sc *sessionChannel) established() bool {
	return sc.channel != nil
}

// SessionMultiplexer owns the role, the per-DLCI channel registry and the session
// parameters of one session. It is not safe for concurrent use; the protocol
// goroutine is its only user.
type SessionMultiplexer struct {
	role     frame.Role
	started  bool
	params   SessionParameters
	pnState  ParameterNegotiationState
	channels map[frame.DLCI]*sessionChannel
}

func NewSessionMultiplexer() *SessionMultiplexer {
	return &SessionMultiplexer{
		role:     frame.RoleUnassigned,
		params:   DefaultSessionParameters(),
		channels: make(map[frame.DLCI]*sessionChannel),
	}
}

// Start completes multiplexer startup with role, which must be Initiator or
// Responder.
func (m *SessionMultiplexer) Start(role frame.Role) error {
	if m.started {
		return ErrMultiplexerAlreadyStarted
	}
	if !role.Started() {
		return fmt.Errorf("%w: cannot start as %s", ErrInvalidRole, role)
	}
	m.role = role
	m.started = true
	return nil
}

func (m *SessionMultiplexer) SetRole(role frame.Role) {
	m.role = role
}

func (m *SessionMultiplexer) Role() frame.Role {
	return m.role
}

func (m *SessionMultiplexer) Started() bool {
	return m.started
}

func (m *SessionMultiplexer) SetParametersNegotiating() {
	m.pnState = Negotiating
}

// resetParameterNegotiation abandons an unanswered negotiation.
func (m *SessionMultiplexer) resetParameterNegotiation() {
	if m.pnState == Negotiating {
		m.pnState = NotNegotiated
	}
}

// NegotiateParameters commits requested as the session parameters. Parameters may be
// renegotiated until the first DLC is established; after that the request is
// acknowledged but the stored parameters stay unchanged.
func (m *SessionMultiplexer) NegotiateParameters(requested SessionParameters) {
	if !m.DLCEstablished() {
		m.params = requested
	}
	m.pnState = Negotiated
}

func (m *SessionMultiplexer) ParameterNegotiationState() ParameterNegotiationState {
	return m.pnState
}

func (m *SessionMultiplexer) ParametersNegotiated() bool {
	return m.pnState == Negotiated
}

func (m *SessionMultiplexer) Parameters() SessionParameters {
	return m.params
}

func (m *SessionMultiplexer) CreditBasedFlow() bool {
	return m.params.CreditBasedFlow
}

// FindOrCreateSessionChannel reserves a registry slot for dlci.
func (m *SessionMultiplexer) FindOrCreateSessionChannel(dlci frame.DLCI) {
	if _, ok := m.channels[dlci]; !ok {
		m.channels[dlci] = &sessionChannel{dlci: dlci}
	}
}

// EstablishSessionChannel creates the application end of the DLC on dlci. Frames
// written to it are sent through q.
func (m *SessionMultiplexer) EstablishSessionChannel(dlci frame.DLCI, q *queues) (*Channel, error) {
	if !dlci.IsUser() {
		return nil, fmt.Errorf("%w: %s", frame.ErrInvalidDLCI, dlci)
	}
	if m.DLCIEstablished(dlci) {
		return nil, &ChannelAlreadyEstablishedError{DLCI: dlci}
	}
	sc, err := dlci.ServerChannel()
	if err != nil {
		return nil, err
	}
	ch := newChannel(dlci, sc, m.role, m.params.MaxFrameSize, q)
	m.channels[dlci] = &sessionChannel{dlci: dlci, channel: ch}
	return ch, nil
}

// CloseSessionChannel tears down the channel on dlci, dropping any reservation, and
// reports whether an established channel existed.
func (m *SessionMultiplexer) CloseSessionChannel(dlci frame.DLCI) bool {
	slot, ok := m.channels[dlci]
	if !ok {
		return false
	}
	delete(m.channels, dlci)
	if !slot.established() {
		return false
	}
	slot.channel.close()
	return true
}

func (m *SessionMultiplexer) DLCIEstablished(dlci frame.DLCI) bool {
	slot, ok := m.channels[dlci]
	return ok && slot.established()
}

// DLCEstablished reports whether any DLC is established.
func (m *SessionMultiplexer) DLCEstablished() bool {
	for _, slot := range m.channels {
		if slot.established() {
			return true
		}
	}
	return false
}

// SendUserData routes data received on dlci to its channel.
func (m *SessionMultiplexer) SendUserData(dlci frame.DLCI, data frame.UserData) error {
	slot, ok := m.channels[dlci]
	if !ok || !slot.established() {
		return fmt.Errorf("%w: %s", ErrChannelNotEstablished, dlci)
	}
	return slot.channel.deliver(data.Information)
}

func (m *SessionMultiplexer) establishedCount() int {
	n := 0
	for _, slot := range m.channels {
		if slot.established() {
			n++
		}
	}
	return n
}

// Close tears down every channel.
func (m *SessionMultiplexer) Close() {
	for dlci, slot := range m.channels {
		if slot.established() {
			slot.channel.close()
		}
		delete(m.channels, dlci)
	}
}
