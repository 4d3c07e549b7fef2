package frame

import (
	"encoding/binary"
	"fmt"
)

// MuxCommandType is the 6-bit type field of a multiplexer control command.
type MuxCommandType uint8

const (
	MuxParameterNegotiation  MuxCommandType = 0x20
	MuxPowerSaving           MuxCommandType = 0x10
	MuxMultiplexerCloseDown  MuxCommandType = 0x30
	MuxTest                  MuxCommandType = 0x08
	MuxFlowControlOn         MuxCommandType = 0x28
	MuxFlowControlOff        MuxCommandType = 0x18
	MuxModemStatus           MuxCommandType = 0x38
	MuxNonSupportedCommand   MuxCommandType = 0x04
	MuxRemotePortNegotiation MuxCommandType = 0x24
	MuxRemoteLineStatus      MuxCommandType = 0x14
)

const (
	dlciMask                   = 0x3F
	parameterNegotiationLength = 8
)

func (t MuxCommandType) String() string {
	switch t {
	case MuxParameterNegotiation:
		return "PN"
	case MuxPowerSaving:
		return "PSC"
	case MuxMultiplexerCloseDown:
		return "CLD"
	case MuxTest:
		return "Test"
	case MuxFlowControlOn:
		return "FCon"
	case MuxFlowControlOff:
		return "FCoff"
	case MuxModemStatus:
		return "MSC"
	case MuxNonSupportedCommand:
		return "NSC"
	case MuxRemotePortNegotiation:
		return "RPN"
	case MuxRemoteLineStatus:
		return "RLS"
	default:
		return fmt.Sprintf("MuxCommandType(%#02x)", uint8(t))
	}
}

// Defaults used by locally initiated commands.
const (
	DefaultMaxFrameSize   uint16 = 127
	DefaultInitialCredits uint8  = 7
)

// MuxCommandParams is the payload variant of a MuxCommand. The set of
// implementations is closed.
type MuxCommandParams interface {
	CommandType() MuxCommandType
	// DLCI returns the DLCI the command refers to, if any.
	DLCI() (DLCI, bool)
	encodedLen() int
	encode(buf []byte)
}

// MuxCommand is a multiplexer control command or response.
type MuxCommand struct {
	Params          MuxCommandParams
	CommandResponse CommandResponse
}

// MuxCommandIdentifier uniquely identifies an outstanding mux command: at most one
// command of each type may be outstanding per DLCI.
type MuxCommandIdentifier struct {
	DLCI    DLCI
	HasDLCI bool
	Type    MuxCommandType
}

func (c MuxCommand) Identifier() MuxCommandIdentifier {
	dlci, ok := c.Params.DLCI()
	return MuxCommandIdentifier{DLCI: dlci, HasDLCI: ok, Type: c.Params.CommandType()}
}

func (c MuxCommand) String() string {
	return fmt.Sprintf("{MuxCommand %s %s %+v}", c.Params.CommandType(), c.CommandResponse, c.Params)
}

// CreditBasedFlowHandshake is the convergence-layer field of a PN command.
type CreditBasedFlowHandshake uint8

const (
	CreditBasedFlowUnsupported       CreditBasedFlowHandshake = 0x0
	CreditBasedFlowSupportedRequest  CreditBasedFlowHandshake = 0xF
	CreditBasedFlowSupportedResponse CreditBasedFlowHandshake = 0xE
)

func parseCreditBasedFlowHandshake(v uint8) CreditBasedFlowHandshake {
	switch CreditBasedFlowHandshake(v) {
	case CreditBasedFlowSupportedRequest:
		return CreditBasedFlowSupportedRequest
	case CreditBasedFlowSupportedResponse:
		return CreditBasedFlowSupportedResponse
	default:
		return CreditBasedFlowUnsupported
	}
}

// ParameterNegotiationParams carries a DLC parameter negotiation (RFCOMM 5.5.3).
// The acknowledgement timer and retransmission count are not used by RFCOMM and
// are always zero on the wire.
type ParameterNegotiationParams struct {
	Target                   DLCI
	CreditBasedFlowHandshake CreditBasedFlowHandshake
	Priority                 uint8
	MaxFrameSize             uint16
	InitialCredits           uint8
}

// DefaultParameterNegotiationCommand returns the PN values sent when negotiating dlci
// without any local preferences.
func DefaultParameterNegotiationCommand(dlci DLCI) ParameterNegotiationParams {
	return ParameterNegotiationParams{
		Target:                   dlci,
		CreditBasedFlowHandshake: CreditBasedFlowSupportedRequest,
		MaxFrameSize:             DefaultMaxFrameSize,
		InitialCredits:           DefaultInitialCredits,
	}
}

// CreditBasedFlow reports whether the sender supports credit-based flow control.
func (p ParameterNegotiationParams) CreditBasedFlow() bool {
	return p.CreditBasedFlowHandshake != CreditBasedFlowUnsupported
}

func (ParameterNegotiationParams) CommandType() MuxCommandType { return MuxParameterNegotiation }
func (p ParameterNegotiationParams) DLCI() (DLCI, bool)        { return p.Target, true }
func (ParameterNegotiationParams) encodedLen() int             { return parameterNegotiationLength }

func (p ParameterNegotiationParams) encode(buf []byte) {
	buf[0] = uint8(p.Target) & dlciMask
	buf[1] = uint8(p.CreditBasedFlowHandshake) << 4
	buf[2] = p.Priority & 0x3F
	buf[3] = 0
	binary.LittleEndian.PutUint16(buf[4:6], p.MaxFrameSize)
	buf[6] = 0
	buf[7] = p.InitialCredits & 0x07
}

func decodeParameterNegotiation(b []byte) (ParameterNegotiationParams, error) {
	if len(b) != parameterNegotiationLength {
		return ParameterNegotiationParams{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("PN length %d", len(b)))
	}
	dlci, err := NewDLCI(b[0] & dlciMask)
	if err != nil {
		return ParameterNegotiationParams{}, &ParseError{Kind: KindInvalidDLCI, Detail: err.Error()}
	}
	return ParameterNegotiationParams{
		Target:                   dlci,
		CreditBasedFlowHandshake: parseCreditBasedFlowHandshake(b[1] >> 4),
		Priority:                 b[2] & 0x3F,
		MaxFrameSize:             binary.LittleEndian.Uint16(b[4:6]),
		InitialCredits:           b[7] & 0x07,
	}, nil
}

// ModemSignals are the V.24 signals carried by an MSC command.
type ModemSignals struct {
	FlowControl        bool
	ReadyToCommunicate bool
	ReadyToReceive     bool
	IncomingCall       bool
	DataValid          bool
}

const (
	signalFC  = 0x02
	signalRTC = 0x04
	signalRTR = 0x08
	signalIC  = 0x40
	signalDV  = 0x80
)

func (s ModemSignals) byte() uint8 {
	v := uint8(eaBit)
	if s.FlowControl {
		v |= signalFC
	}
	if s.ReadyToCommunicate {
		v |= signalRTC
	}
	if s.ReadyToReceive {
		v |= signalRTR
	}
	if s.IncomingCall {
		v |= signalIC
	}
	if s.DataValid {
		v |= signalDV
	}
	return v
}

func modemSignalsFromByte(v uint8) ModemSignals {
	return ModemSignals{
		FlowControl:        v&signalFC != 0,
		ReadyToCommunicate: v&signalRTC != 0,
		ReadyToReceive:     v&signalRTR != 0,
		IncomingCall:       v&signalIC != 0,
		DataValid:          v&signalDV != 0,
	}
}

// ModemStatusParams is an MSC command (RFCOMM 5.5.1 / GSM 07.10 5.4.6.3.7).
type ModemStatusParams struct {
	Target  DLCI
	Signals ModemSignals
	// Break is the optional break signal octet.
	Break *uint8
}

// DefaultModemStatus reports the signals of a channel that is ready for data.
func DefaultModemStatus(dlci DLCI) ModemStatusParams {
	return ModemStatusParams{
		Target: dlci,
		Signals: ModemSignals{
			ReadyToCommunicate: true,
			ReadyToReceive:     true,
			DataValid:          true,
		},
	}
}

func (ModemStatusParams) CommandType() MuxCommandType { return MuxModemStatus }
func (p ModemStatusParams) DLCI() (DLCI, bool)        { return p.Target, true }

func (p ModemStatusParams) encodedLen() int {
	if p.Break != nil {
		return 3
	}
	return 2
}

func (p ModemStatusParams) encode(buf []byte) {
	buf[0] = dlciOctet(p.Target)
	buf[1] = p.Signals.byte()
	if p.Break != nil {
		buf[2] = *p.Break | eaBit
	}
}

func decodeModemStatus(b []byte) (ModemStatusParams, error) {
	if len(b) != 2 && len(b) != 3 {
		return ModemStatusParams{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("MSC length %d", len(b)))
	}
	dlci, err := dlciFromOctet(b[0])
	if err != nil {
		return ModemStatusParams{}, err
	}
	p := ModemStatusParams{Target: dlci, Signals: modemSignalsFromByte(b[1])}
	if len(b) == 3 {
		brk := b[2] &^ eaBit
		p.Break = &brk
	}
	return p, nil
}

// PortValues are the optional port settings of an RPN command.
type PortValues struct {
	BaudRate      uint8
	LineSettings  uint8
	FlowControl   uint8
	XON           uint8
	XOFF          uint8
	ParameterMask uint16
}

// DefaultPortValues are 9600 baud, 8 data bits, 1 stop bit, no parity, no flow control.
func DefaultPortValues() PortValues {
	return PortValues{
		BaudRate:      0x03,
		LineSettings:  0x03,
		FlowControl:   0x00,
		XON:           0x11,
		XOFF:          0x13,
		ParameterMask: 0x3F7F,
	}
}

// RemotePortNegotiationParams is an RPN command. A command without port values is a
// request for the current settings.
type RemotePortNegotiationParams struct {
	Target DLCI
	Values *PortValues
}

// Response returns the reply to this RPN command: a request is answered with the
// default port values, a set request is accepted as-is.
func (p RemotePortNegotiationParams) Response() RemotePortNegotiationParams {
	values := DefaultPortValues()
	if p.Values != nil {
		values = *p.Values
	}
	return RemotePortNegotiationParams{Target: p.Target, Values: &values}
}

func (RemotePortNegotiationParams) CommandType() MuxCommandType { return MuxRemotePortNegotiation }
func (p RemotePortNegotiationParams) DLCI() (DLCI, bool)        { return p.Target, true }

func (p RemotePortNegotiationParams) encodedLen() int {
	if p.Values != nil {
		return 8
	}
	return 1
}

func (p RemotePortNegotiationParams) encode(buf []byte) {
	buf[0] = dlciOctet(p.Target)
	if p.Values == nil {
		return
	}
	v := p.Values
	buf[1] = v.BaudRate
	buf[2] = v.LineSettings
	buf[3] = v.FlowControl & 0x3F
	buf[4] = v.XON
	buf[5] = v.XOFF
	binary.LittleEndian.PutUint16(buf[6:8], v.ParameterMask)
}

func decodeRemotePortNegotiation(b []byte) (RemotePortNegotiationParams, error) {
	if len(b) != 1 && len(b) != 8 {
		return RemotePortNegotiationParams{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("RPN length %d", len(b)))
	}
	dlci, err := dlciFromOctet(b[0])
	if err != nil {
		return RemotePortNegotiationParams{}, err
	}
	p := RemotePortNegotiationParams{Target: dlci}
	if len(b) == 8 {
		p.Values = &PortValues{
			BaudRate:      b[1],
			LineSettings:  b[2],
			FlowControl:   b[3] & 0x3F,
			XON:           b[4],
			XOFF:          b[5],
			ParameterMask: binary.LittleEndian.Uint16(b[6:8]),
		}
	}
	return p, nil
}

// RemoteLineStatusParams is an RLS command.
type RemoteLineStatusParams struct {
	Target DLCI
	Status uint8
}

func (RemoteLineStatusParams) CommandType() MuxCommandType { return MuxRemoteLineStatus }
func (p RemoteLineStatusParams) DLCI() (DLCI, bool)        { return p.Target, true }
func (RemoteLineStatusParams) encodedLen() int             { return 2 }

func (p RemoteLineStatusParams) encode(buf []byte) {
	buf[0] = dlciOctet(p.Target)
	buf[1] = p.Status & 0x0F
}

func decodeRemoteLineStatus(b []byte) (RemoteLineStatusParams, error) {
	if len(b) != 2 {
		return RemoteLineStatusParams{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("RLS length %d", len(b)))
	}
	dlci, err := dlciFromOctet(b[0])
	if err != nil {
		return RemoteLineStatusParams{}, err
	}
	return RemoteLineStatusParams{Target: dlci, Status: b[1] & 0x0F}, nil
}

// NonSupportedCommandParams answers a command whose type is not understood.
type NonSupportedCommandParams struct {
	CRBit   bool
	Command uint8
}

func (NonSupportedCommandParams) CommandType() MuxCommandType { return MuxNonSupportedCommand }
func (NonSupportedCommandParams) DLCI() (DLCI, bool)          { return 0, false }
func (NonSupportedCommandParams) encodedLen() int             { return 1 }

func (p NonSupportedCommandParams) encode(buf []byte) {
	v := p.Command<<2 | eaBit
	if p.CRBit {
		v |= crMask
	}
	buf[0] = v
}

func decodeNonSupportedCommand(b []byte) (NonSupportedCommandParams, error) {
	if len(b) != 1 {
		return NonSupportedCommandParams{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("NSC length %d", len(b)))
	}
	return NonSupportedCommandParams{CRBit: b[0]&crMask != 0, Command: b[0] >> 2}, nil
}

// TestParams carries an arbitrary test pattern that the peer echoes back.
type TestParams struct {
	Pattern []byte
}

func (TestParams) CommandType() MuxCommandType { return MuxTest }
func (TestParams) DLCI() (DLCI, bool)          { return 0, false }
func (p TestParams) encodedLen() int           { return len(p.Pattern) }
func (p TestParams) encode(buf []byte)         { copy(buf, p.Pattern) }

type FlowControlOnParams struct{}

func (FlowControlOnParams) CommandType() MuxCommandType { return MuxFlowControlOn }
func (FlowControlOnParams) DLCI() (DLCI, bool)          { return 0, false }
func (FlowControlOnParams) encodedLen() int             { return 0 }
func (FlowControlOnParams) encode([]byte)               {}

type FlowControlOffParams struct{}

func (FlowControlOffParams) CommandType() MuxCommandType { return MuxFlowControlOff }
func (FlowControlOffParams) DLCI() (DLCI, bool)          { return 0, false }
func (FlowControlOffParams) encodedLen() int             { return 0 }
func (FlowControlOffParams) encode([]byte)               {}

type PowerSavingParams struct{}

func (PowerSavingParams) CommandType() MuxCommandType { return MuxPowerSaving }
func (PowerSavingParams) DLCI() (DLCI, bool)          { return 0, false }
func (PowerSavingParams) encodedLen() int             { return 0 }
func (PowerSavingParams) encode([]byte)               {}

type MultiplexerCloseDownParams struct{}

func (MultiplexerCloseDownParams) CommandType() MuxCommandType { return MuxMultiplexerCloseDown }
func (MultiplexerCloseDownParams) DLCI() (DLCI, bool)          { return 0, false }
func (MultiplexerCloseDownParams) encodedLen() int             { return 0 }
func (MultiplexerCloseDownParams) encode([]byte)               {}

func dlciOctet(d DLCI) uint8 {
	return uint8(d)<<2 | crMask | eaBit
}

func dlciFromOctet(v uint8) (DLCI, error) {
	d, err := NewDLCI(v >> 2)
	if err != nil {
		return 0, &ParseError{Kind: KindInvalidDLCI, Detail: err.Error()}
	}
	return d, nil
}

func (c MuxCommand) encodedLen() int {
	n := c.Params.encodedLen()
	return 1 + lengthFieldSize(n) + n
}

func (c MuxCommand) encode(buf []byte) {
	v := uint8(c.Params.CommandType())<<2 | eaBit
	if c.CommandResponse == Command {
		v |= crMask
	}
	buf[0] = v
	n := c.Params.encodedLen()
	off := 1 + putLength(buf[1:], n)
	c.Params.encode(buf[off : off+n])
}

// decodeMuxCommand parses the information field of a UIH frame on the mux control DLCI.
func decodeMuxCommand(b []byte) (MuxCommand, error) {
	if len(b) < 2 {
		return MuxCommand{}, newParseError(KindBufferTooSmall, "mux command header")
	}
	cr := Response
	if b[0]&crMask != 0 {
		cr = Command
	}
	typ := MuxCommandType(b[0] >> 2)
	n, size, err := readLength(b[1:])
	if err != nil {
		return MuxCommand{}, err
	}
	values := b[1+size:]
	if len(values) != n {
		return MuxCommand{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("mux command length %d, have %d", n, len(values)))
	}

	var params MuxCommandParams
	switch typ {
	case MuxParameterNegotiation:
		params, err = decodeParameterNegotiation(values)
	case MuxModemStatus:
		params, err = decodeModemStatus(values)
	case MuxRemotePortNegotiation:
		params, err = decodeRemotePortNegotiation(values)
	case MuxRemoteLineStatus:
		params, err = decodeRemoteLineStatus(values)
	case MuxNonSupportedCommand:
		params, err = decodeNonSupportedCommand(values)
	case MuxTest:
		params = TestParams{Pattern: append([]byte(nil), values...)}
	case MuxFlowControlOn:
		params = FlowControlOnParams{}
	case MuxFlowControlOff:
		params = FlowControlOffParams{}
	case MuxPowerSaving:
		params = PowerSavingParams{}
	case MuxMultiplexerCloseDown:
		params = MultiplexerCloseDownParams{}
	default:
		return MuxCommand{}, &ParseError{Kind: KindUnsupportedMuxCommandType, MuxCommandType: uint8(typ)}
	}
	if err != nil {
		return MuxCommand{}, err
	}
	return MuxCommand{Params: params, CommandResponse: cr}, nil
}
