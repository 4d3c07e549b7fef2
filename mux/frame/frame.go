// Package frame implements encoding and decoding of RFCOMM (GSM 07.10 basic option)
// frames and multiplexer control commands.
package frame

import "fmt"

// Type is the frame type carried in the control field, without the P/F bit.
type Type uint8

const (
	TypeSABM Type = 0x2F
	TypeUA   Type = 0x63
	TypeDM   Type = 0x0F
	TypeDISC Type = 0x43
	TypeUIH  Type = 0xEF

	pollFinalBit = 0x10
)

func (t Type) String() string {
	switch t {
	case TypeSABM:
		return "SABM"
	case TypeUA:
		return "UA"
	case TypeDM:
		return "DM"
	case TypeDISC:
		return "DISC"
	case TypeUIH:
		return "UIH"
	default:
		return fmt.Sprintf("Type(%#02x)", uint8(t))
	}
}

// Data is the payload variant of a Frame. The set of implementations is closed.
type Data interface {
	Type() Type
	isData()
}

type SetAsynchronousBalancedMode struct{}

type UnnumberedAcknowledgement struct{}

type DisconnectedMode struct{}

type Disconnect struct{}

// MuxData is a UIH frame on the mux control DLCI.
type MuxData struct {
	Command MuxCommand
}

// UserData is a UIH frame on a user DLCI.
type UserData struct {
	Information []byte
}

func (SetAsynchronousBalancedMode) Type() Type { return TypeSABM }
func (UnnumberedAcknowledgement) Type() Type   { return TypeUA }
func (DisconnectedMode) Type() Type            { return TypeDM }
func (Disconnect) Type() Type                  { return TypeDISC }
func (MuxData) Type() Type                     { return TypeUIH }
func (UserData) Type() Type                    { return TypeUIH }

func (SetAsynchronousBalancedMode) isData() {}
func (UnnumberedAcknowledgement) isData()   {}
func (DisconnectedMode) isData()            {}
func (Disconnect) isData()                  {}
func (MuxData) isData()                     {}
func (UserData) isData()                    {}

// Frame is one RFCOMM frame. Role is the role of the sending side and, together
// with CommandResponse, determines the C/R bit on the wire.
type Frame struct {
	Role            Role
	DLCI            DLCI
	Data            Data
	PollFinal       bool
	CommandResponse CommandResponse

	// Credits is only present on UIH frames when credit-based flow control is in use.
	Credits *uint8
}

func (f Frame) String() string {
	switch d := f.Data.(type) {
	case MuxData:
		return fmt.Sprintf("{Frame %s %s %s P/F:%t %s}", f.Data.Type(), f.DLCI, f.CommandResponse, f.PollFinal, d.Command)
	case UserData:
		return fmt.Sprintf("{Frame %s %s Length:%d}", f.Data.Type(), f.DLCI, len(d.Information))
	case nil:
		return fmt.Sprintf("{Frame <nil> %s}", f.DLCI)
	default:
		return fmt.Sprintf("{Frame %s %s %s P/F:%t}", f.Data.Type(), f.DLCI, f.CommandResponse, f.PollFinal)
	}
}

// MakeSABMCommand returns an SABM command. SABM always requires a response.
func MakeSABMCommand(role Role, dlci DLCI) Frame {
	return Frame{
		Role:            role,
		DLCI:            dlci,
		Data:            SetAsynchronousBalancedMode{},
		PollFinal:       true,
		CommandResponse: Command,
	}
}

func MakeUAResponse(role Role, dlci DLCI) Frame {
	return Frame{
		Role:            role,
		DLCI:            dlci,
		Data:            UnnumberedAcknowledgement{},
		PollFinal:       true,
		CommandResponse: Response,
	}
}

func MakeDMResponse(role Role, dlci DLCI) Frame {
	return Frame{
		Role:            role,
		DLCI:            dlci,
		Data:            DisconnectedMode{},
		PollFinal:       true,
		CommandResponse: Response,
	}
}

func MakeDISCCommand(role Role, dlci DLCI) Frame {
	return Frame{
		Role:            role,
		DLCI:            dlci,
		Data:            Disconnect{},
		PollFinal:       true,
		CommandResponse: Command,
	}
}

// MakeMuxCommand returns a UIH frame on the mux control DLCI. The frame's
// CommandResponse mirrors the command's, so that responses are never awaited.
func MakeMuxCommand(role Role, cmd MuxCommand) Frame {
	return Frame{
		Role:            role,
		DLCI:            MuxControlDLCI,
		Data:            MuxData{Command: cmd},
		CommandResponse: cmd.CommandResponse,
	}
}

func MakeUserDataFrame(role Role, dlci DLCI, information []byte) Frame {
	return Frame{
		Role:            role,
		DLCI:            dlci,
		Data:            UserData{Information: information},
		CommandResponse: Command,
	}
}

// crBit returns the address-field C/R bit for a frame of type t sent by role.
// UIH frames always use the command value. A side that has not been assigned a role
// yet is only ever starting up (Negotiating, acting as initiator) or answering a
// startup request (Unassigned, acting as responder).
func crBit(role Role, cr CommandResponse, t Type) bool {
	if t == TypeUIH {
		cr = Command
	}
	switch role {
	case RoleInitiator, RoleNegotiating:
		return cr == Command
	default:
		return cr == Response
	}
}

// commandResponseFromBit is the inverse of crBit for a frame sent by role.
func commandResponseFromBit(role Role, bit bool, t Type) CommandResponse {
	switch role {
	case RoleInitiator:
		if bit {
			return Command
		}
		return Response
	case RoleResponder:
		if bit {
			return Response
		}
		return Command
	}
	// Sender role unknown before startup: the frame type decides.
	switch t {
	case TypeUA, TypeDM:
		return Response
	default:
		return Command
	}
}
