package frame

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDLCI          = errors.New("frame: invalid DLCI")
	ErrInvalidServerChannel = errors.New("frame: invalid server channel")
	ErrInvalidRole          = errors.New("frame: invalid role")
)

// Role is the role of one side of an RFCOMM session. A session starts Unassigned,
// moves to Negotiating while the local side attempts multiplexer startup and ends in
// Initiator or Responder for the rest of its life.
type Role uint8

const (
	RoleUnassigned Role = iota
	RoleNegotiating
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleUnassigned:
		return "Unassigned"
	case RoleNegotiating:
		return "Negotiating"
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Opposite returns the role of the remote side. Roles that are not yet assigned
// are returned unchanged.
func (r Role) Opposite() Role {
	switch r {
	case RoleInitiator:
		return RoleResponder
	case RoleResponder:
		return RoleInitiator
	default:
		return r
	}
}

// Started reports whether the role is one of the terminal multiplexer roles.
func (r Role) Started() bool {
	return r == RoleInitiator || r == RoleResponder
}

// CommandResponse distinguishes command frames from response frames.
type CommandResponse uint8

const (
	Command CommandResponse = iota
	Response
)

func (cr CommandResponse) String() string {
	if cr == Response {
		return "Response"
	}
	return "Command"
}

const (
	// MuxControlDLCI carries all multiplexer control traffic.
	MuxControlDLCI DLCI = 0

	minUserDLCI DLCI = 2
	maxDLCI     DLCI = 61

	minServerChannel ServerChannel = 1
	maxServerChannel ServerChannel = 30
)

// DLCI identifies one multiplexed data link connection.
type DLCI uint8

// NewDLCI validates v and returns it as a DLCI.
func NewDLCI(v uint8) (DLCI, error) {
	d := DLCI(v)
	if d != MuxControlDLCI && (d < minUserDLCI || d > maxDLCI) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDLCI, v)
	}
	return d, nil
}

// MustDLCI is like NewDLCI but panics on an invalid value.
func MustDLCI(v uint8) DLCI {
	d, err := NewDLCI(v)
	if err != nil {
		panic(err)
	}
	return d
}

func (d DLCI) IsMuxControl() bool {
	return d == MuxControlDLCI
}

func (d DLCI) IsUser() bool {
	return d >= minUserDLCI && d <= maxDLCI
}

// ServerChannel returns the server channel encoded in the DLCI.
func (d DLCI) ServerChannel() (ServerChannel, error) {
	if !d.IsUser() {
		return 0, fmt.Errorf("%w: %d has no server channel", ErrInvalidDLCI, uint8(d))
	}
	return ServerChannel(d >> 1), nil
}

// Validate checks that a user DLCI belongs to the side of the session holding role.
// The direction bit is clear for server channels on the Responder and set for server
// channels on the Initiator.
func (d DLCI) Validate(role Role) error {
	if !d.IsUser() {
		return fmt.Errorf("%w: %d is not a user DLCI", ErrInvalidDLCI, uint8(d))
	}
	sc, err := d.ServerChannel()
	if err != nil {
		return err
	}
	expected, err := sc.ToDLCI(role)
	if err != nil {
		return err
	}
	if expected != d {
		return fmt.Errorf("%w: %d does not belong to %s", ErrInvalidDLCI, uint8(d), role)
	}
	return nil
}

func (d DLCI) String() string {
	return fmt.Sprintf("DLCI(%d)", uint8(d))
}

// ServerChannel is the RFCOMM server channel number advertised for a service.
type ServerChannel uint8

func NewServerChannel(v uint8) (ServerChannel, error) {
	sc := ServerChannel(v)
	if sc < minServerChannel || sc > maxServerChannel {
		return 0, fmt.Errorf("%w: %d", ErrInvalidServerChannel, v)
	}
	return sc, nil
}

// ToDLCI returns the DLCI addressing this server channel on the side holding role.
func (sc ServerChannel) ToDLCI(role Role) (DLCI, error) {
	if sc < minServerChannel || sc > maxServerChannel {
		return 0, fmt.Errorf("%w: %d", ErrInvalidServerChannel, uint8(sc))
	}
	switch role {
	case RoleInitiator:
		return DLCI(sc<<1 | 1), nil
	case RoleResponder:
		return DLCI(sc << 1), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
}
