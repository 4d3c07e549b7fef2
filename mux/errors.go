package mux

import (
	"errors"
	"fmt"

	"github.com/progrium/rfcomm-go/mux/frame"
)

var (
	ErrMultiplexerAlreadyStarted = errors.New("rfcomm: multiplexer already started")
	ErrMultiplexerNotStarted     = errors.New("rfcomm: multiplexer not started")
	ErrInvalidRole               = errors.New("rfcomm: invalid role")
	ErrNotImplemented            = errors.New("rfcomm: not implemented")
	ErrUnexpectedResponse        = errors.New("rfcomm: unexpected response")
	ErrSessionClosed             = errors.New("rfcomm: session closed")
	ErrMuxCommandOutstanding     = errors.New("rfcomm: mux command outstanding")
	ErrCommandFrameOutstanding   = errors.New("rfcomm: command frame outstanding")
	ErrChannelNotEstablished     = errors.New("rfcomm: channel not established")
	ErrChannelRejected           = errors.New("rfcomm: no handler accepted the channel")
)

// ChannelAlreadyEstablishedError is returned when a DLC is opened twice.
type ChannelAlreadyEstablishedError struct {
	DLCI frame.DLCI
}

func (e *ChannelAlreadyEstablishedError) Error() string {
	return fmt.Sprintf("rfcomm: channel already established on %s", e.DLCI)
}
