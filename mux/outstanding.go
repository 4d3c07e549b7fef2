package mux

import (
	"fmt"

	"github.com/progrium/rfcomm-go/mux/frame"
)

// OutstandingFrames tracks the commands sent to the peer that still await a
// response. At most one command frame may be outstanding per DLCI and at most one
// mux command per identifier.
type OutstandingFrames struct {
	commands    map[frame.DLCI]frame.Frame
	muxCommands map[frame.MuxCommandIdentifier]frame.MuxCommand
}

func NewOutstandingFrames() *OutstandingFrames {
	return &OutstandingFrames{
		commands:    make(map[frame.DLCI]frame.Frame),
		muxCommands: make(map[frame.MuxCommandIdentifier]frame.MuxCommand),
	}
}

// RegisterFrame records f if it requires a response and reports whether it did.
func (o *OutstandingFrames) RegisterFrame(f frame.Frame) (bool, error) {
	if f.CommandResponse == frame.Response {
		return false, nil
	}

	switch d := f.Data.(type) {
	case frame.MuxData:
		id := d.Command.Identifier()
		if _, ok := o.muxCommands[id]; ok {
			return false, fmt.Errorf("%w: %s", ErrMuxCommandOutstanding, id.Type)
		}
		o.muxCommands[id] = d.Command
		return true, nil
	case frame.UserData:
		return false, nil
	}

	if !f.PollFinal {
		return false, nil
	}
	if _, ok := o.commands[f.DLCI]; ok {
		return false, fmt.Errorf("%w: %s", ErrCommandFrameOutstanding, f.DLCI)
	}
	o.commands[f.DLCI] = f
	return true, nil
}

// RemoveFrame pops the outstanding command frame for dlci.
func (o *OutstandingFrames) RemoveFrame(dlci frame.DLCI) (frame.Frame, bool) {
	f, ok := o.commands[dlci]
	if ok {
		delete(o.commands, dlci)
	}
	return f, ok
}

// RemoveMuxCommand pops the outstanding mux command for id.
func (o *OutstandingFrames) RemoveMuxCommand(id frame.MuxCommandIdentifier) (frame.MuxCommand, bool) {
	cmd, ok := o.muxCommands[id]
	if ok {
		delete(o.muxCommands, id)
	}
	return cmd, ok
}

func (o *OutstandingFrames) len() int {
	return len(o.commands) + len(o.muxCommands)
}
