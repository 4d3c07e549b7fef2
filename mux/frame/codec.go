package frame

import (
	"errors"
	"fmt"
)

const (
	eaBit  = 0x01
	crMask = 0x02

	maxOneOctetLength = 0x7F
	maxLength         = 0x7FFF

	// minFrameLength is address, control, one length octet and the FCS.
	minFrameLength = 4
)

var errNoData = errors.New("frame: missing frame data")

func lengthFieldSize(n int) int {
	if n > maxOneOctetLength {
		return 2
	}
	return 1
}

// putLength writes the EA-encoded length n into buf and returns the octets used.
func putLength(buf []byte, n int) int {
	if n <= maxOneOctetLength {
		buf[0] = uint8(n)<<1 | eaBit
		return 1
	}
	buf[0] = uint8(n&maxOneOctetLength) << 1
	buf[1] = uint8(n >> 7)
	return 2
}

// readLength decodes an EA-encoded length field.
func readLength(b []byte) (n, size int, err error) {
	if len(b) == 0 {
		return 0, 0, newParseError(KindBufferTooSmall, "length field")
	}
	if b[0]&eaBit != 0 {
		return int(b[0] >> 1), 1, nil
	}
	if len(b) < 2 {
		return 0, 0, newParseError(KindBufferTooSmall, "length field")
	}
	return int(b[0]>>1) | int(b[1])<<7, 2, nil
}

func validType(t Type) bool {
	switch t {
	case TypeSABM, TypeUA, TypeDM, TypeDISC, TypeUIH:
		return true
	}
	return false
}

// Encode serializes f to its wire representation.
func Encode(f Frame) ([]byte, error) {
	if f.Data == nil {
		return nil, errNoData
	}
	if _, err := NewDLCI(uint8(f.DLCI)); err != nil {
		return nil, err
	}

	t := f.Data.Type()
	var info int
	switch d := f.Data.(type) {
	case MuxData:
		if !f.DLCI.IsMuxControl() {
			return nil, fmt.Errorf("frame: mux command on %s", f.DLCI)
		}
		if d.Command.Params == nil {
			return nil, errNoData
		}
		info = d.Command.encodedLen()
	case UserData:
		if !f.DLCI.IsUser() {
			return nil, fmt.Errorf("frame: user data on %s", f.DLCI)
		}
		info = len(d.Information)
	}
	if info > maxLength {
		return nil, fmt.Errorf("frame: information field of %d bytes exceeds %d", info, maxLength)
	}

	pf := f.PollFinal
	credits := t == TypeUIH && f.Credits != nil
	if credits {
		pf = true
	}

	n := 2 + lengthFieldSize(info) + info + 1
	if credits {
		n++
	}
	buf := make([]byte, n)

	buf[0] = uint8(f.DLCI)<<2 | eaBit
	if crBit(f.Role, f.CommandResponse, t) {
		buf[0] |= crMask
	}
	buf[1] = uint8(t)
	if pf {
		buf[1] |= pollFinalBit
	}
	hdr := 2 + putLength(buf[2:], info)

	off := hdr
	if credits {
		buf[off] = *f.Credits
		off++
	}
	switch d := f.Data.(type) {
	case MuxData:
		d.Command.encode(buf[off : off+info])
	case UserData:
		copy(buf[off:], d.Information)
	}

	covered := buf[:hdr]
	if t == TypeUIH {
		covered = buf[:2]
	}
	buf[n-1] = computeFCS(covered)
	return buf, nil
}

// Len returns the total length of the frame that starts at b[0]. It returns 0 and
// no error when b is too short to contain the length field.
func Len(b []byte, creditBasedFlow bool) (int, error) {
	if len(b) < 3 {
		return 0, nil
	}
	if b[0]&eaBit == 0 {
		return 0, newParseError(KindInvalidFrame, "address field extension")
	}
	if b[2]&eaBit == 0 && len(b) < 4 {
		return 0, nil
	}
	n, size, err := readLength(b[2:])
	if err != nil {
		return 0, err
	}
	total := 2 + size + n + 1
	ctrl := b[1]
	if Type(ctrl&^pollFinalBit) == TypeUIH && ctrl&pollFinalBit != 0 && creditBasedFlow {
		total++
	}
	return total, nil
}

// Parse decodes one complete frame sent by a peer holding peerRole. b must hold
// exactly one frame.
func Parse(peerRole Role, creditBasedFlow bool, b []byte) (Frame, error) {
	if len(b) < minFrameLength {
		return Frame{}, newParseError(KindBufferTooSmall, fmt.Sprintf("%d bytes", len(b)))
	}
	addr := b[0]
	if addr&eaBit == 0 {
		return Frame{}, newParseError(KindInvalidFrame, "address field extension")
	}
	dlci, err := NewDLCI(addr >> 2)
	if err != nil {
		return Frame{}, &ParseError{Kind: KindInvalidDLCI, Detail: err.Error()}
	}

	ctrl := b[1]
	t := Type(ctrl &^ pollFinalBit)
	if !validType(t) {
		return Frame{}, newParseError(KindUnsupportedFrameType, fmt.Sprintf("%#02x", ctrl))
	}
	pf := ctrl&pollFinalBit != 0

	n, size, err := readLength(b[2:])
	if err != nil {
		return Frame{}, err
	}
	hdr := 2 + size
	off := hdr
	var credits *uint8
	if t == TypeUIH && pf && creditBasedFlow {
		if len(b) <= off {
			return Frame{}, newParseError(KindBufferTooSmall, "credits")
		}
		c := b[off]
		credits = &c
		off++
	}
	switch want := off + n + 1; {
	case len(b) < want:
		return Frame{}, newParseError(KindBufferTooSmall, fmt.Sprintf("have %d of %d bytes", len(b), want))
	case len(b) > want:
		return Frame{}, newParseError(KindInvalidBufferLength, fmt.Sprintf("have %d, want %d bytes", len(b), want))
	}

	covered := b[:hdr]
	if t == TypeUIH {
		covered = b[:2]
	}
	if !verifyFCS(covered, b[len(b)-1]) {
		return Frame{}, newParseError(KindFCSCheckFailed, "")
	}

	f := Frame{
		Role:            peerRole,
		DLCI:            dlci,
		PollFinal:       pf,
		CommandResponse: commandResponseFromBit(peerRole, addr&crMask != 0, t),
		Credits:         credits,
	}
	info := b[off : off+n]
	switch t {
	case TypeSABM:
		f.Data = SetAsynchronousBalancedMode{}
	case TypeUA:
		f.Data = UnnumberedAcknowledgement{}
	case TypeDM:
		f.Data = DisconnectedMode{}
	case TypeDISC:
		f.Data = Disconnect{}
	case TypeUIH:
		if dlci.IsMuxControl() {
			cmd, err := decodeMuxCommand(info)
			if err != nil {
				return Frame{}, err
			}
			f.Data = MuxData{Command: cmd}
			f.CommandResponse = cmd.CommandResponse
		} else {
			f.Data = UserData{Information: append([]byte(nil), info...)}
		}
	}
	return f, nil
}
