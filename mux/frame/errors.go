package frame

import "fmt"

// ParseErrorKind classifies a frame that could not be decoded.
type ParseErrorKind uint8

const (
	KindBufferTooSmall ParseErrorKind = iota + 1
	KindInvalidBufferLength
	KindInvalidFrame
	KindInvalidDLCI
	KindUnsupportedFrameType
	KindFCSCheckFailed
	KindUnsupportedMuxCommandType
)

func (k ParseErrorKind) String() string {
	switch k {
	case KindBufferTooSmall:
		return "buffer too small"
	case KindInvalidBufferLength:
		return "invalid buffer length"
	case KindInvalidFrame:
		return "invalid frame"
	case KindInvalidDLCI:
		return "invalid DLCI"
	case KindUnsupportedFrameType:
		return "unsupported frame type"
	case KindFCSCheckFailed:
		return "FCS check failed"
	case KindUnsupportedMuxCommandType:
		return "unsupported mux command type"
	default:
		return fmt.Sprintf("ParseErrorKind(%d)", uint8(k))
	}
}

// ParseError is returned by Parse and Len.
type ParseError struct {
	Kind   ParseErrorKind
	Detail string

	// MuxCommandType holds the raw 6-bit command code when Kind is
	// KindUnsupportedMuxCommandType.
	MuxCommandType uint8
}

func newParseError(kind ParseErrorKind, detail string) *ParseError {
	return &ParseError{Kind: kind, Detail: detail}
}

func (e *ParseError) Error() string {
	switch {
	case e.Kind == KindUnsupportedMuxCommandType:
		return fmt.Sprintf("frame: %s %#02x", e.Kind, e.MuxCommandType)
	case e.Detail != "":
		return fmt.Sprintf("frame: %s: %s", e.Kind, e.Detail)
	default:
		return "frame: " + e.Kind.String()
	}
}

// Is matches any *ParseError of the same Kind, so callers can compare against
// a template such as &ParseError{Kind: KindFCSCheckFailed}.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}
