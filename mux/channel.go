package mux

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/progrium/rfcomm-go/mux/frame"
	"github.com/progrium/rfcomm-go/observability"
)

// Channel is the application end of an established DLC. Reads return the user
// data received from the peer; writes are sent as UIH frames no larger than the
// negotiated maximum frame size.
type Channel struct {
	// R/O after creation
	dlci          frame.DLCI
	serverChannel frame.ServerChannel
	role          frame.Role
	maxPayload    int

	q *queues

	// thread-safe data
	pending *buffer
	closed  atomic.Bool

	// Until the frames establishing the DLC are queued, writes are held in
	// backlog and a Close only sets closeRequested.
	mu             sync.Mutex
	ready          bool
	backlog        []frame.Frame
	closeRequested bool

	// writeMu serializes writers so that the chunks of one Write are
	// queued contiguously.
	writeMu sync.Mutex
}

var _ io.ReadWriteCloser = (*Channel)(nil)

func newChannel(dlci frame.DLCI, sc frame.ServerChannel, role frame.Role, maxPayload int, q *queues) *Channel {
	if maxPayload <= 0 {
		maxPayload = int(frame.DefaultMaxFrameSize)
	}
	return &Channel{
		dlci:          dlci,
		serverChannel: sc,
		role:          role,
		maxPayload:    maxPayload,
		q:             q,
		pending:       newBuffer(),
	}
}

// ID returns the DLCI of this channel within the session.
func (ch *Channel) ID() frame.DLCI {
	return ch.dlci
}

func (ch *Channel) ServerChannel() frame.ServerChannel {
	return ch.serverChannel
}

// Read reads up to len(data) bytes from the channel.
func (ch *Channel) Read(data []byte) (int, error) {
	return ch.pending.Read(data)
}

// Write writes len(data) bytes to the channel. Writes issued while the channel is
// being established are held until the peer has been told it is open, so the
// ChannelOpenedFunc may write to the channel it receives.
func (ch *Channel) Write(data []byte) (n int, err error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	for len(data) > 0 {
		if ch.closed.Load() {
			return n, io.EOF
		}
		space := len(data)
		if space > ch.maxPayload {
			space = ch.maxPayload
		}
		// The frame is queued, so it must not alias the caller's buffer.
		toSend := make([]byte, space)
		copy(toSend, data[:space])

		if err = ch.send(frame.MakeUserDataFrame(ch.role, ch.dlci, toSend)); err != nil {
			return n, err
		}
		observability.RecordUserData(observability.DirectionOutbound, space)

		n += space
		data = data[space:]
	}
	return n, nil
}

func (ch *Channel) send(f frame.Frame) error {
	ch.mu.Lock()
	if !ch.ready {
		defer ch.mu.Unlock()
		select {
		case <-ch.q.done:
			return ErrSessionClosed
		default:
		}
		ch.backlog = append(ch.backlog, f)
		return nil
	}
	ch.mu.Unlock()
	return ch.q.send(f)
}

// Close disconnects the DLC. Pending data can still be read until it is drained.
func (ch *Channel) Close() error {
	if ch.closed.Swap(true) {
		return nil
	}
	ch.pending.eof()

	ch.mu.Lock()
	if !ch.ready {
		ch.closeRequested = true
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()
	return ch.q.do(func(s *sessionInner) {
		s.disconnectChannel(ch.dlci)
	})
}

// markReady is called by the session once the frames establishing the DLC are
// queued. It queues the held writes behind them and reports whether Close was
// called in the meantime.
func (ch *Channel) markReady() (closeRequested bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ready {
		return false
	}
	for _, f := range ch.backlog {
		ch.q.push(f)
	}
	ch.backlog = nil
	ch.ready = true
	return ch.closeRequested
}

// close is called by the session when the DLC is torn down.
func (ch *Channel) close() {
	ch.closed.Store(true)
	ch.pending.eof()

	ch.mu.Lock()
	ch.ready = true
	ch.backlog = nil
	ch.mu.Unlock()
}

// deliver queues data received from the peer. Data arriving after a local
// Close is dropped.
func (ch *Channel) deliver(data []byte) error {
	if ch.closed.Load() {
		return nil
	}
	ch.pending.write(data)
	observability.RecordUserData(observability.DirectionInbound, len(data))
	return nil
}
