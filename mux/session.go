package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/progrium/rfcomm-go/mux/frame"
	"github.com/progrium/rfcomm-go/observability"
)

// Tracer observes every frame a session sends or receives. It is called from
// several goroutines, and one Tracer may serve many sessions.
type Tracer interface {
	TraceFrame(session xid.ID, outbound bool, f frame.Frame, raw []byte)
}

// queues connects the protocol goroutine, the writer and the channels of one
// session. Frames produced by the protocol goroutine go on an unbounded control
// queue so that it never waits on the transport; user data written by channels
// goes through out and is paced by the writer.
type queues struct {
	out      chan frame.Frame
	requests chan func(*sessionInner)
	done     chan struct{}

	mu     sync.Mutex
	ctrl   []frame.Frame
	notify chan struct{}
}

func newQueues(outCap int) *queues {
	return &queues{
		out:      make(chan frame.Frame, outCap),
		requests: make(chan func(*sessionInner), outCap),
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// send queues f for the writer, waiting for it to be taken.
func (q *queues) send(f frame.Frame) error {
	select {
	case q.out <- f:
		return nil
	case <-q.done:
		return ErrSessionClosed
	}
}

// push appends f to the control queue. It never blocks.
func (q *queues) push(f frame.Frame) {
	q.mu.Lock()
	q.ctrl = append(q.ctrl, f)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest control frame.
func (q *queues) pop() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ctrl) == 0 {
		return frame.Frame{}, false
	}
	f := q.ctrl[0]
	q.ctrl[0] = frame.Frame{}
	q.ctrl = q.ctrl[1:]
	return f, true
}

// do runs fn on the protocol goroutine without waiting for it.
func (q *queues) do(fn func(*sessionInner)) error {
	select {
	case q.requests <- fn:
		return nil
	case <-q.done:
		return ErrSessionClosed
	}
}

// Option configures a Session.
type Option func(*Session)

func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

func WithTracer(t Tracer) Option {
	return func(s *Session) {
		s.tracer = t
	}
}

// Session is an RFCOMM session multiplexing DLCs over one transport. Its lifetime
// is tied to the transport: the session ends when the transport is closed, when
// the peer disconnects the multiplexer or when Close is called.
type Session struct {
	id     xid.ID
	t      io.ReadWriteCloser
	cfg    Config
	log    zerolog.Logger
	tracer Tracer

	q          *queues
	incoming   chan []byte
	writerDone chan struct{}
	closed     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	finishOnce sync.Once
	err        error
	readErr    error
}

// New starts a session over t. Every established DLC is handed to opened; with a
// nil opened, channels requested by the peer are refused.
func New(t io.ReadWriteCloser, opened ChannelOpenedFunc, opts ...Option) *Session {
	s := &Session{
		id:         xid.New(),
		t:          t,
		cfg:        DefaultConfig(),
		log:        zerolog.Nop(),
		q:          newQueues(0),
		incoming:   make(chan []byte),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.log = s.log.With().Str("session", s.id.String()).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	inner := newSessionInner(s.ctx, s.q, opened, s.cfg, s.log)
	inner.id = s.id
	inner.tracer = s.tracer

	observability.RecordSessionStarted()
	s.log.Info().Msg("session started")

	go s.readLoop()
	go s.writeLoop()
	go func() {
		var err error
		if inner.run(s.incoming) {
			// readErr is written before incoming is closed.
			err = s.readErr
		}
		s.finish(err)
	}()
	go s.supervise()
	return s
}

func (s *Session) ID() xid.ID {
	return s.id
}

// OpenChannel requests a DLC to the server channel sc on the peer, starting the
// multiplexer and negotiating parameters first when needed. It returns once the
// request is queued; the channel is delivered to the ChannelOpenedFunc when the
// peer accepts it.
func (s *Session) OpenChannel(ctx context.Context, sc frame.ServerChannel) error {
	return s.call(ctx, func(in *sessionInner) error {
		return in.openRemoteChannel(sc)
	})
}

// Disconnect closes every channel and asks the peer to close down the
// multiplexer. The session ends when the peer answers.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.call(ctx, func(in *sessionInner) error {
		return in.disconnectSession()
	})
}

// Role returns the current multiplexer role.
func (s *Session) Role(ctx context.Context) (frame.Role, error) {
	var role frame.Role
	err := s.call(ctx, func(in *sessionInner) error {
		role = in.role()
		return nil
	})
	return role, err
}

// call runs fn on the protocol goroutine and waits for its result.
func (s *Session) call(ctx context.Context, fn func(*sessionInner) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := make(chan error, 1)
	req := func(in *sessionInner) {
		result <- fn(in)
	}
	select {
	case s.q.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.q.done:
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.q.done:
		return ErrSessionClosed
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.q.done
}

// IsActive reports whether the session is still running.
func (s *Session) IsActive() bool {
	select {
	case <-s.q.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the session has ended and the transport is closed, and
// returns the error that ended it. A session ended by transport EOF, by the peer
// or by Close returns nil.
func (s *Session) Wait() error {
	<-s.closed
	return s.err
}

// Close ends the session and closes the transport.
func (s *Session) Close() error {
	s.finish(nil)
	<-s.closed
	return nil
}

// finish ends the session with err. The first call wins.
func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		s.cancel()
		close(s.q.done)
	})
}

// supervise closes the transport once the session has ended, giving the writer a
// bounded time to flush the frame it is writing.
func (s *Session) supervise() {
	<-s.q.done
	timer := time.NewTimer(s.cfg.CloseTimeout)
	select {
	case <-s.writerDone:
	case <-timer.C:
		s.log.Warn().Msg("writer did not finish before close timeout")
	}
	timer.Stop()
	s.t.Close()

	observability.RecordSessionEnded()
	if s.err != nil {
		s.log.Info().Err(s.err).Msg("session ended")
	} else {
		s.log.Info().Msg("session ended")
	}
	close(s.closed)
}

// readLoop forwards transport reads to the protocol goroutine and closes incoming
// when the transport fails or reaches EOF.
func (s *Session) readLoop() {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := s.t.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.incoming <- b:
			case <-s.q.done:
				return
			}
		}
		if err != nil {
			if !isEOF(err) && s.IsActive() {
				s.log.Error().Err(err).Msg("error reading from transport")
				s.readErr = err
			}
			close(s.incoming)
			return
		}
	}
}

// writeLoop encodes queued frames onto the transport. Control frames are written
// before user data; once the session is done the remaining control frames are
// flushed.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		f, ok := s.q.pop()
		if !ok {
			select {
			case f = <-s.q.out:
			case <-s.q.notify:
				continue
			case <-s.q.done:
				s.flush()
				return
			}
		}
		if err := s.writeFrame(f); err != nil {
			if isEOF(err) {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

func (s *Session) flush() {
	for {
		f, ok := s.q.pop()
		if !ok {
			return
		}
		if err := s.writeFrame(f); err != nil {
			return
		}
	}
}

func (s *Session) writeFrame(f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		s.log.Error().Err(err).Stringer("frame", f).Msg("couldn't encode frame")
		return nil
	}
	s.log.Trace().Stringer("frame", f).Msg("sending")
	if _, err := s.t.Write(b); err != nil {
		if !isEOF(err) {
			s.log.Error().Err(err).Msg("error writing to transport")
		}
		return err
	}
	observability.RecordFrame(observability.DirectionOutbound, f.Data.Type().String())
	if s.tracer != nil {
		s.tracer.TraceFrame(s.id, true, f, b)
	}
	return nil
}

func isEOF(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var syscallErr *os.SyscallError
	return errors.As(err, &syscallErr) && syscallErr.Err == syscall.ECONNRESET
}
