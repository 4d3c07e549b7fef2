package transport

import (
	"io"
	"net"
	"sync"

	"github.com/progrium/rfcomm-go/mux"
)

// NetListener wraps a net.Listener to return connected sessions.
type NetListener struct {
	net.Listener
	accepted chan *mux.Session
	closer   chan struct{}
	errs     chan error

	closeOnce sync.Once
}

func newNetListener(l net.Listener) *NetListener {
	return &NetListener{
		Listener: l,
		accepted: make(chan *mux.Session),
		closer:   make(chan struct{}),
		errs:     make(chan error, 2),
	}
}

// Accept waits for and returns the next connected session to the listener.
func (l *NetListener) Accept() (*mux.Session, error) {
	select {
	case <-l.closer:
		return nil, io.EOF
	case err := <-l.errs:
		return nil, err
	case sess := <-l.accepted:
		return sess, nil
	}
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *NetListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closer)
	})
	return l.Listener.Close()
}

// deliver hands sess to Accept, closing it if the listener is closed first.
func (l *NetListener) deliver(sess *mux.Session) bool {
	select {
	case l.accepted <- sess:
		return true
	case <-l.closer:
		sess.Close()
		return false
	}
}

func (l *NetListener) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func listenNet(proto, addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				nl.fail(err)
				return
			}
			if !nl.deliver(mux.New(conn, opened, opts...)) {
				return
			}
		}
	}()
	return nl, nil
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*NetListener, error) {
	return listenNet("tcp", addr, opened, opts...)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*NetListener, error) {
	return listenNet("unix", path, opened, opts...)
}
