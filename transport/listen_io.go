package transport

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/progrium/rfcomm-go/mux"
)

// ioListener wraps a single ReadWriteCloser to use as a listener. The first
// Accept returns the session over it; later calls block until the listener is
// closed.
type ioListener struct {
	rwc    io.ReadWriteCloser
	opened mux.ChannelOpenedFunc
	opts   []mux.Option

	acceptOnce sync.Once
	closeOnce  sync.Once
	closer     chan struct{}
}

func (l *ioListener) Accept() (*mux.Session, error) {
	var sess *mux.Session
	l.acceptOnce.Do(func() {
		sess = mux.New(l.rwc, l.opened, l.opts...)
	})
	if sess != nil {
		return sess, nil
	}
	<-l.closer
	return nil, io.EOF
}

func (l *ioListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closer)
	})
	return nil
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

// ListenIO returns a Listener that gives one session based on separate
// WriteCloser and ReadCloser.
func ListenIO(out io.WriteCloser, in io.ReadCloser, opened mux.ChannelOpenedFunc, opts ...mux.Option) (Listener, error) {
	return &ioListener{
		rwc:    &ioduplex{out, in},
		opened: opened,
		opts:   opts,
		closer: make(chan struct{}),
	}, nil
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio(opened mux.ChannelOpenedFunc, opts ...mux.Option) (Listener, error) {
	return ListenIO(os.Stdout, os.Stdin, opened, opts...)
}
