package transport

import (
	"fmt"
	"net"

	"github.com/progrium/rfcomm-go/mux"
)

// A Listener is similar to a net.Listener but returns connections wrapped as
// sessions.
type Listener interface {
	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	// Accept waits for and returns the next incoming session.
	Accept() (*mux.Session, error)

	// Addr returns the listener's network address if available.
	Addr() net.Addr
}

// Listen creates a listener for a URL such as tcp://127.0.0.1:4000,
// ws://:8080, quic://:4433, unix:///tmp/rfcomm.sock or stdio:. QUIC listeners
// use a self-signed certificate.
func Listen(rawurl string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (Listener, error) {
	scheme, addr, err := SplitURL(rawurl)
	if err != nil {
		return nil, err
	}
	var l Listener
	switch scheme {
	case "tcp":
		l, err = asListener(ListenTCP(addr, opened, opts...))
	case "unix":
		l, err = asListener(ListenUnix(addr, opened, opts...))
	case "ws":
		l, err = asListener(ListenWS(addr, opened, opts...))
	case "quic":
		tlsConf, err := GenerateTLSConfig()
		if err != nil {
			return nil, err
		}
		ql, err := ListenQUIC(addr, tlsConf, opened, opts...)
		if err != nil {
			return nil, err
		}
		return ql, nil
	case "stdio":
		l, err = ListenStdio(opened, opts...)
	default:
		return nil, fmt.Errorf("transport: cannot listen on '%s'", scheme)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func asListener(l *NetListener, err error) (Listener, error) {
	if err != nil {
		return nil, err
	}
	return l, nil
}
