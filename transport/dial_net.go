package transport

import (
	"net"

	"github.com/progrium/rfcomm-go/mux"
)

func dialNet(proto, addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	conn, err := net.Dial(proto, addr)
	if err != nil {
		return nil, err
	}
	return mux.New(conn, opened, opts...), nil
}

// DialTCP starts a session over a TCP connection.
func DialTCP(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	return dialNet("tcp", addr, opened, opts...)
}

// DialUnix starts a session over a Unix domain socket.
func DialUnix(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	return dialNet("unix", addr, opened, opts...)
}
