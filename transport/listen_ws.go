package transport

import (
	"net"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/progrium/rfcomm-go/mux"
)

// ListenWS takes a TCP address and returns a NetListener with an HTTP+WebSocket
// server listening on the given address. Every WebSocket connection becomes a
// session; the handler returns when the session ends.
func ListenWS(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*NetListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	nl := newNetListener(l)
	s := &http.Server{
		Addr: addr,
		Handler: websocket.Handler(func(ws *websocket.Conn) {
			ws.PayloadType = websocket.BinaryFrame
			sess := mux.New(ws, opened, opts...)
			if !nl.deliver(sess) {
				return
			}
			sess.Wait()
		}),
	}
	go func() {
		nl.fail(s.Serve(l))
	}()
	return nl, nil
}
