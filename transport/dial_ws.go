package transport

import (
	"fmt"

	"golang.org/x/net/websocket"

	"github.com/progrium/rfcomm-go/mux"
)

// DialWS starts a session over a WebSocket connection.
// The address must be a host and port. Opening a WebSocket
// connection at a particular path is not supported.
func DialWS(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	ws, err := websocket.Dial(fmt.Sprintf("ws://%s/", addr), "", fmt.Sprintf("http://%s/", addr))
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return mux.New(ws, opened, opts...), nil
}
