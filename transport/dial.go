package transport

import (
	"fmt"
	"net/url"

	"github.com/progrium/rfcomm-go/mux"
)

// A Dialer connects to addr and starts a session over the connection.
type Dialer func(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error)

// Dialers is map of URL schemes to Dialers and includes all builtin transports.
var Dialers map[string]Dialer

func init() {
	Dialers = map[string]Dialer{
		"tcp":  DialTCP,
		"unix": DialUnix,
		"ws":   DialWS,
		"quic": DialQUIC,
		"stdio": func(_ string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
			return DialStdio(opened, opts...)
		},
	}
}

// Dial connects to a URL such as tcp://127.0.0.1:4000, unix:///tmp/rfcomm.sock or
// stdio: using a registered transport.
func Dial(rawurl string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	scheme, addr, err := SplitURL(rawurl)
	if err != nil {
		return nil, err
	}
	d, ok := Dialers[scheme]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not in available in Dialers", scheme)
	}
	return d(addr, opened, opts...)
}

// SplitURL returns the scheme of rawurl and the address the scheme's transport
// expects: host:port for network schemes and a path for unix.
func SplitURL(rawurl string) (scheme, addr string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("transport: missing scheme in %q", rawurl)
	}
	switch u.Scheme {
	case "unix":
		addr = u.Path
		if addr == "" {
			addr = u.Opaque
		}
	case "stdio":
	default:
		addr = u.Host
	}
	return u.Scheme, addr, nil
}
