package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/progrium/rfcomm-go/mux"
)

// NextProto is the ALPN protocol of RFCOMM sessions over QUIC.
const NextProto = "rfcomm-quic"

// A session over QUIC uses the first bidirectional stream of the connection as
// its byte stream. The dialer writes a one byte header so that the listener
// learns of the stream immediately.
var streamHeader = []byte{'!'}

var defaultTLSConfig = tls.Config{
	InsecureSkipVerify: true,
	NextProtos:         []string{NextProto},
}

// quicStream adapts a QUIC stream to the transport of a session. Closing it
// closes the whole connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
	once sync.Once
}

func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	return n, closedAsEOF(err)
}

func (s *quicStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	return n, closedAsEOF(err)
}

// closedAsEOF reports a connection closed without an error code as io.EOF.
func closedAsEOF(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return io.EOF
	}
	return err
}

func (s *quicStream) Close() error {
	var err error
	s.once.Do(func() {
		s.Stream.CancelRead(0)
		s.Stream.Close()
		err = s.conn.CloseWithError(0, "session closed")
	})
	return err
}

// DialQUIC starts a session over the first stream of a QUIC connection. The
// server certificate is not verified.
func DialQUIC(addr string, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, &defaultTLSConfig, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write(streamHeader); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return mux.New(&quicStream{Stream: stream, conn: conn}, opened, opts...), nil
}

// QUICListener accepts QUIC connections and returns a session for each.
type QUICListener struct {
	l      *quic.Listener
	opened mux.ChannelOpenedFunc
	opts   []mux.Option
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC creates a QUIC listener at the given address. tlsConf must carry a
// certificate; its NextProtos are set to NextProto when empty.
func ListenQUIC(addr string, tlsConf *tls.Config, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*QUICListener, error) {
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{NextProto}
	}
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{l: l, opened: opened, opts: opts, ctx: ctx, cancel: cancel}, nil
}

// Accept waits for a connection and its first stream.
func (l *QUICListener) Accept() (*mux.Session, error) {
	for {
		conn, err := l.l.Accept(l.ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			continue
		}
		header := make([]byte, len(streamHeader))
		if _, err := stream.Read(header); err != nil {
			conn.CloseWithError(0, "")
			continue
		}
		return mux.New(&quicStream{Stream: stream, conn: conn}, l.opened, l.opts...), nil
	}
}

func (l *QUICListener) Close() error {
	l.cancel()
	return l.l.Close()
}

func (l *QUICListener) Addr() net.Addr {
	return l.l.Addr()
}

// GenerateTLSConfig returns a server TLS config with a fresh self-signed
// certificate.
func GenerateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{NextProto},
	}, nil
}
