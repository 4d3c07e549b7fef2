package transport

import (
	"io"
	"os"

	"github.com/progrium/rfcomm-go/mux"
)

// DialIO starts a session using a WriteCloser and ReadCloser.
func DialIO(out io.WriteCloser, in io.ReadCloser, opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	return mux.New(&ioduplex{out, in}, opened, opts...), nil
}

// DialStdio starts a session using Stdout and Stdin.
func DialStdio(opened mux.ChannelOpenedFunc, opts ...mux.Option) (*mux.Session, error) {
	return DialIO(os.Stdout, os.Stdin, opened, opts...)
}

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	if err := d.WriteCloser.Close(); err != nil {
		return err
	}
	if err := d.ReadCloser.Close(); err != nil {
		return err
	}
	return nil
}
