package mux

import (
	"io"
)

// Proxy copies data in both directions between a and b, typically a Channel and a
// connection it is forwarded to. When either direction ends, both are closed.
// Proxy returns the first non-EOF copy error.
func Proxy(a, b io.ReadWriteCloser) error {
	errs := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errs <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errs <- err
	}()
	err := <-errs
	a.Close()
	b.Close()
	<-errs
	if err != nil && isEOF(err) {
		return nil
	}
	return err
}
