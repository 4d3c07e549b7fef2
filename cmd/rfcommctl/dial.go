package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/progrium/rfcomm-go/cmd/rfcommctl/cli"
	"github.com/progrium/rfcomm-go/mux"
	"github.com/progrium/rfcomm-go/mux/frame"
	"github.com/progrium/rfcomm-go/observability"
	"github.com/progrium/rfcomm-go/transport"
)

var dialConfigPath string

var dialCmd = &cli.Command{
	Usage: "dial <url> <server-channel> [key=value...]",
	Short: "open a channel and bridge it to stdio",
	Args:  cli.MinArgs(2),
	Run: func(ctx context.Context, args []string) {
		scheme, _, err := transport.SplitURL(args[0])
		fatal(err)
		if scheme == "stdio" {
			fatal(errors.New("dial: stdio is used for the channel, pick a network transport"))
		}
		sc, err := parseServerChannel(args[1])
		fatal(err)

		cfg, err := loadConfig(dialConfigPath, args[2:])
		fatal(err)
		logger := observability.InitLogger("rfcommctl", cfg.Log)

		chans := make(chan *mux.Channel, 1)
		opened := func(ctx context.Context, got frame.ServerChannel, ch *mux.Channel) error {
			if got != sc {
				return fmt.Errorf("dial: unexpected channel on server channel %d", got)
			}
			select {
			case chans <- ch:
				return nil
			default:
				return fmt.Errorf("dial: server channel %d already bridged", got)
			}
		}

		sess, err := transport.Dial(args[0], opened, mux.WithConfig(cfg.Mux), mux.WithLogger(logger))
		fatal(err)
		defer sess.Close()

		fatal(sess.OpenChannel(ctx, sc))

		var timeout <-chan time.Time
		if cfg.Mux.ResponseTimeout > 0 {
			// startup, negotiation and the channel request each get a response timeout
			timer := time.NewTimer(3 * cfg.Mux.ResponseTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		var ch *mux.Channel
		select {
		case ch = <-chans:
		case <-sess.Done():
			fatal(fmt.Errorf("dial: session ended before server channel %d opened", sc))
		case <-timeout:
			fatal(fmt.Errorf("dial: server channel %d did not open", sc))
		}
		logger.Debug().Uint8("server_channel", uint8(sc)).Msg("channel open")

		if err := mux.Proxy(ch, stdio{}); err != nil {
			logger.Warn().Err(err).Msg("bridge ended")
		}

		dctx, cancel := context.WithTimeout(ctx, cfg.Mux.CloseTimeout)
		defer cancel()
		if err := sess.Disconnect(dctx); err == nil {
			select {
			case <-sess.Done():
			case <-dctx.Done():
			}
		}
	},
}

func init() {
	dialCmd.Flags().StringVar(&dialConfigPath, "config", "", "TOML or YAML config file")
}

func parseServerChannel(s string) (frame.ServerChannel, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("dial: invalid server channel %q", s)
	}
	return frame.NewServerChannel(uint8(v))
}

// stdio joins the process standard streams into one ReadWriteCloser.
type stdio struct{}

var _ io.ReadWriteCloser = stdio{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }
