package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/progrium/rfcomm-go/cmd/rfcommctl/cli"
	"github.com/progrium/rfcomm-go/mux"
	"github.com/progrium/rfcomm-go/mux/frame"
	"github.com/progrium/rfcomm-go/observability"
	"github.com/progrium/rfcomm-go/trace"
	"github.com/progrium/rfcomm-go/transport"
)

var serveConfigPath string

var serveCmd = &cli.Command{
	Usage: "serve [url] [key=value...]",
	Short: "accept sessions and forward or echo their channels",
	Long: `serve listens on a tcp://, unix://, ws://, quic:// or stdio: URL and runs a
session on every connection. Channels opened by peers are forwarded to the
configured forward address, or echoed back when none is set.`,
	Run: func(ctx context.Context, args []string) {
		listenURL := ""
		if len(args) > 0 && !strings.Contains(args[0], "=") {
			listenURL, args = args[0], args[1:]
		}
		cfg, err := loadConfig(serveConfigPath, args)
		fatal(err)
		if listenURL == "" {
			listenURL = cfg.Listen
		}
		if listenURL == "" {
			fatal(errors.New("serve: no listen URL given"))
		}

		logger := observability.InitLogger("rfcommctl", cfg.Log)
		opts := []mux.Option{mux.WithConfig(cfg.Mux), mux.WithLogger(logger)}

		if cfg.TracePath != "" {
			f, err := os.Create(cfg.TracePath)
			fatal(err)
			defer f.Close()
			// records are tagged with the id of each accepted session
			opts = append(opts, mux.WithTracer(trace.NewRecorder(f)))
		}
		if cfg.MetricsAddr != "" {
			observability.RegisterMetrics()
			go serveMetrics(cfg.MetricsAddr, logger)
		}

		opened, err := forwarder(cfg.Forward, logger)
		fatal(err)
		l, err := transport.Listen(listenURL, opened, opts...)
		fatal(err)
		logger.Info().Str("url", listenURL).Msg("listening")

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			l.Close()
		}()

		for {
			sess, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				fatal(err)
			}
			go func() {
				if err := sess.Wait(); err != nil {
					logger.Warn().Err(err).Str("session", sess.ID().String()).Msg("session failed")
				}
			}()
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "TOML or YAML config file")
}

func serveMetrics(addr string, logger zerolog.Logger) {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, m); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// forwarder returns the handler for channels opened by peers. Channels are
// proxied to target, a tcp:// or unix:// URL, or echoed when target is empty.
func forwarder(target string, logger zerolog.Logger) (mux.ChannelOpenedFunc, error) {
	if target == "" {
		return func(ctx context.Context, sc frame.ServerChannel, ch *mux.Channel) error {
			go func() {
				io.Copy(ch, ch)
				ch.Close()
			}()
			return nil
		}, nil
	}
	network, addr, err := transport.SplitURL(target)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, sc frame.ServerChannel, ch *mux.Channel) error {
		log := logger.With().Uint8("server_channel", uint8(sc)).Str("forward", target).Logger()
		go func() {
			conn, err := net.Dial(network, addr)
			if err != nil {
				log.Error().Err(err).Msg("forward dial failed")
				ch.Close()
				return
			}
			log.Debug().Msg("forwarding channel")
			if err := mux.Proxy(ch, conn); err != nil {
				log.Warn().Err(err).Msg("forward ended")
			}
		}()
		return nil
	}, nil
}
