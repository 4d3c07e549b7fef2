package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/progrium/rfcomm-go/cmd/rfcommctl/cli"
	"github.com/progrium/rfcomm-go/config"
)

func main() {
	root := &cli.Command{
		Usage: "rfcommctl",
		Long:  `rfcommctl serves and dials RFCOMM multiplexer sessions over network transports`,
	}

	root.AddCommand(serveCmd)
	root.AddCommand(dialCmd)
	root.AddCommand(traceCmd)

	if err := cli.Execute(context.Background(), root, os.Args[1:]); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}

// loadConfig reads path, when given, and applies key=value overrides on top.
func loadConfig(path string, overrides []string) (config.File, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.File{}, err
		}
	}
	if err := config.ApplyOverrides(&cfg, overrides); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}
