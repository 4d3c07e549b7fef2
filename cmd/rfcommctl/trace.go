package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/progrium/rfcomm-go/cmd/rfcommctl/cli"
	"github.com/progrium/rfcomm-go/trace"
)

var traceCmd = &cli.Command{
	Usage: "trace <file>",
	Short: "print a recorded frame trace",
	Args:  cli.ExactArgs(1),
	Run: func(ctx context.Context, args []string) {
		f, err := os.Open(args[0])
		fatal(err)
		defer f.Close()
		fatal(printTrace(os.Stdout, trace.NewReader(f)))
	},
}

func printTrace(w io.Writer, r *trace.Reader) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		dir := "<-"
		if rec.Outbound {
			dir = "->"
		}
		desc := ""
		if f, err := rec.Frame(); err != nil {
			desc = fmt.Sprintf("undecodable (%v) %s", err, hex.EncodeToString(rec.Raw))
		} else {
			desc = f.String()
		}
		fmt.Fprintf(w, "%s %s %s %s\n", rec.Timestamp().Format(time.RFC3339Nano), rec.Session, dir, desc)
	}
}
