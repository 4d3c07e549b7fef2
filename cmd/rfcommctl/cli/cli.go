// Package cli is a small subcommand runner for rfcommctl.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// PositionalArgs validates the arguments left after flag parsing.
type PositionalArgs func(cmd *Command, args []string) error

func MinArgs(n int) PositionalArgs {
	return func(cmd *Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("%s: requires at least %d arg(s), only received %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func ExactArgs(n int) PositionalArgs {
	return func(cmd *Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%s: accepts %d arg(s), received %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// Command is a node in the command tree. The first word of Usage is its name.
type Command struct {
	Usage string
	Short string
	Long  string
	Args  PositionalArgs
	Run   func(ctx context.Context, args []string)

	// Output receives usage text. It defaults to os.Stderr.
	Output io.Writer

	commands []*Command
	parent   *Command
	flags    *flag.FlagSet
}

func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// Flags returns the flag set of the command, creating it on first use.
func (c *Command) Flags() *flag.FlagSet {
	if c.flags == nil {
		c.flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
		c.flags.SetOutput(io.Discard)
	}
	return c.flags
}

func (c *Command) AddCommand(sub *Command) {
	sub.parent = c
	c.commands = append(c.commands, sub)
}

func (c *Command) output() io.Writer {
	for cmd := c; cmd != nil; cmd = cmd.parent {
		if cmd.Output != nil {
			return cmd.Output
		}
	}
	return os.Stderr
}

func (c *Command) path() string {
	if c.parent == nil {
		return c.Name()
	}
	return c.parent.path() + " " + c.Name()
}

func (c *Command) find(name string) *Command {
	for _, sub := range c.commands {
		if sub.Name() == name {
			return sub
		}
	}
	return nil
}

// PrintUsage writes the help text of the command.
func (c *Command) PrintUsage() {
	w := c.output()
	if c.Long != "" {
		fmt.Fprintf(w, "%s\n\n", c.Long)
	} else if c.Short != "" {
		fmt.Fprintf(w, "%s\n\n", c.Short)
	}
	usage := c.Usage
	if c.parent != nil {
		usage = c.parent.path() + " " + usage
	}
	if len(c.commands) > 0 {
		fmt.Fprintf(w, "Usage:\n  %s <command>\n", usage)
		fmt.Fprintf(w, "\nAvailable Commands:\n")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sub := range c.commands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name(), sub.Short)
		}
		tw.Flush()
	} else {
		fmt.Fprintf(w, "Usage:\n  %s\n", usage)
	}
	if c.flags != nil {
		hasFlags := false
		c.flags.VisitAll(func(*flag.Flag) { hasFlags = true })
		if hasFlags {
			fmt.Fprintf(w, "\nFlags:\n")
			c.flags.SetOutput(w)
			c.flags.PrintDefaults()
			c.flags.SetOutput(io.Discard)
		}
	}
}

// Execute finds the subcommand named by args, parses its flags, validates the
// remaining arguments and runs it.
func Execute(ctx context.Context, root *Command, args []string) error {
	cmd := root
	for len(args) > 0 {
		sub := cmd.find(args[0])
		if sub == nil {
			break
		}
		cmd, args = sub, args[1:]
	}

	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cmd.PrintUsage()
			return nil
		}
		cmd.PrintUsage()
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	args = cmd.Flags().Args()

	if cmd.Run == nil {
		cmd.PrintUsage()
		if len(args) > 0 {
			return fmt.Errorf("unknown command %q for %q", args[0], cmd.path())
		}
		return nil
	}
	if cmd.Args != nil {
		if err := cmd.Args(cmd, args); err != nil {
			cmd.PrintUsage()
			return err
		}
	}
	cmd.Run(ctx, args)
	return nil
}
