package mux

import (
	"time"

	"github.com/progrium/rfcomm-go/mux/frame"
)

// Config holds the local preferences of a session.
type Config struct {
	// MaxFrameSize is the largest information field proposed during parameter
	// negotiation. Peer proposals above it are reduced to it.
	MaxFrameSize uint16 `mapstructure:"max_frame_size" toml:"max_frame_size" yaml:"max_frame_size"`
	// CreditBasedFlow advertises support for credit-based flow control. Only the
	// capability is negotiated: credits are never granted, so a peer that
	// enforces them stops sending once its initial credits are spent.
	CreditBasedFlow bool  `mapstructure:"credit_based_flow" toml:"credit_based_flow" yaml:"credit_based_flow"`
	InitialCredits  uint8 `mapstructure:"initial_credits" toml:"initial_credits" yaml:"initial_credits"`
	Priority        uint8 `mapstructure:"priority" toml:"priority" yaml:"priority"`

	// ResponseTimeout bounds the wait for a response to an outstanding command.
	// Zero disables response timeouts.
	ResponseTimeout time.Duration `mapstructure:"response_timeout" toml:"response_timeout" yaml:"response_timeout"`
	// CloseTimeout bounds how long frames already handed to the writer may take to
	// flush before the transport is closed.
	CloseTimeout time.Duration `mapstructure:"close_timeout" toml:"close_timeout" yaml:"close_timeout"`

	ReadBufferSize int `mapstructure:"read_buffer_size" toml:"read_buffer_size" yaml:"read_buffer_size"`
	// PacketFraming treats every transport read as exactly one frame, for
	// transports that preserve message boundaries.
	PacketFraming bool `mapstructure:"packet_framing" toml:"packet_framing" yaml:"packet_framing"`
}

// DefaultConfig returns the defaults used by New.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:    frame.DefaultMaxFrameSize,
		CreditBasedFlow: true,
		InitialCredits:  frame.DefaultInitialCredits,
		ResponseTimeout: 20 * time.Second,
		CloseTimeout:    time.Second,
		ReadBufferSize:  4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}
