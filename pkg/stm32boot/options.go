// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// Timing holds every delay and read deadline used during a session.
type Timing struct {
	Sync        time.Duration // ACK after the sync byte
	Get         time.Duration // each part of the GET response
	GetID       time.Duration // each part of the GET ID response
	CommandAck  time.Duration // ACK after a command or address frame
	DataAck     time.Duration // ACK after a data frame
	EraseSettle time.Duration // pause after the erase selector
	EraseAck    time.Duration // ACK once the mass erase has finished
	ReadData    time.Duration // READ MEMORY payload
	Drain       time.Duration // per byte while clearing stale input
	LineSettle  time.Duration // between control-line steps
	StepSettle  time.Duration // between session phases and the two exit resets
}

// DefaultTiming returns the delays the reference adapter is known to work with.
func DefaultTiming() Timing {
	return Timing{
		Sync:        500 * time.Millisecond,
		Get:         10 * time.Second,
		GetID:       200 * time.Millisecond,
		CommandAck:  200 * time.Millisecond,
		DataAck:     300 * time.Millisecond,
		EraseSettle: 30 * time.Millisecond,
		EraseAck:    5 * time.Second,
		ReadData:    500 * time.Millisecond,
		Drain:       100 * time.Millisecond,
		LineSettle:  50 * time.Millisecond,
		StepSettle:  200 * time.Millisecond,
	}
}

// Progress describes how far a write has got.
type Progress struct {
	Block      int     // blocks acknowledged so far
	Blocks     int     // blocks in the image
	Bytes      int     // bytes acknowledged so far
	TotalBytes int     // bytes in the image
	Fraction   float64 // Block/Blocks, exactly 1 after the last block
}

// ProgressFunc receives a Progress after every acknowledged block.
type ProgressFunc func(Progress)

// StateFunc observes session state changes. block is the zero-based index
// of the block being written while in StateWriting and -1 otherwise.
type StateFunc func(state State, block int)

// Config carries settings shared by Bootloader and Flasher.
type Config struct {
	BlockSize    int
	Timing       Timing
	LineMode     transport.Mode
	ProductID    bool
	MaxDrain     int
	Progress     ProgressFunc
	StateChanged StateFunc
	Logger       *zap.Logger
}

func defaultConfig() Config {
	return Config{
		BlockSize: BlockSize,
		Timing:    DefaultTiming(),
		LineMode:  transport.Mode{BaudRate: 115200, Parity: transport.EvenParity},
		ProductID: true,
		MaxDrain:  4096,
		Logger:    zap.NewNop(),
	}
}

// Option configures a Bootloader or Flasher.
type Option func(*Config)

// WithBlockSize sets the WRITE MEMORY payload size (1-256).
func WithBlockSize(size int) Option {
	return func(c *Config) {
		c.BlockSize = size
	}
}

// WithTiming replaces the delays and deadlines.
func WithTiming(t Timing) Option {
	return func(c *Config) {
		c.Timing = t
	}
}

// WithLineMode sets the line parameters the port is reopened with once the
// target sits in its boot ROM.
func WithLineMode(m transport.Mode) Option {
	return func(c *Config) {
		c.LineMode = m
	}
}

// WithProductID controls whether the session queries GET ID after GET.
func WithProductID(enabled bool) Option {
	return func(c *Config) {
		c.ProductID = enabled
	}
}

// WithMaxDrain bounds how many stale bytes are discarded before the
// handshake. A target still talking after that many is treated as a failure.
func WithMaxDrain(n int) Option {
	return func(c *Config) {
		c.MaxDrain = n
	}
}

// WithProgress registers the write progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithStateObserver registers a callback for session state changes.
func WithStateObserver(fn StateFunc) Option {
	return func(c *Config) {
		c.StateChanged = fn
	}
}

// WithLogger sets the logger. Protocol traffic is logged at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}
