// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport owns one open connection to a target's serial line.
//
// A Handle buffers inbound bytes behind a read cursor, serves
// deadline-bounded reads from that buffer, and drives the two control
// lines (RESET on DTR, BOOT-MODE on RTS). The physical channel is a Port,
// obtained from a Dialer: a local serial device or a WebSocket bridge.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Parity selects the serial frame parity.
type Parity int

// Parity values
const (
	NoParity Parity = iota
	EvenParity
	OddParity
)

func (p Parity) String() string {
	switch p {
	case EvenParity:
		return "even"
	case OddParity:
		return "odd"
	default:
		return "none"
	}
}

// Mode holds the line parameters a port is opened with.
// Data bits are always 8 and stop bits always 1.
type Mode struct {
	BaudRate int
	Parity   Parity
}

func (m Mode) String() string {
	return fmt.Sprintf("%d baud, 8%c1", m.BaudRate, "NEO"[m.Parity])
}

// Signals is the logical state of the two control lines.
// true means asserted: Reset holds the target in reset,
// BootMode selects the boot ROM on the next reset release.
type Signals struct {
	Reset    bool
	BootMode bool
}

// Port is the raw byte channel plus the two modem control lines.
// Read may return (0, nil) when a poll interval elapses without data.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Dialer opens a Port with the given line parameters.
type Dialer func(mode Mode) (Port, error)

// ErrNotConnected is returned by operations on a handle whose port is closed.
var ErrNotConnected = errors.New("transport: port is not connected")

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("transport: read timed out")

// TimeoutError reports a bounded read that expired before enough bytes arrived.
type TimeoutError struct {
	Want    int
	Have    int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("read of %d bytes timed out after %v (%d buffered)", e.Want, e.Timeout, e.Have)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PortError wraps a failure of the environment: open, write, close or line control.
type PortError struct {
	Op  string
	Err error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}
