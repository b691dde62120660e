// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFamily is returned by Identify when the target does not
	// advertise GET ID, which every STM32 boot ROM does.
	ErrUnsupportedFamily = errors.New("target is not an STM32 (GET ID not advertised)")

	// ErrSessionActive is returned when a Flasher is asked to start a session
	// while another one is still running.
	ErrSessionActive = errors.New("flash session already running")

	// ErrEmptyImage is returned when asked to flash zero bytes.
	ErrEmptyImage = errors.New("firmware image is empty")
)

// PreconditionError reports a command issued out of order or with bad
// arguments. Nothing has been sent to the target when it is returned.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ProtocolError reports an unexpected byte where ACK was required.
type ProtocolError struct {
	Op  string
	Got byte
}

func (e *ProtocolError) Error() string {
	if e.Got == NACK {
		return fmt.Sprintf("%s: target answered NACK", e.Op)
	}
	return fmt.Sprintf("%s: unexpected response 0x%02X (want ACK 0x%02X)", e.Op, e.Got, ACK)
}

// IsNACK reports whether err is a ProtocolError carrying NACK.
func IsNACK(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Got == NACK
}
