// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// serialPollInterval bounds how long a serial Read blocks, so the reader
// goroutine notices a stop request even when the line is silent.
const serialPollInterval = 50 * time.Millisecond

// SerialConnection wraps a serial port
type SerialConnection struct {
	serial.Port
	name string
}

func (s *SerialConnection) String() string {
	return s.name
}

// SerialDialer returns a Dialer for the named serial device.
func SerialDialer(portName string) Dialer {
	return func(m Mode) (Port, error) {
		mode := &serial.Mode{
			BaudRate: m.BaudRate,
			DataBits: 8,
			Parity:   serialParity(m.Parity),
			StopBits: serial.OneStopBit,
		}

		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
		}

		if err := port.SetReadTimeout(serialPollInterval); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
		}

		// Stale input from before the open is never part of a response
		if err := port.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to reset input buffer on %s: %w", portName, err)
		}

		return &SerialConnection{Port: port, name: portName}, nil
	}
}

func serialParity(p Parity) serial.Parity {
	switch p {
	case EvenParity:
		return serial.EvenParity
	case OddParity:
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

// PortInfo describes a serial device found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates the serial devices present on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
