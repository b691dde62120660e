// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stm32boot drives the STM32 system-memory bootloader over a UART.
//
// It covers the frame encodings and checksums of the boot ROM command set,
// the DTR/RTS choreography that forces a target into (and out of) the boot
// ROM, the individual bootloader commands and a Flasher that strings them
// into one programming session.
//
// See ST application note AN3155 for the wire protocol.
package stm32boot

// Handshake bytes
const (
	Sync = 0x7F
	ACK  = 0x79
	NACK = 0x1F
)

// Command codes
const (
	CmdGet         = 0x00
	CmdGetVersion  = 0x01
	CmdGetID       = 0x02
	CmdReadMemory  = 0x11
	CmdGo          = 0x21
	CmdWriteMemory = 0x31
	CmdErase       = 0x43
	CmdExtErase    = 0x44
)

// eraseAllSelector follows the ERASE command to request a mass erase.
var eraseAllSelector = []byte{0xFF, 0x00}

// Transfer limits
const (
	BlockSize   = 256 // maximum WRITE MEMORY payload
	MaxReadSize = 256 // maximum READ MEMORY payload
)

// FlashBase is the start of main flash on every STM32 family.
const FlashBase = 0x08000000

// CommandName returns a human-readable name for a command code.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdGet:
		return "GET"
	case CmdGetVersion:
		return "GET VERSION"
	case CmdGetID:
		return "GET ID"
	case CmdReadMemory:
		return "READ MEMORY"
	case CmdGo:
		return "GO"
	case CmdWriteMemory:
		return "WRITE MEMORY"
	case CmdErase:
		return "ERASE"
	case CmdExtErase:
		return "EXTENDED ERASE"
	case 0x63:
		return "WRITE PROTECT"
	case 0x73:
		return "WRITE UNPROTECT"
	case 0x82:
		return "READOUT PROTECT"
	case 0x92:
		return "READOUT UNPROTECT"
	default:
		return "UNKNOWN"
	}
}
