// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Helioflash - STM32 Serial Bootloader Flasher
//
// A CLI tool for programming Thermoquad controllers through the STM32
// factory boot ROM over a serial port or a WebSocket serial bridge.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/helioflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
