// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

var (
	readAddress string
	readLength  int
	readOutput  string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read target memory through the boot ROM",
	Long: `Enter the STM32 boot ROM and read a region of memory with READ MEMORY.
The region is printed as a hex dump or written to --output.

Reads fail on targets with read protection enabled; the boot ROM NACKs the
command in that case.

Examples:
  # Vector table of the application
  helioflash read --port /dev/ttyUSB0 --address 0x08000000 --length 64

  # Back up the first 64 KiB of flash
  helioflash read --port /dev/ttyUSB0 --length 65536 --output backup.bin`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringVarP(&readAddress, "address", "a", "0x08000000", "Start address")
	readCmd.Flags().IntVarP(&readLength, "length", "n", stm32boot.MaxReadSize, "Number of bytes to read")
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "Write the bytes to this file instead of printing them")
	addSessionFlags(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress(readAddress)
	if err != nil {
		return err
	}
	if readLength <= 0 {
		return fmt.Errorf("--length must be positive")
	}

	target, err := resolveTarget()
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd)
	defer stop()

	fmt.Fprintf(os.Stderr, "Connection: %s\n", target.info)

	var data []byte
	view := newTextView(os.Stderr)
	work := func(ctx context.Context, f *stm32boot.Flasher) (*stm32boot.Report, error) {
		return f.Inspect(ctx, func(ctx context.Context, b *stm32boot.Bootloader) error {
			var err error
			data, err = b.ReadRegion(ctx, addr, readLength, view.Progress)
			return err
		})
	}

	rec := sessionRecord{operation: "read", image: readOutput, address: addr, bytes: readLength}
	if _, err := runSession(ctx, target, rec, view, work); err != nil {
		return err
	}

	if readOutput != "" {
		if err := os.WriteFile(readOutput, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", readOutput, err)
		}
		fmt.Printf("Wrote %d bytes from 0x%08X to %s\n", len(data), addr, readOutput)
		return nil
	}

	fmt.Print(formatHexDump(addr, data))
	return nil
}

// formatHexDump renders data as 16 byte rows prefixed with their address.
func formatHexDump(addr uint32, data []byte) string {
	var s strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]

		fmt.Fprintf(&s, "%08X  ", addr+uint32(off))
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(&s, "%02X ", row[i])
			} else {
				s.WriteString("   ")
			}
			if i == 7 {
				s.WriteString(" ")
			}
		}

		s.WriteString(" |")
		for _, b := range row {
			if b >= 0x20 && b < 0x7F {
				s.WriteByte(b)
			} else {
				s.WriteByte('.')
			}
		}
		s.WriteString("|\n")
	}
	return s.String()
}
