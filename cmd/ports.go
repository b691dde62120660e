// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

var portsUSBOnly bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports on this host",
	Long: `List the serial devices present on this host, with USB vendor and product
IDs where available, to find the adapter wired to the target.

Exit codes:
  0 - At least one port found
  1 - No ports found
  2 - Enumeration error`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsUSBOnly, "usb", false, "Only list USB serial adapters")
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
		os.Exit(2)
	}

	if printPorts(os.Stdout, ports, portsUSBOnly) == 0 {
		fmt.Printf("No serial ports found. Check the adapter and its driver.\n")
		os.Exit(1)
	}
	return nil
}

// printPorts writes one block per port and returns how many were shown.
func printPorts(out io.Writer, ports []transport.PortInfo, usbOnly bool) int {
	shown := 0
	for _, p := range ports {
		if usbOnly && !p.IsUSB {
			continue
		}
		shown++
		fmt.Fprintf(out, "%s\n", p.Name)
		if p.IsUSB {
			fmt.Fprintf(out, "  USB ID: %s:%s\n", p.VID, p.PID)
			if p.Product != "" {
				fmt.Fprintf(out, "  Product: %s\n", p.Product)
			}
			if p.SerialNumber != "" {
				fmt.Fprintf(out, "  Serial: %s\n", p.SerialNumber)
			}
		}
	}
	fmt.Fprintf(out, "\n--- %d port(s) ---\n", shown)
	return shown
}
