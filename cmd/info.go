// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

var infoTimeout int

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the target through its boot ROM",
	Long: `Enter the STM32 boot ROM, synchronize, and print the bootloader version,
the supported commands and the product ID. The flash is not modified; the
target is reset back into its application afterwards.

Exit codes:
  0 - Target identified
  1 - Target did not answer or is not a supported STM32
  2 - Connection error

Useful for checking the reset and boot mode wiring before flashing.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().IntVar(&infoTimeout, "timeout", 30, "Timeout in seconds for the whole session")
	addSessionFlags(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Helioflash - Target Info\n")
	fmt.Printf("Connection: %s\n", target.info)
	fmt.Printf("Timeout: %d seconds\n\n", infoTimeout)

	ctx, stop := interruptible(cmd)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(infoTimeout)*time.Second)
	defer cancel()

	work := func(ctx context.Context, f *stm32boot.Flasher) (*stm32boot.Report, error) {
		return f.Inspect(ctx, nil)
	}
	report, err := runSession(ctx, target, sessionRecord{operation: "info"}, newTextView(os.Stdout), work)
	os.Exit(infoExitCode(report, err))
	return nil
}

// infoExitCode maps a session outcome onto the documented exit codes and
// prints the result.
func infoExitCode(report *stm32boot.Report, err error) int {
	var connErr *connectionError
	switch {
	case err == nil:
		fmt.Printf("\nSUCCESS: Target identified\n")
		printDevice(os.Stdout, report.Device)
		return 0
	case errors.As(err, &connErr):
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		return 1
	}
}
