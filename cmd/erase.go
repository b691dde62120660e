// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

var erasePlain bool

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Mass erase the target flash",
	Long: `Enter the STM32 boot ROM and erase the whole flash without writing an
image. The target is reset twice afterwards and will stay in the boot ROM
until new firmware is flashed.`,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().BoolVar(&erasePlain, "plain", false, "Print progress as text instead of the interactive view")
	addSessionFlags(eraseCmd)
}

func runErase(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget()
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd)
	defer stop()

	work := func(ctx context.Context, f *stm32boot.Flasher) (*stm32boot.Report, error) {
		return f.Run(ctx, nil)
	}
	report, err := runInteractive(ctx, "HELIOFLASH - ERASE", target, "", sessionRecord{operation: "erase"}, erasePlain, work)
	if err != nil {
		return err
	}

	printDevice(os.Stdout, report.Device)
	fmt.Printf("Flash erased (%s)\n", report.Duration.Round(time.Millisecond))
	return nil
}
