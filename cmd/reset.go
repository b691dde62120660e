// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the target into its application",
	Long: `Pulse the reset line with the boot mode line released, restarting the
target into its application firmware. The boot ROM is not entered.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	h, target, err := OpenConnection()
	if err != nil {
		return err
	}
	defer h.Disconnect()

	ctx, stop := interruptible(cmd)
	defer stop()

	f := stm32boot.NewFlasher(h, flasherOptions(nil)...)
	if err := f.Reset(ctx); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	fmt.Printf("Reset %s\n", target.info)
	return nil
}
