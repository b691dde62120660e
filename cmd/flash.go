// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/helioflash/pkg/firmware"
	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

var (
	flashFile    string
	flashAddress string
	flashPlain   bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Erase the target and program a firmware image",
	Long: `Program a firmware image through the STM32 boot ROM.

The whole flash is erased before writing. Raw binaries (.bin) are written
at --address; Intel HEX files (.hex, .ihex, .ihx) carry their own address.
The image may also be an http:// or https:// URL.

After writing, the target is started at the image address and then reset
twice so that the new firmware runs from a clean boot.

Examples:
  helioflash flash --port /dev/ttyUSB0 --file helios.bin
  helioflash flash --port /dev/ttyUSB0 --file build/zephyr.hex
  helioflash flash --url ws://slate.local/serial --username admin \
      --file https://example.com/releases/helios.bin`,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashFile, "file", "f", "", "Firmware image path or URL (required)")
	flashCmd.Flags().StringVarP(&flashAddress, "address", "a", "0x08000000", "Base address for raw binary images")
	flashCmd.Flags().BoolVar(&flashPlain, "plain", false, "Print progress as text instead of the interactive view")
	flashCmd.MarkFlagRequired("file")
	addSessionFlags(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	base, err := parseAddress(flashAddress)
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd)
	defer stop()

	img, err := firmware.Load(ctx, flashFile, base)
	if err != nil {
		return err
	}

	target, err := resolveTarget()
	if err != nil {
		return err
	}

	rec := sessionRecord{
		operation: "flash",
		image:     flashFile,
		address:   img.Address,
		bytes:     len(img.Data),
	}
	if img.HasEntry {
		logger.Info("image carries a start address",
			zap.String("entry", fmt.Sprintf("0x%08X", img.Entry)),
			zap.String("go", fmt.Sprintf("0x%08X", img.Address)),
		)
	}
	imageInfo := describeImage(flashFile, img)
	work := func(ctx context.Context, f *stm32boot.Flasher) (*stm32boot.Report, error) {
		return f.Run(ctx, img)
	}

	report, err := runInteractive(ctx, "HELIOFLASH - FLASH", target, imageInfo, rec, flashPlain, work)
	if err != nil {
		return err
	}

	printDevice(os.Stdout, report.Device)
	fmt.Printf("Wrote %d bytes in %d blocks at 0x%08X (%s)\n",
		report.Bytes, report.Blocks, report.Address, report.Duration.Round(time.Millisecond))
	return nil
}

// describeImage is the one-line image summary shown before a flash.
func describeImage(name string, img *stm32boot.Image) string {
	info := fmt.Sprintf("%s (%d bytes at 0x%08X)", name, len(img.Data), img.Address)
	if img.HasEntry {
		info += fmt.Sprintf(", entry 0x%08X", img.Entry)
	}
	return info
}

// runInteractive runs a session with the progress view when stdout is a
// terminal and with plain text otherwise.
func runInteractive(ctx context.Context, title string, target *connectionTarget, imageInfo string, rec sessionRecord, plain bool, work sessionWork) (*stm32boot.Report, error) {
	if plain || !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("Helioflash - %s\n", rec.operation)
		fmt.Printf("Connection: %s\n", target.info)
		if imageInfo != "" {
			fmt.Printf("Image: %s\n", imageInfo)
		}
		fmt.Println()
		return runSession(ctx, target, rec, newTextView(os.Stdout), work)
	}

	return runWithTUI(ctx, title, target.info, imageInfo, func(ctx context.Context, view sessionView) (*stm32boot.Report, error) {
		return runSession(ctx, target, rec, view, work)
	})
}

// parseAddress accepts decimal, 0x hex and 0o octal addresses.
func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}
