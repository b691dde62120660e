// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	invertedBoot  bool
	logLevel      string
	logJSON       bool
	historyPath   string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "helioflash",
	Short: "STM32 serial bootloader flasher for Thermoquad controllers",
	Long: `Helioflash programs STM32 based Thermoquad controllers through the
factory boot ROM.

The target is forced into its boot ROM with the DTR (reset) and RTS (boot
mode) lines, the whole flash is erased, the image is written in 256 byte
blocks and the target is started again.

Connect either to a local serial port (--port) or to a serial bridge over
WebSocket (--url). WebSocket passwords are read from HELIOFLASH_PASSWORD or
prompted for.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logJSON)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device (e.g., /dev/ttyUSB0)")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Application baud rate")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket bridge URL (e.g., ws://slate.local/serial)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "WebSocket username (password from HELIOFLASH_PASSWORD or prompt)")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip SSL certificate verification")
	rootCmd.PersistentFlags().BoolVar(&invertedBoot, "inverted-boot", true, "Boot mode line is inverted on this board revision")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", defaultHistoryPath(), "Session history database (empty to disable)")
}
