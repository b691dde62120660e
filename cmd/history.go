// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/helioflash/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent flashing sessions",
	Long: `List the sessions recorded in the history database (--history), newest
first, with their outcome and the error that ended failed sessions.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of sessions to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyPath == "" {
		return fmt.Errorf("history is disabled (--history is empty)")
	}
	if _, err := os.Stat(historyPath); os.IsNotExist(err) {
		fmt.Printf("No sessions recorded yet (%s)\n", historyPath)
		return nil
	}

	store, err := history.Open(historyPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	total, failed, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	printHistory(os.Stdout, sessions)
	fmt.Printf("\n--- %d session(s), %d failed ---\n", total, failed)
	return nil
}

func printHistory(out io.Writer, sessions []history.Session) {
	for _, s := range sessions {
		fmt.Fprintf(out, "#%d %s %-5s %-7s %s (%s)\n",
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Operation,
			s.Outcome,
			s.Port,
			s.Duration.Round(time.Millisecond),
		)
		if s.Image != "" {
			fmt.Fprintf(out, "    image: %s (%d bytes at 0x%08X)\n", s.Image, s.Bytes, s.Address)
		}
		if s.Bootloader != "" {
			fmt.Fprintf(out, "    bootloader: v%s", s.Bootloader)
			if s.ProductID != "" {
				fmt.Fprintf(out, " product: %s", s.ProductID)
			}
			fmt.Fprintln(out)
		}
		if s.Error != "" {
			fmt.Fprintf(out, "    error: %s\n", s.Error)
		}
	}
}
