// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// bell is sent by the application firmware when it rejects a command.
const bell = 0x07

var (
	monitorReset bool
	monitorInput bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display the target's serial output",
	Long: `Print everything the application firmware sends at the application baud
rate. A BEL byte (0x07) from the device marks a rejected command and is
shown as a device error.

With --input, lines typed on stdin are sent to the device followed by CR LF.
With --reset, the target is reset first so its boot output is captured.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorReset, "reset", false, "Reset the target before monitoring")
	monitorCmd.Flags().BoolVar(&monitorInput, "input", false, "Forward stdin lines to the device")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	h, target, err := OpenConnection()
	if err != nil {
		return err
	}
	defer h.Disconnect()

	ctx, stop := interruptible(cmd)
	defer stop()

	fmt.Printf("Helioflash - Serial Monitor\n")
	fmt.Printf("Connection: %s\n", target.info)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	printer := newMonitorPrinter(os.Stdout)
	h.OnData(printer.Write)

	closed := make(chan struct{})
	var once sync.Once
	h.OnDisconnect(func() {
		once.Do(func() { close(closed) })
	})

	if monitorReset {
		f := stm32boot.NewFlasher(h, flasherOptions(nil)...)
		if err := f.Reset(ctx); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}

	if monitorInput {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := append([]byte(scanner.Text()), '\r', '\n')
				if err := h.Write(line); err != nil {
					logger.Warn("write failed", zap.Error(err))
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		if err := h.LastError(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		fmt.Printf("\nConnection closed\n")
		return nil
	}
}

// monitorPrinter writes device output line by line with a timestamp
// and reports BEL bytes as device errors.
type monitorPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	line   []byte
	now    func() time.Time
	errors int
}

func newMonitorPrinter(out io.Writer) *monitorPrinter {
	return &monitorPrinter{out: out, now: time.Now}
}

// Write consumes a chunk of device output.
func (p *monitorPrinter) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range data {
		switch b {
		case bell:
			p.flush()
			p.errors++
			fmt.Fprintf(p.out, "[%s] [DEVICE ERROR] command rejected\n", p.stamp())
		case '\n':
			p.flush()
		case '\r':
		default:
			p.line = append(p.line, b)
		}
	}
}

func (p *monitorPrinter) flush() {
	if len(p.line) == 0 {
		return
	}
	fmt.Fprintf(p.out, "[%s] %s\n", p.stamp(), bytes.ToValidUTF8(p.line, []byte("?")))
	p.line = p.line[:0]
}

func (p *monitorPrinter) stamp() string {
	return p.now().Format("15:04:05.000")
}
