// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/history"
	"github.com/Thermoquad/helioflash/pkg/stm32boot"
	"github.com/Thermoquad/helioflash/pkg/transport"
)

// sessionView shows a running session to the operator.
type sessionView interface {
	State(s stm32boot.State, block int)
	Progress(p stm32boot.Progress)
}

// sessionWork is the part of a command that runs against the flasher.
type sessionWork func(ctx context.Context, f *stm32boot.Flasher) (*stm32boot.Report, error)

// sessionRecord is filled by commands for the history ledger.
type sessionRecord struct {
	operation string
	image     string
	address   uint32
	bytes     int
}

var noProductID bool

func addSessionFlags(c *cobra.Command) {
	c.Flags().BoolVar(&noProductID, "no-product-id", false, "Skip the GET ID command after GET")
}

// flasherOptions builds the stm32boot options shared by every command.
func flasherOptions(view sessionView) []stm32boot.Option {
	opts := []stm32boot.Option{
		stm32boot.WithLogger(logger.Named("stm32boot")),
		stm32boot.WithProductID(!noProductID),
	}
	if view != nil {
		opts = append(opts,
			stm32boot.WithStateObserver(view.State),
			stm32boot.WithProgress(view.Progress),
		)
	}
	return opts
}

// runSession connects to target, runs work on a new flasher and records
// the outcome. Cancelling ctx aborts the session; the flasher then tears
// the transport down.
func runSession(ctx context.Context, target *connectionTarget, rec sessionRecord, view sessionView, work sessionWork) (*stm32boot.Report, error) {
	h, err := openHandle(target)
	if err != nil {
		return nil, &connectionError{err: err}
	}
	defer h.Disconnect()

	f := stm32boot.NewFlasher(h, flasherOptions(view)...)

	started := time.Now()
	report, err := work(ctx, f)
	recordSession(target, rec, started, report, err)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", rec.operation, err)
	}
	return report, nil
}

// interruptible returns a context cancelled by Ctrl+C.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func recordSession(target *connectionTarget, rec sessionRecord, started time.Time, report *stm32boot.Report, runErr error) {
	if historyPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
		logger.Warn("history directory unavailable", zap.Error(err))
		return
	}
	store, err := history.Open(historyPath)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	sess := newHistorySession(target.name, rec, started, report, runErr)
	if _, err := store.Record(context.Background(), sess); err != nil {
		logger.Warn("failed to record session", zap.Error(err))
	}
}

func newHistorySession(port string, rec sessionRecord, started time.Time, report *stm32boot.Report, runErr error) *history.Session {
	sess := &history.Session{
		StartedAt: started,
		Duration:  time.Since(started),
		Operation: rec.operation,
		Port:      port,
		Image:     rec.image,
		Address:   rec.address,
		Bytes:     rec.bytes,
		Outcome:   history.OutcomeSuccess,
	}
	if report != nil && report.Device != nil {
		sess.Bootloader = report.Device.VersionString()
		if report.Device.HasProductID {
			sess.ProductID = report.Device.ProductIDString()
		}
	}
	if runErr != nil {
		sess.Outcome = history.OutcomeFailed
		sess.Error = runErr.Error()
	}
	return sess
}

// textView prints one line per state change and a percentage per block.
type textView struct {
	out   io.Writer
	last  stm32boot.State
	start time.Time
}

func newTextView(out io.Writer) *textView {
	return &textView{out: out, last: stm32boot.StateIdle, start: time.Now()}
}

func (v *textView) State(s stm32boot.State, block int) {
	if s == v.last {
		return
	}
	v.last = s
	fmt.Fprintf(v.out, "[%6.2fs] %s\n", time.Since(v.start).Seconds(), s)
}

func (v *textView) Progress(p stm32boot.Progress) {
	fmt.Fprintf(v.out, "  block %d/%d  %d/%d bytes  %3.0f%%\n",
		p.Block, p.Blocks, p.Bytes, p.TotalBytes, p.Fraction*100)
}

// printDevice prints the identity of the target found in the boot ROM.
func printDevice(out io.Writer, d *stm32boot.DeviceDescriptor) {
	if d == nil {
		return
	}
	fmt.Fprintf(out, "Bootloader: v%s\n", d.VersionString())
	fmt.Fprintf(out, "Commands:   %s\n", d.CommandList())
	if d.HasProductID {
		fmt.Fprintf(out, "Product ID: %s (%s)\n", d.ProductIDString(), d.ProductName())
	}
}

// lineMode is the application line configuration used outside the boot ROM.
func lineMode() transport.Mode {
	return transport.Mode{BaudRate: baudRate, Parity: transport.NoParity}
}
