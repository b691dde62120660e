// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// Transport is everything a Flasher needs from the port it owns.
type Transport interface {
	Link
	SignalSetter
	Reopen(mode transport.Mode) error
	Disconnect() error
}

// Report summarizes a completed session.
type Report struct {
	Device    *DeviceDescriptor
	EraseOnly bool
	Address   uint32
	Blocks    int
	Bytes     int
	Duration  time.Duration
}

// Flasher runs whole programming sessions on one Transport:
//
//  1. reset the target
//  2. force it into the boot ROM
//  3. reopen the port with boot ROM line parameters and drain stale input
//  4. sync, GET and optionally GET ID
//  5. mass erase
//  6. write the image, GO to its base address and release the lines
//  7. reset, settle, reset again
//
// Any failure stops the session, is kept as the last error and disconnects
// the transport. Nothing is retried; start a new session instead.
type Flasher struct {
	link  Transport
	cfg   Config
	log   *zap.Logger
	boot  *Bootloader
	lines *Sequencer

	running atomic.Bool

	mu      sync.Mutex
	state   State
	lastErr error
}

// NewFlasher creates a Flasher owning t.
func NewFlasher(t Transport, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &Flasher{
		link:  t,
		cfg:   cfg,
		log:   cfg.Logger,
		lines: NewSequencer(t, cfg.Timing.LineSettle, cfg.Logger),
	}

	// Writing(block) transitions come from inside the bootloader
	bootCfg := cfg
	bootCfg.StateChanged = f.setState
	f.boot = newBootloader(t, bootCfg)
	return f
}

// State returns the current session state.
func (f *Flasher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastError returns the error that ended the most recent session, or nil.
func (f *Flasher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Run programs img, or only erases the flash when img is nil.
func (f *Flasher) Run(ctx context.Context, img *Image) (*Report, error) {
	if img != nil {
		if len(img.Data) == 0 {
			return nil, ErrEmptyImage
		}
		if _, err := SplitIntoBlocks(img, f.cfg.BlockSize); err != nil {
			return nil, err
		}
	}

	return f.session(ctx, func(ctx context.Context, report *Report) error {
		f.setState(StateErasing, -1)
		if err := f.boot.Erase(ctx); err != nil {
			return err
		}

		if img == nil {
			report.EraseOnly = true
			f.log.Info("flash erased, no image to write")
			return nil
		}

		if err := f.boot.WriteImage(ctx, img, f.cfg.Progress); err != nil {
			return err
		}
		report.Address = img.Address
		report.Bytes = len(img.Data)
		report.Blocks = (len(img.Data) + f.cfg.BlockSize - 1) / f.cfg.BlockSize
		if err := sleep(ctx, f.cfg.Timing.StepSettle); err != nil {
			return err
		}

		f.setState(StateExecuting, -1)
		if err := f.boot.Go(ctx, img.Address); err != nil {
			return err
		}
		return f.link.SetSignals(transport.Signals{Reset: false, BootMode: false})
	})
}

// Inspect enters the boot ROM, identifies the target, runs fn and resets the
// target back into its application. Failures are handled as in Run.
func (f *Flasher) Inspect(ctx context.Context, fn func(ctx context.Context, b *Bootloader) error) (*Report, error) {
	return f.session(ctx, func(ctx context.Context, _ *Report) error {
		if fn == nil {
			return nil
		}
		return fn(ctx, f.boot)
	})
}

// Reset restarts the target into its application without touching the
// boot ROM.
func (f *Flasher) Reset(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return ErrSessionActive
	}
	defer f.running.Store(false)

	f.setState(StateResettingOut, -1)
	if err := f.lines.Reset(ctx); err != nil {
		return f.fail(fmt.Errorf("reset: %w", err))
	}
	f.setState(StateIdle, -1)
	return nil
}

// session runs the entry phases, work and the exit phase with the
// error containment shared by Run and Inspect.
func (f *Flasher) session(ctx context.Context, work func(context.Context, *Report) error) (*Report, error) {
	if !f.running.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	defer f.running.Store(false)

	f.mu.Lock()
	f.lastErr = nil
	f.mu.Unlock()

	start := time.Now()
	report := &Report{}

	if err := f.enter(ctx); err != nil {
		return nil, f.fail(err)
	}
	report.Device = f.boot.Device()

	if err := work(ctx, report); err != nil {
		return nil, f.fail(err)
	}

	f.setState(StateResettingOut, -1)
	if err := f.exit(ctx); err != nil {
		return nil, f.fail(err)
	}

	report.Duration = time.Since(start)
	f.setState(StateIdle, -1)
	f.log.Info("session complete", zap.Duration("duration", report.Duration))
	return report, nil
}

// enter covers steps 1-4, leaving the target identified in its boot ROM.
func (f *Flasher) enter(ctx context.Context) error {
	t := f.cfg.Timing
	f.boot.Forget()

	if err := sleep(ctx, t.StepSettle); err != nil {
		return err
	}

	f.setState(StateResettingIn, -1)
	if err := f.lines.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	f.setState(StateEnteringBootloader, -1)
	if err := f.lines.EnterBootloader(ctx); err != nil {
		return fmt.Errorf("enter bootloader: %w", err)
	}
	if err := sleep(ctx, t.StepSettle); err != nil {
		return err
	}

	if err := f.link.Reopen(f.cfg.LineMode); err != nil {
		return fmt.Errorf("reopen at %s: %w", f.cfg.LineMode, err)
	}
	if _, err := f.boot.ClearBuffer(ctx); err != nil {
		return err
	}

	f.setState(StateSynchronizing, -1)
	if err := f.boot.Synchronize(ctx); err != nil {
		return err
	}

	f.setState(StateIdentifying, -1)
	dev, err := f.boot.Identify(ctx)
	if err != nil {
		return err
	}
	if f.cfg.ProductID {
		if _, err := f.boot.GetProductID(ctx); err != nil {
			return err
		}
	}

	f.setState(StateReady, -1)
	f.log.Info("bootloader ready",
		zap.String("version", dev.VersionString()),
		zap.String("pid", dev.ProductIDString()),
	)
	return nil
}

// exit resets twice; some boot ROMs ignore the first reset after GO.
func (f *Flasher) exit(ctx context.Context) error {
	if err := f.lines.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := sleep(ctx, f.cfg.Timing.StepSettle); err != nil {
		return err
	}
	if err := f.lines.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// fail records err, marks the session failed and tears the transport down.
func (f *Flasher) fail(err error) error {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()

	f.setState(StateFailed, -1)
	f.boot.Forget()
	f.log.Error("session failed", zap.Error(err))

	if derr := f.link.Disconnect(); derr != nil {
		f.log.Warn("disconnect after failure", zap.Error(derr))
	}
	return err
}

func (f *Flasher) setState(s State, block int) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()

	if s != prev {
		f.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
	if f.cfg.StateChanged != nil {
		f.cfg.StateChanged(s, block)
	}
}
