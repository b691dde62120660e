// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// SignalSetter drives the RESET and BOOT-MODE lines.
type SignalSetter interface {
	SetSignals(transport.Signals) error
}

// Step asserts Signals and then holds them for Hold.
type Step struct {
	Signals transport.Signals
	Hold    time.Duration
}

// Sequence is an ordered list of line steps. Steps never run out of order.
type Sequence []Step

// ResetSequence pulses RESET with BOOT-MODE inactive, so the target restarts
// into application code.
func ResetSequence(hold time.Duration) Sequence {
	return Sequence{
		{Signals: transport.Signals{Reset: true}, Hold: hold},
		{Signals: transport.Signals{}, Hold: hold},
	}
}

// EnterBootloaderSequence holds RESET, raises BOOT-MODE, then releases RESET
// while BOOT-MODE is still sampled active, which latches boot ROM entry.
// Both lines are released at the end; the ROM keeps running regardless.
func EnterBootloaderSequence(hold time.Duration) Sequence {
	return Sequence{
		{Signals: transport.Signals{}, Hold: hold},
		{Signals: transport.Signals{Reset: true}, Hold: hold},
		{Signals: transport.Signals{Reset: true, BootMode: true}, Hold: hold},
		{Signals: transport.Signals{BootMode: true}, Hold: hold},
		{Signals: transport.Signals{}, Hold: hold},
	}
}

// Sequencer plays line sequences against a SignalSetter.
type Sequencer struct {
	lines  SignalSetter
	settle time.Duration
	log    *zap.Logger
}

// NewSequencer creates a Sequencer whose steps are separated by settle.
func NewSequencer(lines SignalSetter, settle time.Duration, log *zap.Logger) *Sequencer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{lines: lines, settle: settle, log: log}
}

// Run asserts every step of seq in order.
func (s *Sequencer) Run(ctx context.Context, seq Sequence) error {
	for i, step := range seq {
		if err := s.lines.SetSignals(step.Signals); err != nil {
			return fmt.Errorf("line step %d: %w", i, err)
		}
		s.log.Debug("line step",
			zap.Int("step", i),
			zap.Bool("reset", step.Signals.Reset),
			zap.Bool("boot", step.Signals.BootMode),
		)
		if err := sleep(ctx, step.Hold); err != nil {
			return err
		}
	}
	return nil
}

// Reset restarts the target into application code.
func (s *Sequencer) Reset(ctx context.Context) error {
	if err := sleep(ctx, s.settle); err != nil {
		return err
	}
	return s.Run(ctx, ResetSequence(s.settle))
}

// EnterBootloader restarts the target into its boot ROM.
func (s *Sequencer) EnterBootloader(ctx context.Context) error {
	return s.Run(ctx, EnterBootloaderSequence(s.settle))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
