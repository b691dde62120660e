// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// Link is the byte channel to the boot ROM.
type Link interface {
	Write(p []byte) error
	Read(count int, timeout time.Duration) ([]byte, error)
}

// Bootloader issues boot ROM commands over a Link.
//
// Apart from the sync byte, nothing is sent before Identify has recorded the
// target's command set, and every command checks that set first. A
// Bootloader is not safe for concurrent use.
type Bootloader struct {
	link   Link
	cfg    Config
	log    *zap.Logger
	synced bool
	device *DeviceDescriptor
}

// NewBootloader creates a Bootloader speaking over link.
func NewBootloader(link Link, opts ...Option) *Bootloader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newBootloader(link, cfg)
}

func newBootloader(link Link, cfg Config) *Bootloader {
	return &Bootloader{
		link: link,
		cfg:  cfg,
		log:  cfg.Logger,
	}
}

// Device returns the descriptor recorded by Identify, or nil.
func (b *Bootloader) Device() *DeviceDescriptor {
	return b.device
}

// Forget drops the sync state and descriptor, as after a target reset.
func (b *Bootloader) Forget() {
	b.synced = false
	b.device = nil
}

// ClearBuffer discards stale input until a read times out, returning how
// many bytes were thrown away. It gives up once MaxDrain bytes have been
// discarded, since the target is then still talking.
func (b *Bootloader) ClearBuffer(ctx context.Context) (int, error) {
	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		_, err := b.link.Read(1, b.cfg.Timing.Drain)
		if errors.Is(err, transport.ErrTimeout) {
			if drained > 0 {
				b.log.Debug("drained stale input", zap.Int("bytes", drained))
			}
			return drained, nil
		}
		if err != nil {
			return drained, fmt.Errorf("clear buffer: %w", err)
		}
		drained++
		if b.cfg.MaxDrain > 0 && drained >= b.cfg.MaxDrain {
			return drained, fmt.Errorf("clear buffer: target still sending after %d bytes", drained)
		}
	}
}

// Synchronize sends the sync byte so the boot ROM can detect the baud rate.
func (b *Bootloader) Synchronize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Forget()
	if err := b.send("sync", []byte{Sync}); err != nil {
		return err
	}
	if err := b.expectACK("sync", b.cfg.Timing.Sync); err != nil {
		return err
	}
	b.synced = true
	b.log.Debug("synchronized")
	return nil
}

// Identify issues GET, recording the bootloader version and the supported
// command set. A target without GET ID is rejected with ErrUnsupportedFamily.
func (b *Bootloader) Identify(ctx context.Context) (*DeviceDescriptor, error) {
	const op = "GET"
	if !b.synced {
		return nil, &PreconditionError{Op: op, Reason: "synchronize first"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.device = nil
	if err := b.send(op, CommandFrame(CmdGet)); err != nil {
		return nil, err
	}
	body, err := b.readCounted(op, b.cfg.Timing.Get)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("%s: empty response", op)
	}

	dev := &DeviceDescriptor{
		Version:  body[0],
		Commands: append([]byte(nil), body[1:]...),
	}
	b.log.Debug("bootloader identified",
		zap.String("version", dev.VersionString()),
		zap.Binary("commands", dev.Commands),
	)

	if !dev.Supports(CmdGetID) {
		return nil, fmt.Errorf("%s: %w", op, ErrUnsupportedFamily)
	}
	b.device = dev
	return dev, nil
}

// GetProductID issues GET ID and records the two-byte product id.
func (b *Bootloader) GetProductID(ctx context.Context) (uint16, error) {
	const op = "GET ID"
	if err := b.require(op, CmdGetID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := b.send(op, CommandFrame(CmdGetID)); err != nil {
		return 0, err
	}
	body, err := b.readCounted(op, b.cfg.Timing.GetID)
	if err != nil {
		return 0, err
	}
	if len(body) < 2 {
		return 0, fmt.Errorf("%s: short product id (%d bytes)", op, len(body))
	}

	pid := uint16(body[0])<<8 | uint16(body[1])
	b.device.ProductID = pid
	b.device.HasProductID = true
	b.log.Debug("product id", zap.String("pid", b.device.ProductIDString()))
	return pid, nil
}

// Erase mass-erases the flash.
func (b *Bootloader) Erase(ctx context.Context) error {
	const op = "ERASE"
	if err := b.require(op, CmdErase); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.command(op, CmdErase); err != nil {
		return err
	}
	if err := b.send(op, eraseAllSelector); err != nil {
		return err
	}
	if err := sleep(ctx, b.cfg.Timing.EraseSettle); err != nil {
		return err
	}
	if err := b.expectACK(op+" all", b.cfg.Timing.EraseAck); err != nil {
		return err
	}
	b.log.Debug("flash erased")
	return nil
}

// WriteBlock writes data (1 to the configured block size) at addr.
// Each of the three ACKs is fatal on its own; nothing is retried.
func (b *Bootloader) WriteBlock(ctx context.Context, addr uint32, data []byte) error {
	const op = "WRITE MEMORY"
	if err := b.require(op, CmdWriteMemory); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > b.cfg.BlockSize {
		return &PreconditionError{
			Op:     op,
			Reason: fmt.Sprintf("block of %d bytes outside 1..%d", len(data), b.cfg.BlockSize),
		}
	}
	frame, err := DataFrame(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.command(op, CmdWriteMemory); err != nil {
		return err
	}
	if err := b.address(op, addr); err != nil {
		return err
	}
	if err := b.send(op, frame); err != nil {
		return err
	}
	if err := b.expectACK(op+" data", b.cfg.Timing.DataAck); err != nil {
		return err
	}
	return nil
}

// WriteImage writes img block by block in ascending address order, calling
// progress after every acknowledged block.
func (b *Bootloader) WriteImage(ctx context.Context, img *Image, progress ProgressFunc) error {
	const op = "WRITE MEMORY"
	if err := b.require(op, CmdWriteMemory); err != nil {
		return err
	}
	if img == nil || len(img.Data) == 0 {
		return ErrEmptyImage
	}
	blocks, err := SplitIntoBlocks(img, b.cfg.BlockSize)
	if err != nil {
		return err
	}

	b.log.Info("writing image",
		zap.Int("bytes", len(img.Data)),
		zap.Int("blocks", len(blocks)),
		zap.String("address", fmt.Sprintf("0x%08X", img.Address)),
	)

	written := 0
	for _, blk := range blocks {
		if b.cfg.StateChanged != nil {
			b.cfg.StateChanged(StateWriting, blk.Index)
		}
		if err := b.WriteBlock(ctx, blk.Address, blk.Data); err != nil {
			return fmt.Errorf("block %d/%d at 0x%08X: %w", blk.Index+1, len(blocks), blk.Address, err)
		}
		written += len(blk.Data)
		if progress != nil {
			progress(Progress{
				Block:      blk.Index + 1,
				Blocks:     len(blocks),
				Bytes:      written,
				TotalBytes: len(img.Data),
				Fraction:   float64(blk.Index+1) / float64(len(blocks)),
			})
		}
	}
	return nil
}

// Go starts execution at addr. The target is gone from the boot ROM once
// this returns successfully.
func (b *Bootloader) Go(ctx context.Context, addr uint32) error {
	const op = "GO"
	if err := b.require(op, CmdGo); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.command(op, CmdGo); err != nil {
		return err
	}
	if err := b.address(op, addr); err != nil {
		return err
	}
	b.synced = false
	b.log.Debug("jumped", zap.String("address", fmt.Sprintf("0x%08X", addr)))
	return nil
}

// ReadMemory reads n bytes (1-256) starting at addr.
func (b *Bootloader) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	const op = "READ MEMORY"
	if err := b.require(op, CmdReadMemory); err != nil {
		return nil, err
	}
	if n <= 0 || n > MaxReadSize {
		return nil, &PreconditionError{
			Op:     op,
			Reason: fmt.Sprintf("length %d outside 1..%d", n, MaxReadSize),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := b.command(op, CmdReadMemory); err != nil {
		return nil, err
	}
	if err := b.address(op, addr); err != nil {
		return nil, err
	}
	if err := b.send(op, lengthFrame(n)); err != nil {
		return nil, err
	}
	if err := b.expectACK(op+" length", b.cfg.Timing.CommandAck); err != nil {
		return nil, err
	}
	data, err := b.link.Read(n, b.cfg.Timing.ReadData)
	if err != nil {
		return nil, fmt.Errorf("%s data: %w", op, err)
	}
	return data, nil
}

// ReadRegion reads n bytes from addr in MaxReadSize requests.
func (b *Bootloader) ReadRegion(ctx context.Context, addr uint32, n int, progress ProgressFunc) ([]byte, error) {
	if n <= 0 {
		return nil, &PreconditionError{Op: "READ MEMORY", Reason: "nothing to read"}
	}

	out := make([]byte, 0, n)
	chunks := (n + MaxReadSize - 1) / MaxReadSize
	for i := 0; i < chunks; i++ {
		size := n - len(out)
		if size > MaxReadSize {
			size = MaxReadSize
		}
		chunk, err := b.ReadMemory(ctx, addr+uint32(len(out)), size)
		if err != nil {
			return out, fmt.Errorf("chunk at 0x%08X: %w", addr+uint32(len(out)), err)
		}
		out = append(out, chunk...)
		if progress != nil {
			progress(Progress{
				Block:      i + 1,
				Blocks:     chunks,
				Bytes:      len(out),
				TotalBytes: n,
				Fraction:   float64(i+1) / float64(chunks),
			})
		}
	}
	return out, nil
}

// require checks that Identify has run and that cmd was advertised.
func (b *Bootloader) require(op string, cmd byte) error {
	if b.device == nil {
		return &PreconditionError{Op: op, Reason: "identify the target first"}
	}
	if !b.device.Supports(cmd) {
		return &PreconditionError{
			Op:     op,
			Reason: fmt.Sprintf("command 0x%02X not supported by target", cmd),
		}
	}
	return nil
}

// command sends a command frame and waits for its ACK.
func (b *Bootloader) command(op string, cmd byte) error {
	if err := b.send(op, CommandFrame(cmd)); err != nil {
		return err
	}
	return b.expectACK(op, b.cfg.Timing.CommandAck)
}

// address sends an address frame and waits for its ACK.
func (b *Bootloader) address(op string, addr uint32) error {
	if err := b.send(op, AddressFrame(addr)); err != nil {
		return err
	}
	return b.expectACK(op+" address", b.cfg.Timing.CommandAck)
}

func (b *Bootloader) send(op string, frame []byte) error {
	if err := b.link.Write(frame); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b *Bootloader) expectACK(op string, timeout time.Duration) error {
	resp, err := b.link.Read(1, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp[0] != ACK {
		return &ProtocolError{Op: op, Got: resp[0]}
	}
	return nil
}

// readCounted reads ACK, N, N+1 bytes, ACK and returns the N+1 bytes.
func (b *Bootloader) readCounted(op string, timeout time.Duration) ([]byte, error) {
	if err := b.expectACK(op, timeout); err != nil {
		return nil, err
	}
	n, err := b.link.Read(1, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s length: %w", op, err)
	}
	body, err := b.link.Read(int(n[0])+1, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := b.expectACK(op+" end", timeout); err != nil {
		return nil, err
	}
	return body, nil
}
