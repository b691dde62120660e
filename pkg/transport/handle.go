// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	readChunkSize       = 256
	defaultReopenSettle = 100 * time.Millisecond
)

// Handle is exclusive owner of one open port.
//
// Inbound bytes are appended to a buffer by a reader goroutine and consumed
// by Read through a cursor; a byte is returned at most once. Only one
// caller may Read at a time.
type Handle struct {
	dial         Dialer
	mode         Mode
	invertBoot   bool
	lenient      bool
	reopenSettle time.Duration
	log          *zap.Logger

	mu        sync.Mutex
	port      Port
	connected bool
	buf       []byte
	cursor    int
	arrived   chan struct{} // closed and replaced whenever buf grows or the port goes away
	lastErr   error
	stop      chan struct{}
	done      chan struct{}
	inData    bool // the reader is running the data callback

	onData       func([]byte)
	onConnect    func()
	onDisconnect func()
}

// Option configures a Handle.
type Option func(*Handle)

// WithInvertedBoot flips the BOOT-MODE line polarity on every signal write.
// Adapter boards that drive BOOT0 through an inverting transistor need it.
func WithInvertedBoot(inverted bool) Option {
	return func(h *Handle) {
		h.invertBoot = inverted
	}
}

// WithLenientWrites logs failed writes instead of returning them.
// A lost transmission then surfaces as the next read timing out.
func WithLenientWrites() Option {
	return func(h *Handle) {
		h.lenient = true
	}
}

// WithReopenSettle sets the pause between reopening the port and driving the lines.
func WithReopenSettle(d time.Duration) Option {
	return func(h *Handle) {
		h.reopenSettle = d
	}
}

// WithLogger sets the logger used for transport events.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handle) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandle creates a disconnected handle that opens ports through dial.
func NewHandle(dial Dialer, mode Mode, opts ...Option) *Handle {
	h := &Handle{
		dial:         dial,
		mode:         mode,
		reopenSettle: defaultReopenSettle,
		log:          zap.NewNop(),
		arrived:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect opens the port with the handle's current mode and starts receiving.
// Calling Connect on a connected handle is a no-op.
func (h *Handle) Connect() error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return nil
	}

	port, err := h.dial(h.mode)
	if err != nil {
		err = &PortError{Op: "open", Err: err}
		h.lastErr = err
		h.mu.Unlock()
		return err
	}

	// Both lines released before anything else happens on the wire
	if err := releaseLines(port); err != nil {
		port.Close()
		err = &PortError{Op: "set lines", Err: err}
		h.lastErr = err
		h.mu.Unlock()
		return err
	}

	h.attach(port)
	h.connected = true
	h.lastErr = nil
	cb := h.onConnect
	h.mu.Unlock()

	h.log.Info("port connected", zap.Stringer("mode", h.mode))
	if cb != nil {
		cb()
	}
	return nil
}

// Disconnect closes the port. It is safe to call repeatedly; the disconnect
// hook runs once per successful Connect.
func (h *Handle) Disconnect() error {
	return h.teardown(true)
}

// Reopen closes the port and opens it again with new line parameters.
// Buffered input is discarded. Hooks do not fire.
func (h *Handle) Reopen(mode Mode) error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return ErrNotConnected
	}
	old, stop, done := h.port, h.stop, h.done
	h.port = nil
	close(stop)
	h.mu.Unlock()

	old.Close()
	<-done

	port, err := h.dial(mode)
	if err != nil {
		err = &PortError{Op: "reopen", Err: err}
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		h.drop()
		return err
	}

	if h.reopenSettle > 0 {
		time.Sleep(h.reopenSettle)
	}

	if err := releaseLines(port); err != nil {
		port.Close()
		err = &PortError{Op: "set lines", Err: err}
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		h.drop()
		return err
	}

	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		port.Close()
		return ErrNotConnected
	}
	h.mode = mode
	h.buf = h.buf[:0]
	h.cursor = 0
	h.attach(port)
	h.mu.Unlock()

	h.log.Info("port reopened", zap.Stringer("mode", mode))
	return nil
}

// Write transmits p in full.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	port := h.port
	h.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	n, err := port.Write(p)
	if err == nil && n != len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	if err != nil {
		h.log.Error("write failed", zap.Int("bytes", len(p)), zap.Error(err))
		if h.lenient {
			return nil
		}
		err = &PortError{Op: "write", Err: err}
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		return err
	}

	h.log.Debug("tx", zap.Binary("bytes", p))
	return nil
}

// Read returns exactly count bytes, waiting up to timeout for them to arrive.
// On timeout nothing is consumed.
func (h *Handle) Read(count int, timeout time.Duration) ([]byte, error) {
	if count <= 0 {
		return []byte{}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		h.mu.Lock()
		available := len(h.buf) - h.cursor
		if available >= count {
			out := make([]byte, count)
			copy(out, h.buf[h.cursor:])
			h.cursor += count
			if h.cursor == len(h.buf) {
				h.buf = h.buf[:0]
				h.cursor = 0
			}
			h.mu.Unlock()
			h.log.Debug("rx", zap.Binary("bytes", out))
			return out, nil
		}
		if !h.connected {
			h.mu.Unlock()
			return nil, ErrNotConnected
		}
		wait := h.arrived
		h.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, &TimeoutError{Want: count, Have: available, Timeout: timeout}
		}
	}
}

// SetSignals drives RESET on DTR and BOOT-MODE on RTS.
// RTS low selects the boot ROM on the reference adapter, so the raw
// request is !BootMode; inverted-boot boards flip it once more.
func (h *Handle) SetSignals(s Signals) error {
	h.mu.Lock()
	port := h.port
	invert := h.invertBoot
	h.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	rts := !s.BootMode
	if invert {
		rts = !rts
	}

	if err := port.SetDTR(s.Reset); err != nil {
		return &PortError{Op: "set DTR", Err: err}
	}
	if err := port.SetRTS(rts); err != nil {
		return &PortError{Op: "set RTS", Err: err}
	}

	h.log.Debug("signals", zap.Bool("reset", s.Reset), zap.Bool("boot", s.BootMode), zap.Bool("rts", rts))
	return nil
}

// OnData routes inbound bytes to fn instead of the read buffer.
// A nil fn restores buffering. Later registration replaces earlier.
// fn runs on the reader goroutine and may call Disconnect; a Disconnect
// that overlaps a running fn returns without waiting for fn to finish.
func (h *Handle) OnData(fn func([]byte)) {
	h.mu.Lock()
	h.onData = fn
	h.mu.Unlock()
}

// OnConnect registers the hook run after a successful Connect.
func (h *Handle) OnConnect(fn func()) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// OnDisconnect registers the hook run when the port is closed.
func (h *Handle) OnDisconnect(fn func()) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// IsConnected reports whether the port is open.
func (h *Handle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// LastError returns the most recent transport-level failure.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Mode returns the line parameters of the open (or next) port.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// attach starts the reader for port. Caller holds mu.
func (h *Handle) attach(port Port) {
	h.port = port
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.readLoop(port, h.stop, h.done)
}

func (h *Handle) readLoop(port Port, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readChunkSize)

	for {
		n, err := port.Read(buf)
		if n > 0 {
			h.deliver(buf[:n])
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			h.log.Warn("read failed, closing port", zap.Error(err))
			h.mu.Lock()
			h.lastErr = &PortError{Op: "read", Err: err}
			h.mu.Unlock()
			h.teardown(false)
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (h *Handle) deliver(p []byte) {
	h.mu.Lock()
	if cb := h.onData; cb != nil {
		h.inData = true
		h.mu.Unlock()
		data := make([]byte, len(p))
		copy(data, p)
		cb(data)
		h.mu.Lock()
		h.inData = false
		h.mu.Unlock()
		return
	}
	h.buf = append(h.buf, p...)
	close(h.arrived)
	h.arrived = make(chan struct{})
	h.mu.Unlock()
}

// teardown closes the port. wait is false when called from the reader itself.
// The reader exits on its own once stop is closed.
func (h *Handle) teardown(wait bool) error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil
	}
	port, stop, done := h.port, h.stop, h.done
	wait = wait && !h.inData
	h.port = nil
	if port != nil {
		close(stop)
	}
	h.mu.Unlock()

	var err error
	if port != nil {
		if cerr := port.Close(); cerr != nil {
			err = &PortError{Op: "close", Err: cerr}
		}
		if wait {
			<-done
		}
	}

	h.drop()
	return err
}

// drop marks the handle disconnected, wakes blocked readers and runs the hook.
func (h *Handle) drop() {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return
	}
	h.connected = false
	h.port = nil
	close(h.arrived)
	h.arrived = make(chan struct{})
	cb := h.onDisconnect
	h.mu.Unlock()

	h.log.Info("port disconnected")
	if cb != nil {
		cb()
	}
}

func releaseLines(port Port) error {
	if err := port.SetDTR(false); err != nil {
		return err
	}
	return port.SetRTS(false)
}
