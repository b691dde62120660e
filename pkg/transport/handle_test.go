// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakePort is an in-memory Port. Bytes pushed with feed() come out of Read.
type fakePort struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readErr   chan error

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	dtr, rts []bool
}

func newFakePort() *fakePort {
	return &fakePort{
		in:      make(chan []byte, 16),
		closed:  make(chan struct{}),
		readErr: make(chan error, 1),
	}
}

func (f *fakePort) feed(b ...byte) {
	f.in <- b
}

func (f *fakePort) Read(p []byte) (int, error) {
	select {
	case b := <-f.in:
		return copy(p, b), nil
	case err := <-f.readErr:
		return 0, err
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakePort) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePort) SetDTR(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = append(f.dtr, v)
	return nil
}

func (f *fakePort) SetRTS(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rts = append(f.rts, v)
	return nil
}

func (f *fakePort) lastLines() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dtr[len(f.dtr)-1], f.rts[len(f.rts)-1]
}

// fakeDialer hands out a fresh fakePort per open and records the modes.
type fakeDialer struct {
	mu    sync.Mutex
	modes []Mode
	ports []*fakePort
	err   error
}

func (d *fakeDialer) dial(m Mode) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	p := newFakePort()
	d.modes = append(d.modes, m)
	d.ports = append(d.ports, p)
	return p, nil
}

func (d *fakeDialer) port(i int) *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[i]
}

var appMode = Mode{BaudRate: 115200, Parity: NoParity}

func connectedHandle(t *testing.T, opts ...Option) (*Handle, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithReopenSettle(0)}, opts...)
	h := NewHandle(d.dial, appMode, opts...)
	if err := h.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { h.Disconnect() })
	return h, d
}

func TestHandle_ReadExactCountAcrossChunks(t *testing.T) {
	h, d := connectedHandle(t)
	p := d.port(0)

	p.feed(0x79)
	p.feed(0x0B, 0x31)
	p.feed(0x00, 0x01)

	got, err := h.Read(2, time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x79, 0x0B}) {
		t.Errorf("first read: got % X, want 79 0B", got)
	}

	got, err = h.Read(3, time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x31, 0x00, 0x01}) {
		t.Errorf("second read: got % X, want 31 00 01", got)
	}
}

func TestHandle_ReadTimeoutKeepsBytes(t *testing.T) {
	h, d := connectedHandle(t)
	d.port(0).feed(0xAA)

	// Give the reader a moment to buffer the single byte
	if _, err := h.Read(2, 30*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	var te *TimeoutError
	_, err := h.Read(2, 10*time.Millisecond)
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Want != 2 || te.Have != 1 {
		t.Errorf("timeout detail: want=%d have=%d, expected want=2 have=1", te.Want, te.Have)
	}

	got, err := h.Read(1, time.Second)
	if err != nil {
		t.Fatalf("Read after timeout failed: %v", err)
	}
	if got[0] != 0xAA {
		t.Errorf("byte lost across timeout: got 0x%02X", got[0])
	}
}

func TestHandle_ReadWaitsForLateData(t *testing.T) {
	h, d := connectedHandle(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.port(0).feed(0x79)
	}()

	start := time.Now()
	got, err := h.Read(1, 2*time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got[0] != 0x79 {
		t.Errorf("got 0x%02X, want 0x79", got[0])
	}
	if time.Since(start) > time.Second {
		t.Error("read was not woken by data arrival")
	}
}

func TestHandle_ReadZeroCount(t *testing.T) {
	h, _ := connectedHandle(t)
	got, err := h.Read(0, time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Errorf("Read(0) = % X, %v; want empty, nil", got, err)
	}
}

func TestHandle_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	h := NewHandle(d.dial, appMode)

	var calls int
	h.OnDisconnect(func() { calls++ })

	if err := h.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.Disconnect(); err != nil {
			t.Fatalf("Disconnect #%d failed: %v", i+1, err)
		}
	}
	if calls != 1 {
		t.Errorf("disconnect hook ran %d times, want 1", calls)
	}
	if h.IsConnected() {
		t.Error("handle still reports connected")
	}

	// A second open earns a second notification
	if err := h.Connect(); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	h.Disconnect()
	if calls != 2 {
		t.Errorf("disconnect hook ran %d times after reconnect, want 2", calls)
	}
}

func TestHandle_DisconnectWakesReader(t *testing.T) {
	h, _ := connectedHandle(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Read(4, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight read did not unwind on disconnect")
	}
}

func TestHandle_PortFailureDisconnects(t *testing.T) {
	h, d := connectedHandle(t)

	gone := make(chan struct{})
	h.OnDisconnect(func() { close(gone) })

	d.port(0).readErr <- errors.New("device unplugged")

	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("read failure did not tear the handle down")
	}
	if h.IsConnected() {
		t.Error("handle still connected after port failure")
	}
	var pe *PortError
	if !errors.As(h.LastError(), &pe) || pe.Op != "read" {
		t.Errorf("LastError = %v, want read PortError", h.LastError())
	}
}

func TestHandle_SetSignals(t *testing.T) {
	tests := []struct {
		name    string
		invert  bool
		signals Signals
		wantDTR bool
		wantRTS bool
	}{
		{"idle", false, Signals{}, false, true},
		{"reset held", false, Signals{Reset: true}, true, true},
		{"boot selected", false, Signals{BootMode: true}, false, false},
		{"idle inverted", true, Signals{}, false, false},
		{"boot selected inverted", true, Signals{Reset: true, BootMode: true}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, d := connectedHandle(t, WithInvertedBoot(tt.invert))
			if err := h.SetSignals(tt.signals); err != nil {
				t.Fatalf("SetSignals failed: %v", err)
			}
			dtr, rts := d.port(0).lastLines()
			if dtr != tt.wantDTR || rts != tt.wantRTS {
				t.Errorf("lines: DTR=%v RTS=%v, want DTR=%v RTS=%v", dtr, rts, tt.wantDTR, tt.wantRTS)
			}
		})
	}
}

func TestHandle_NotConnected(t *testing.T) {
	h := NewHandle((&fakeDialer{}).dial, appMode)

	if err := h.Write([]byte{0x7F}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write: expected ErrNotConnected, got %v", err)
	}
	if _, err := h.Read(1, time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read: expected ErrNotConnected, got %v", err)
	}
	if err := h.SetSignals(Signals{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetSignals: expected ErrNotConnected, got %v", err)
	}
	if err := h.Reopen(appMode); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Reopen: expected ErrNotConnected, got %v", err)
	}
}

func TestHandle_ConnectFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("no such device")}
	h := NewHandle(d.dial, appMode)

	err := h.Connect()
	var pe *PortError
	if !errors.As(err, &pe) || pe.Op != "open" {
		t.Fatalf("expected open PortError, got %v", err)
	}
	if h.IsConnected() {
		t.Error("handle connected after failed open")
	}
}

func TestHandle_WriteFailure(t *testing.T) {
	h, d := connectedHandle(t)
	d.port(0).writeErr = errors.New("EIO")

	err := h.Write([]byte{0x00, 0xFF})
	var pe *PortError
	if !errors.As(err, &pe) || pe.Op != "write" {
		t.Fatalf("expected write PortError, got %v", err)
	}
}

func TestHandle_LenientWriteSwallowsFailure(t *testing.T) {
	h, d := connectedHandle(t, WithLenientWrites())
	d.port(0).writeErr = errors.New("EIO")

	if err := h.Write([]byte{0x00, 0xFF}); err != nil {
		t.Errorf("lenient write returned %v", err)
	}
}

func TestHandle_WriteReachesPort(t *testing.T) {
	h, d := connectedHandle(t)
	if err := h.Write([]byte{0x31, 0xCE}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	p := d.port(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !bytes.Equal(p.written.Bytes(), []byte{0x31, 0xCE}) {
		t.Errorf("port saw % X", p.written.Bytes())
	}
}

func TestHandle_Reopen(t *testing.T) {
	h, d := connectedHandle(t)

	var connects, disconnects int
	h.OnConnect(func() { connects++ })
	h.OnDisconnect(func() { disconnects++ })

	d.port(0).feed(0x55, 0x55)
	time.Sleep(20 * time.Millisecond)

	bootMode := Mode{BaudRate: 115200, Parity: EvenParity}
	if err := h.Reopen(bootMode); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	if len(d.modes) != 2 || d.modes[1] != bootMode {
		t.Fatalf("dialed modes %v, want second open with %v", d.modes, bootMode)
	}
	if h.Mode() != bootMode {
		t.Errorf("Mode() = %v, want %v", h.Mode(), bootMode)
	}
	if connects != 0 || disconnects != 0 {
		t.Errorf("hooks fired on reopen: connect=%d disconnect=%d", connects, disconnects)
	}

	// Bytes from before the reopen are gone; new port feeds the buffer
	d.port(1).feed(0x79)
	got, err := h.Read(1, time.Second)
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if got[0] != 0x79 {
		t.Errorf("read 0x%02X after reopen, want 0x79", got[0])
	}
}

func TestHandle_OnDataBypassesBuffer(t *testing.T) {
	h, d := connectedHandle(t)

	received := make(chan []byte, 1)
	h.OnData(func(b []byte) { received <- b })
	d.port(0).feed('O', 'K')

	select {
	case b := <-received:
		if string(b) != "OK" {
			t.Errorf("callback got %q", b)
		}
	case <-time.After(time.Second):
		t.Fatal("data callback not invoked")
	}

	if _, err := h.Read(1, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("bytes routed to callback should not be buffered, got %v", err)
	}

	h.OnData(nil)
	d.port(0).feed(0x79)
	if _, err := h.Read(1, time.Second); err != nil {
		t.Errorf("buffering not restored: %v", err)
	}
}

func TestHandle_DisconnectFromDataCallback(t *testing.T) {
	h, d := connectedHandle(t)

	returned := make(chan struct{})
	h.OnData(func([]byte) {
		h.Disconnect()
		close(returned)
	})
	d.port(0).feed(0x01)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect inside the data callback never returned")
	}
	if h.IsConnected() {
		t.Error("handle still connected")
	}
	select {
	case <-d.port(0).closed:
	default:
		t.Error("port left open")
	}
}

func TestMode_String(t *testing.T) {
	if got := (Mode{BaudRate: 115200, Parity: EvenParity}).String(); got != "115200 baud, 8E1" {
		t.Errorf("got %q", got)
	}
}
