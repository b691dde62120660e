// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/helioflash/pkg/transport"
)

// Commands advertised by a typical STM32F1 boot ROM
var f1Commands = []byte{0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x43, 0x63, 0x73, 0x82, 0x92}

type simExpect int

const (
	expectCommand simExpect = iota
	expectEraseSelector
	expectAddress
	expectData
	expectReadLength
)

// simTarget is a scripted STM32 boot ROM behind the Transport interface.
// Every Write is one frame; the answer is queued synchronously, so Read
// never has to wait and reports a timeout when the queue runs dry.
type simTarget struct {
	mu sync.Mutex

	commands []byte
	version  byte
	pid      [2]byte
	noise    []byte // pending after a reopen, as if the app was still chatty

	connected bool
	out       []byte
	expect    simExpect
	cmd       byte
	addr      uint32
	mem       map[uint32]byte
	erased    bool
	jumped    bool
	goAddr    uint32

	dataFrames     int
	dropDataAck    int // withhold the ACK for this data frame (1-based)
	writeAddrs     int
	dropAddressAck int  // withhold the ACK for this WRITE address frame (1-based)
	nackCommand    byte // answer NACK to this command code
	failWrites     bool

	frames      [][]byte
	signals     []transport.Signals
	modes       []transport.Mode
	disconnects int
}

func newSimTarget() *simTarget {
	return &simTarget{
		commands:    f1Commands,
		version:     0x22,
		pid:         [2]byte{0x04, 0x10},
		connected:   true,
		mem:         make(map[uint32]byte),
		nackCommand: 0xFF,
	}
}

func (s *simTarget) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return transport.ErrNotConnected
	}
	if s.failWrites {
		return &transport.PortError{Op: "write", Err: errors.New("EIO")}
	}
	s.frames = append(s.frames, append([]byte(nil), p...))

	switch s.expect {
	case expectCommand:
		s.handleCommand(p)
	case expectEraseSelector:
		s.expect = expectCommand
		if bytes.Equal(p, []byte{0xFF, 0x00}) {
			s.erased = true
			s.mem = make(map[uint32]byte)
			s.reply(ACK)
		} else {
			s.reply(NACK)
		}
	case expectAddress:
		if len(p) != 5 || Checksum(p[:4], false) != p[4] {
			s.expect = expectCommand
			s.reply(NACK)
			return nil
		}
		s.addr = uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
		if s.cmd == CmdWriteMemory {
			s.writeAddrs++
			if s.writeAddrs == s.dropAddressAck {
				s.expect = expectCommand
				return nil
			}
		}
		s.reply(ACK)
		switch s.cmd {
		case CmdWriteMemory:
			s.expect = expectData
		case CmdReadMemory:
			s.expect = expectReadLength
		case CmdGo:
			s.expect = expectCommand
			s.jumped = true
			s.goAddr = s.addr
		}
	case expectData:
		s.expect = expectCommand
		s.dataFrames++
		if len(p) < 3 || int(p[0])+1 != len(p)-2 || Checksum(p[1:len(p)-1], true) != p[len(p)-1] {
			s.reply(NACK)
			return nil
		}
		for i, b := range p[1 : len(p)-1] {
			s.mem[s.addr+uint32(i)] = b
		}
		if s.dataFrames != s.dropDataAck {
			s.reply(ACK)
		}
	case expectReadLength:
		s.expect = expectCommand
		if len(p) != 2 || p[0]^0xFF != p[1] {
			s.reply(NACK)
			return nil
		}
		s.reply(ACK)
		for i := 0; i <= int(p[0]); i++ {
			b, ok := s.mem[s.addr+uint32(i)]
			if !ok {
				b = 0xFF
			}
			s.reply(b)
		}
	}
	return nil
}

func (s *simTarget) handleCommand(p []byte) {
	if len(p) == 1 && p[0] == Sync {
		s.reply(ACK)
		return
	}
	if len(p) != 2 || p[0]^0xFF != p[1] || p[0] == s.nackCommand || !bytes.Contains(s.commands, p[:1]) {
		s.reply(NACK)
		return
	}

	s.cmd = p[0]
	switch s.cmd {
	case CmdGet:
		s.reply(ACK, byte(len(s.commands)), s.version)
		s.reply(s.commands...)
		s.reply(ACK)
	case CmdGetID:
		s.reply(ACK, 0x01, s.pid[0], s.pid[1], ACK)
	case CmdErase:
		s.reply(ACK)
		s.expect = expectEraseSelector
	case CmdWriteMemory, CmdReadMemory, CmdGo:
		s.reply(ACK)
		s.expect = expectAddress
	default:
		s.reply(NACK)
	}
}

func (s *simTarget) reply(b ...byte) {
	s.out = append(s.out, b...)
}

func (s *simTarget) Read(count int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, transport.ErrNotConnected
	}
	if len(s.out) < count {
		return nil, &transport.TimeoutError{Want: count, Have: len(s.out), Timeout: timeout}
	}
	data := append([]byte(nil), s.out[:count]...)
	s.out = s.out[count:]
	return data, nil
}

func (s *simTarget) SetSignals(sig transport.Signals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return transport.ErrNotConnected
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *simTarget) Reopen(mode transport.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return transport.ErrNotConnected
	}
	s.modes = append(s.modes, mode)
	s.out = append([]byte(nil), s.noise...)
	s.expect = expectCommand
	return nil
}

func (s *simTarget) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

// frameCount returns how many frames the host has sent.
func (s *simTarget) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// memory returns n bytes written at addr, 0xFF where nothing was written.
func (s *simTarget) memory(addr uint32, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		b, ok := s.mem[addr+uint32(i)]
		if !ok {
			b = 0xFF
		}
		out[i] = b
	}
	return out
}

// fastTiming keeps tests from sleeping.
func fastTiming() Timing {
	return Timing{}
}
