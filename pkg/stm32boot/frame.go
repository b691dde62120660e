// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import "fmt"

// Checksum XOR-folds data. With includeLength the result is also XORed
// with len(data)-1, which is how data frames are checked.
func Checksum(data []byte, includeLength bool) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	if includeLength {
		sum ^= byte(len(data) - 1)
	}
	return sum
}

// EncodeBigEndian emits width bytes of value, most significant first.
func EncodeBigEndian(value uint64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(value & 0xFF)
		value >>= 8
	}
	return out
}

// CommandFrame pairs a command code with its complement.
func CommandFrame(cmd byte) []byte {
	return []byte{cmd, cmd ^ 0xFF}
}

// AddressFrame encodes a 32-bit address big-endian followed by its checksum.
func AddressFrame(addr uint32) []byte {
	frame := EncodeBigEndian(uint64(addr), 4)
	return append(frame, Checksum(frame, false))
}

// DataFrame builds [len-1, payload..., checksum]. The payload must hold
// between 1 and BlockSize bytes.
func DataFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > BlockSize {
		return nil, &PreconditionError{
			Op:     "data frame",
			Reason: fmt.Sprintf("payload of %d bytes outside 1..%d", len(payload), BlockSize),
		}
	}

	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(len(payload)-1))
	frame = append(frame, payload...)
	return append(frame, Checksum(payload, true)), nil
}

// lengthFrame requests n bytes from READ MEMORY.
func lengthFrame(n int) []byte {
	return CommandFrame(byte(n - 1))
}
