// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// Intel HEX record types
const (
	recData         = 0x00
	recEOF          = 0x01
	recExtSegment   = 0x02
	recStartSegment = 0x03
	recExtLinear    = 0x04
	recStartLinear  = 0x05
)

// NoStartAddress is returned by ParseHex when the file has no start record.
const NoStartAddress = 0xFFFFFFFF

type segment struct {
	addr uint32
	data []byte
}

// ParseHex decodes an Intel HEX stream into one contiguous image. Gaps
// between records are filled with 0xFF, the erased flash value. It also
// returns the start address record, or NoStartAddress.
func ParseHex(r io.Reader) (*stm32boot.Image, uint32, error) {
	var (
		segs  []segment
		base  uint32
		start uint32 = NoStartAddress
		eof   bool
		line  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if eof {
			return nil, 0, fmt.Errorf("line %d: data after end-of-file record", line)
		}
		if text[0] != ':' {
			return nil, 0, fmt.Errorf("line %d: missing start code", line)
		}

		rec, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 5 || len(rec) != 5+int(rec[0]) {
			return nil, 0, fmt.Errorf("line %d: record length mismatch", line)
		}
		var sum byte
		for _, b := range rec {
			sum += b
		}
		if sum != 0 {
			return nil, 0, fmt.Errorf("line %d: bad checksum", line)
		}

		payload := rec[4 : 4+rec[0]]
		offset := uint32(rec[1])<<8 | uint32(rec[2])

		switch rec[3] {
		case recData:
			addr := base + offset
			if n := len(segs); n > 0 && segs[n-1].addr+uint32(len(segs[n-1].data)) == addr {
				segs[n-1].data = append(segs[n-1].data, payload...)
			} else {
				segs = append(segs, segment{addr: addr, data: append([]byte(nil), payload...)})
			}
		case recEOF:
			eof = true
		case recExtSegment:
			if len(payload) != 2 {
				return nil, 0, fmt.Errorf("line %d: bad extended segment record", line)
			}
			base = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		case recExtLinear:
			if len(payload) != 2 {
				return nil, 0, fmt.Errorf("line %d: bad extended linear record", line)
			}
			base = uint32(payload[0])<<24 | uint32(payload[1])<<16
		case recStartSegment, recStartLinear:
			if len(payload) != 4 {
				return nil, 0, fmt.Errorf("line %d: bad start address record", line)
			}
			start = uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
		default:
			return nil, 0, fmt.Errorf("line %d: unknown record type 0x%02X", line, rec[3])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read hex file: %w", err)
	}
	if !eof {
		return nil, 0, fmt.Errorf("hex file has no end-of-file record")
	}

	img, err := flatten(segs)
	if err != nil {
		return nil, 0, err
	}
	return img, start, nil
}

// flatten lays segments out in one buffer starting at the lowest address.
func flatten(segs []segment) (*stm32boot.Image, error) {
	if len(segs) == 0 {
		return nil, stm32boot.ErrEmptyImage
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].addr < segs[j].addr })

	low := segs[0].addr
	var high uint64
	for _, s := range segs {
		if end := uint64(s.addr) + uint64(len(s.data)); end > high {
			high = end
		}
	}
	if high-uint64(low) > MaxImageSize {
		return nil, fmt.Errorf("hex records span %d bytes from 0x%08X, more than %d", high-uint64(low), low, MaxImageSize)
	}

	data := make([]byte, high-uint64(low))
	for i := range data {
		data[i] = 0xFF
	}
	for _, s := range segs {
		copy(data[s.addr-low:], s.data)
	}
	return &stm32boot.Image{Data: data, Address: low}, nil
}
