// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware loads images to flash from raw binaries, Intel HEX files
// and HTTP(S) URLs.
package firmware

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// MaxImageSize caps how much a loader will accept. No STM32 has more flash.
const MaxImageSize = 16 << 20

// Format identifies how image bytes are encoded.
type Format int

const (
	FormatBinary Format = iota
	FormatHex
)

func (f Format) String() string {
	if f == FormatHex {
		return "ihex"
	}
	return "binary"
}

// DetectFormat picks the format from a file name or URL path.
func DetectFormat(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".hex", ".ihex", ".ihx":
		return FormatHex
	default:
		return FormatBinary
	}
}

// Load reads an image from location, which is either a file path or an
// http(s) URL. base is the flash address for binaries; Intel HEX images
// carry their own addresses.
func Load(ctx context.Context, location string, base uint32) (*stm32boot.Image, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return Fetch(ctx, location, base)
	}
	return ReadFile(location, base)
}

// ReadFile loads an image from disk.
func ReadFile(name string, base uint32) (*stm32boot.Image, error) {
	info, err := os.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware: %w", err)
	}
	if info.Size() > MaxImageSize*3 {
		return nil, fmt.Errorf("firmware file %s is too large (%d bytes)", name, info.Size())
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware: %w", err)
	}
	return Decode(data, DetectFormat(name), base)
}

// Decode turns raw file contents into an Image.
func Decode(data []byte, format Format, base uint32) (*stm32boot.Image, error) {
	if format == FormatHex {
		img, start, err := ParseHex(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if start != NoStartAddress {
			img.Entry, img.HasEntry = start, true
		}
		return img, nil
	}

	if len(data) == 0 {
		return nil, stm32boot.ErrEmptyImage
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("binary image of %d bytes exceeds %d", len(data), MaxImageSize)
	}
	return &stm32boot.Image{Data: data, Address: base}, nil
}
