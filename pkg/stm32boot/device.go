// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import (
	"fmt"
	"strings"
)

// DeviceDescriptor is what the boot ROM reports about itself during a session.
type DeviceDescriptor struct {
	Version      byte   // raw version byte, major in the high nibble
	Commands     []byte // command codes advertised by GET, in reported order
	ProductID    uint16 // valid when HasProductID
	HasProductID bool
}

// VersionString renders the bootloader version as major.minor.
func (d *DeviceDescriptor) VersionString() string {
	return fmt.Sprintf("%d.%d", d.Version>>4, d.Version&0x0F)
}

// Supports reports whether cmd was advertised by GET.
func (d *DeviceDescriptor) Supports(cmd byte) bool {
	if d == nil {
		return false
	}
	for _, c := range d.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// ProductIDString renders the product id the way ST documents it.
func (d *DeviceDescriptor) ProductIDString() string {
	if !d.HasProductID {
		return "unknown"
	}
	return fmt.Sprintf("0x%02x%02x", byte(d.ProductID>>8), byte(d.ProductID))
}

// ProductName returns the device line for well-known product ids.
func (d *DeviceDescriptor) ProductName() string {
	if !d.HasProductID {
		return ""
	}
	return productNames[d.ProductID]
}

// CommandList renders the advertised commands for display.
func (d *DeviceDescriptor) CommandList() string {
	names := make([]string, 0, len(d.Commands))
	for _, c := range d.Commands {
		names = append(names, fmt.Sprintf("0x%02X %s", c, CommandName(c)))
	}
	return strings.Join(names, ", ")
}

// Product ids from AN2606
var productNames = map[uint16]string{
	0x0410: "STM32F10xxx medium-density",
	0x0412: "STM32F10xxx low-density",
	0x0414: "STM32F10xxx high-density",
	0x0418: "STM32F105xx/F107xx connectivity line",
	0x0420: "STM32F100xx value line",
	0x0430: "STM32F10xxx XL-density",
	0x0413: "STM32F40xxx/F41xxx",
	0x0419: "STM32F42xxx/F43xxx",
	0x0440: "STM32F05xxx/F030x8",
	0x0444: "STM32F03xxx",
}
