// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

import "fmt"

// Image is a firmware binary and the flash address it is linked for.
// Entry is the start address recorded in the file, when it has one. It is
// informational: execution always starts at Address.
type Image struct {
	Data     []byte
	Address  uint32
	Entry    uint32
	HasEntry bool
}

// Block is one contiguous slice of an Image sent as a single data frame.
type Block struct {
	Index   int
	Address uint32
	Data    []byte
}

// End returns the first address past the block.
func (b Block) End() uint32 {
	return b.Address + uint32(len(b.Data))
}

// SplitIntoBlocks partitions img into ceil(len/blockSize) contiguous blocks
// in ascending address order. Only the last block may be short. Block data
// aliases the image.
func SplitIntoBlocks(img *Image, blockSize int) ([]Block, error) {
	if blockSize <= 0 || blockSize > BlockSize {
		return nil, &PreconditionError{
			Op:     "split image",
			Reason: fmt.Sprintf("block size %d outside 1..%d", blockSize, BlockSize),
		}
	}
	if img == nil {
		return nil, nil
	}
	if uint64(img.Address)+uint64(len(img.Data)) > 1<<32 {
		return nil, &PreconditionError{
			Op:     "split image",
			Reason: fmt.Sprintf("%d bytes at 0x%08X overflow the address space", len(img.Data), img.Address),
		}
	}

	count := (len(img.Data) + blockSize - 1) / blockSize
	blocks := make([]Block, 0, count)
	for i := 0; i < count; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(img.Data) {
			end = len(img.Data)
		}
		blocks = append(blocks, Block{
			Index:   i,
			Address: img.Address + uint32(start),
			Data:    img.Data[start:end],
		})
	}
	return blocks, nil
}
