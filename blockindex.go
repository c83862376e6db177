// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ieeg

import (
	"fmt"
	"sort"
)

// Block is a format-defined contiguous unit of stored samples: a fixed-size
// record for EDF/BrainVision, a variable compressed segment block for MEF3.
type Block struct {
	ID          int   // Position of the block within the recording
	FirstSample int64 // Global sample offset of the first sample in the block
	Samples     int64 // Samples per channel held by the block
	Offset      int64 // Byte offset of the block in the primary data file
	Length      int64 // Byte length of the block in the primary data file
}

// BlockIndex maps global sample offsets to the blocks that contain them.
// It is computed once when a recording is opened and never changes; reads
// share it without synchronization.
type BlockIndex struct {
	blocks []Block
	total  int64
}

// NewBlockIndex builds an index from blocks ordered by file position.
// Blocks must cover the sample range contiguously with no gaps or overlaps.
func NewBlockIndex(blocks []Block) (*BlockIndex, error) {
	var total int64
	for i, b := range blocks {
		if b.Samples <= 0 {
			return nil, fmt.Errorf("block %d holds no samples", i)
		}
		if b.FirstSample != total {
			return nil, fmt.Errorf("block %d starts at sample %d, want %d", i, b.FirstSample, total)
		}
		total += b.Samples
	}
	return &BlockIndex{blocks: blocks, total: total}, nil
}

// FixedBlockIndex builds an index for formats whose blocks are fixed-size
// records: record r holds samples [r*samplesPerBlock, (r+1)*samplesPerBlock)
// at byte offset dataOffset + r*blockBytes.
func FixedBlockIndex(numBlocks int, samplesPerBlock, dataOffset, blockBytes int64) *BlockIndex {
	blocks := make([]Block, numBlocks)
	for r := range blocks {
		blocks[r] = Block{
			ID:          r,
			FirstSample: int64(r) * samplesPerBlock,
			Samples:     samplesPerBlock,
			Offset:      dataOffset + int64(r)*blockBytes,
			Length:      blockBytes,
		}
	}
	return &BlockIndex{blocks: blocks, total: int64(numBlocks) * samplesPerBlock}
}

// TotalSamples returns the number of samples per channel covered by the index.
func (ix *BlockIndex) TotalSamples() int64 { return ix.total }

// NumBlocks returns the number of blocks in the index.
func (ix *BlockIndex) NumBlocks() int { return len(ix.blocks) }

// Block returns the block with the given ID.
func (ix *BlockIndex) Block(id int) Block { return ix.blocks[id] }

// Overlapping returns the blocks covering the sample window
// [start, start+count), in file order. The window must be within bounds.
func (ix *BlockIndex) Overlapping(start, count int64) []Block {
	if count <= 0 {
		return nil
	}
	first := sort.Search(len(ix.blocks), func(i int) bool {
		return ix.blocks[i].FirstSample+ix.blocks[i].Samples > start
	})
	last := sort.Search(len(ix.blocks), func(i int) bool {
		return ix.blocks[i].FirstSample >= start+count
	})
	return ix.blocks[first:last]
}

// CheckWithin verifies that every block's byte range lies inside a file of
// the given size. Backends call this at open time so truncation surfaces
// before the first read.
func (ix *BlockIndex) CheckWithin(fileSize int64) error {
	for _, b := range ix.blocks {
		if b.Offset+b.Length > fileSize {
			return fmt.Errorf("block %d ends at byte %d, file is %d bytes: %w",
				b.ID, b.Offset+b.Length, fileSize, ErrTruncatedFile)
		}
	}
	return nil
}
