// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mef3 implements the MEF3 backend: a session directory (.mefd) of
// per-channel directories (.timd), each holding segment directories (.segd)
// with a metadata file (.tmet), a block index file (.tidx) and a data file
// (.tdat). Every file opens with a CRC-guarded universal header; sample
// blocks are individually compressed and optionally AES-encrypted.
package mef3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/OpenPSG/ieeg"
	"github.com/google/uuid"
)

const (
	// SessionExt etc. are the directory and file suffixes of the MEF3
	// hierarchy.
	SessionExt  = ".mefd"
	ChannelExt  = ".timd"
	SegmentExt  = ".segd"
	MetadataExt = ".tmet"
	IndexExt    = ".tidx"
	DataExt     = ".tdat"

	universalHeaderBytes = 1024
	metadataBytes        = 256
	indexEntryBytes      = 32
	blockHeaderBytes     = 32

	versionMajor = 3
	versionMinor = 0
)

// File type signatures stored in the universal header.
const (
	typeMetadata = "mef3tmet"
	typeIndex    = "mef3tidx"
	typeData     = "mef3tdat"
)

// Encryption levels.
const (
	EncryptionNone uint8 = 0
	EncryptionData uint8 = 1
)

// MEF3 checksums use the Koopman CRC-32 polynomial.
var crcTable = crc32.MakeTable(crc32.Koopman)

// UniversalHeader is the 1024-byte header that opens every MEF3 file.
type UniversalHeader struct {
	FileType        string // one of the type signatures above
	EncryptionLevel uint8
	SessionUUID     uuid.UUID
	ChannelUUID     uuid.UUID
	SegmentUUID     uuid.UUID
	SessionName     string
	ChannelName     string
	SegmentNumber   int64
	StartTime       time.Time // recording start, microsecond resolution
	NumEntries      int64     // blocks for .tidx, samples for .tdat, 1 for .tmet
	PasswordCheck   [16]byte  // password validation field, zero when unencrypted
}

// Universal header field offsets.
const (
	uhCRC           = 0
	uhFileType      = 4
	uhVersionMajor  = 12
	uhVersionMinor  = 13
	uhEncryption    = 14
	uhSessionUUID   = 16
	uhChannelUUID   = 32
	uhSegmentUUID   = 48
	uhSessionName   = 64
	uhChannelName   = 128
	uhSegmentNumber = 192
	uhStartTime     = 200
	uhNumEntries    = 208
	uhPasswordCheck = 216
)

func (h *UniversalHeader) encode() []byte {
	b := make([]byte, universalHeaderBytes)
	copy(b[uhFileType:], h.FileType)
	b[uhVersionMajor] = versionMajor
	b[uhVersionMinor] = versionMinor
	b[uhEncryption] = h.EncryptionLevel
	copy(b[uhSessionUUID:], h.SessionUUID[:])
	copy(b[uhChannelUUID:], h.ChannelUUID[:])
	copy(b[uhSegmentUUID:], h.SegmentUUID[:])
	copy(b[uhSessionName:uhSessionName+64], h.SessionName)
	copy(b[uhChannelName:uhChannelName+64], h.ChannelName)
	binary.LittleEndian.PutUint64(b[uhSegmentNumber:], uint64(h.SegmentNumber))
	binary.LittleEndian.PutUint64(b[uhStartTime:], uint64(h.StartTime.UnixMicro()))
	binary.LittleEndian.PutUint64(b[uhNumEntries:], uint64(h.NumEntries))
	copy(b[uhPasswordCheck:], h.PasswordCheck[:])
	binary.LittleEndian.PutUint32(b[uhCRC:], crc32.Checksum(b[4:], crcTable))
	return b
}

// decodeUniversalHeader validates the CRC and version of a raw universal
// header. The field argument names the file for error reporting.
func decodeUniversalHeader(b []byte, field string) (*UniversalHeader, error) {
	if len(b) < universalHeaderBytes {
		return nil, fmt.Errorf("universal header of %s is %d bytes: %w", field, len(b), ieeg.ErrTruncatedFile)
	}
	if crc := crc32.Checksum(b[4:universalHeaderBytes], crcTable); crc != binary.LittleEndian.Uint32(b[uhCRC:]) {
		return nil, &ieeg.HeaderError{Format: "mef3", Field: field,
			Err: fmt.Errorf("universal header checksum mismatch")}
	}
	if b[uhVersionMajor] != versionMajor {
		return nil, &ieeg.HeaderError{Format: "mef3", Field: field,
			Err: fmt.Errorf("unsupported version %d.%d", b[uhVersionMajor], b[uhVersionMinor])}
	}

	h := &UniversalHeader{
		FileType:        string(b[uhFileType : uhFileType+8]),
		EncryptionLevel: b[uhEncryption],
		SessionName:     cString(b[uhSessionName : uhSessionName+64]),
		ChannelName:     cString(b[uhChannelName : uhChannelName+64]),
		SegmentNumber:   int64(binary.LittleEndian.Uint64(b[uhSegmentNumber:])),
		StartTime:       time.UnixMicro(int64(binary.LittleEndian.Uint64(b[uhStartTime:]))).UTC(),
		NumEntries:      int64(binary.LittleEndian.Uint64(b[uhNumEntries:])),
	}
	copy(h.SessionUUID[:], b[uhSessionUUID:])
	copy(h.ChannelUUID[:], b[uhChannelUUID:])
	copy(h.SegmentUUID[:], b[uhSegmentUUID:])
	copy(h.PasswordCheck[:], b[uhPasswordCheck:])
	return h, nil
}

// metadata is the fixed 256-byte time-series metadata section that follows
// the universal header of a .tmet file.
type metadata struct {
	SamplingFrequency float64
	UnitsConversion   float64 // physical value of one stored unit
	UnitsOffset       float64
	NumSamples        int64 // samples held by this segment
	NumBlocks         int64
	MaxBlockSamples   uint32
	Units             string
	Description       string
}

const (
	mdSamplingFrequency = 0
	mdUnitsConversion   = 8
	mdUnitsOffset       = 16
	mdNumSamples        = 24
	mdNumBlocks         = 32
	mdMaxBlockSamples   = 40
	mdUnits             = 44
	mdDescription       = 76
)

func (md *metadata) encode() []byte {
	b := make([]byte, metadataBytes)
	binary.LittleEndian.PutUint64(b[mdSamplingFrequency:], math.Float64bits(md.SamplingFrequency))
	binary.LittleEndian.PutUint64(b[mdUnitsConversion:], math.Float64bits(md.UnitsConversion))
	binary.LittleEndian.PutUint64(b[mdUnitsOffset:], math.Float64bits(md.UnitsOffset))
	binary.LittleEndian.PutUint64(b[mdNumSamples:], uint64(md.NumSamples))
	binary.LittleEndian.PutUint64(b[mdNumBlocks:], uint64(md.NumBlocks))
	binary.LittleEndian.PutUint32(b[mdMaxBlockSamples:], md.MaxBlockSamples)
	copy(b[mdUnits:mdUnits+32], md.Units)
	copy(b[mdDescription:mdDescription+128], md.Description)
	return b
}

func decodeMetadata(b []byte) (*metadata, error) {
	if len(b) < metadataBytes {
		return nil, ieeg.ErrTruncatedFile
	}
	return &metadata{
		SamplingFrequency: math.Float64frombits(binary.LittleEndian.Uint64(b[mdSamplingFrequency:])),
		UnitsConversion:   math.Float64frombits(binary.LittleEndian.Uint64(b[mdUnitsConversion:])),
		UnitsOffset:       math.Float64frombits(binary.LittleEndian.Uint64(b[mdUnitsOffset:])),
		NumSamples:        int64(binary.LittleEndian.Uint64(b[mdNumSamples:])),
		NumBlocks:         int64(binary.LittleEndian.Uint64(b[mdNumBlocks:])),
		MaxBlockSamples:   binary.LittleEndian.Uint32(b[mdMaxBlockSamples:]),
		Units:             cString(b[mdUnits : mdUnits+32]),
		Description:       cString(b[mdDescription : mdDescription+128]),
	}, nil
}

// indexEntry is one 32-byte record of a .tidx file, locating a block
// within the segment's .tdat file.
type indexEntry struct {
	StartSample int64 // global sample offset across the whole channel
	FileOffset  int64
	ByteLength  uint32
	SampleCount uint32
	Flags       uint32
}

const flagEncrypted = 1 << 0

func (e indexEntry) encode() []byte {
	b := make([]byte, indexEntryBytes)
	binary.LittleEndian.PutUint64(b[0:], uint64(e.StartSample))
	binary.LittleEndian.PutUint64(b[8:], uint64(e.FileOffset))
	binary.LittleEndian.PutUint32(b[16:], e.ByteLength)
	binary.LittleEndian.PutUint32(b[20:], e.SampleCount)
	binary.LittleEndian.PutUint32(b[24:], e.Flags)
	return b
}

func decodeIndexEntry(b []byte) indexEntry {
	return indexEntry{
		StartSample: int64(binary.LittleEndian.Uint64(b[0:])),
		FileOffset:  int64(binary.LittleEndian.Uint64(b[8:])),
		ByteLength:  binary.LittleEndian.Uint32(b[16:]),
		SampleCount: binary.LittleEndian.Uint32(b[20:]),
		Flags:       binary.LittleEndian.Uint32(b[24:]),
	}
}

// blockHeader prefixes every sample block in a .tdat file. The CRC guards
// the header fields after it and the (possibly encrypted) payload, so
// corruption is detectable without a key.
type blockHeader struct {
	Flags       uint32
	PayloadLen  uint32
	SampleCount uint32
	StartSample int64
	StartTime   int64 // microseconds since epoch
}

func (h blockHeader) encode(payload []byte) []byte {
	b := make([]byte, blockHeaderBytes+len(payload))
	binary.LittleEndian.PutUint32(b[4:], h.Flags)
	binary.LittleEndian.PutUint32(b[8:], h.PayloadLen)
	binary.LittleEndian.PutUint32(b[12:], h.SampleCount)
	binary.LittleEndian.PutUint64(b[16:], uint64(h.StartSample))
	binary.LittleEndian.PutUint64(b[24:], uint64(h.StartTime))
	copy(b[blockHeaderBytes:], payload)
	binary.LittleEndian.PutUint32(b[0:], crc32.Checksum(b[4:], crcTable))
	return b
}

// decodeBlockHeader splits a raw block into its header and payload after
// checking the CRC and structural consistency.
func decodeBlockHeader(b []byte) (blockHeader, []byte, error) {
	if len(b) < blockHeaderBytes {
		return blockHeader{}, nil, fmt.Errorf("block is %d bytes, header needs %d", len(b), blockHeaderBytes)
	}
	if crc := crc32.Checksum(b[4:], crcTable); crc != binary.LittleEndian.Uint32(b[0:]) {
		return blockHeader{}, nil, fmt.Errorf("block checksum mismatch")
	}
	h := blockHeader{
		Flags:       binary.LittleEndian.Uint32(b[4:]),
		PayloadLen:  binary.LittleEndian.Uint32(b[8:]),
		SampleCount: binary.LittleEndian.Uint32(b[12:]),
		StartSample: int64(binary.LittleEndian.Uint64(b[16:])),
		StartTime:   int64(binary.LittleEndian.Uint64(b[24:])),
	}
	if int(h.PayloadLen) != len(b)-blockHeaderBytes {
		return blockHeader{}, nil, fmt.Errorf("block declares %d payload bytes, holds %d",
			h.PayloadLen, len(b)-blockHeaderBytes)
	}
	return h, b[blockHeaderBytes:], nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

