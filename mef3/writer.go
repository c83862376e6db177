// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mef3

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBlockSamples is the block size used when SessionConfig leaves
// BlockSamples zero.
const DefaultBlockSamples = 1024

// ChannelConfig describes one time series channel of a new session.
type ChannelConfig struct {
	Name         string
	SamplingRate float64 // Hz
	Gain         float64 // physical value of one stored unit
	Baseline     float64 // physical value of stored zero
	Unit         string
}

// SessionConfig describes a new session.
type SessionConfig struct {
	Name      string
	StartTime time.Time
	Channels  []ChannelConfig
	// Password enables data encryption when non-empty.
	Password string
	// BlockSamples is the number of samples per compression block.
	BlockSamples int
	Description  string
}

// writerChannel accumulates one channel's pending samples and finished
// blocks.
type writerChannel struct {
	cfg         ChannelConfig
	channelUUID uuid.UUID
	segmentUUID uuid.UUID
	data        *os.File
	offset      int64
	pending     []int32
	entries     []indexEntry
	total       int64
	maxBlock    uint32
}

// Writer creates a single-segment MEF3 session directory.
type Writer struct {
	cfg         SessionConfig
	sessionUUID uuid.UUID
	key         []byte
	pwCheck     [16]byte
	channels    []*writerChannel
	encodeBuf   []byte
	closed      bool
}

// Create builds the session directory hierarchy at path, which must carry
// the .mefd extension, and opens a data file per channel. The caller must
// call Close to write the metadata and index files.
func Create(path string, cfg SessionConfig) (*Writer, error) {
	if !strings.EqualFold(filepath.Ext(path), SessionExt) {
		return nil, fmt.Errorf("session directory %q must use the %s extension", path, SessionExt)
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if cfg.BlockSamples <= 0 {
		cfg.BlockSamples = DefaultBlockSamples
	}
	seen := make(map[string]bool)
	for _, ch := range cfg.Channels {
		if ch.Name == "" || strings.ContainsAny(ch.Name, `/\`) {
			return nil, fmt.Errorf("unusable channel name %q", ch.Name)
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.SamplingRate <= 0 || math.IsNaN(ch.SamplingRate) || math.IsInf(ch.SamplingRate, 0) {
			return nil, fmt.Errorf("channel %s: unusable sampling rate %g", ch.Name, ch.SamplingRate)
		}
		if ch.Gain == 0 || math.IsNaN(ch.Gain) || math.IsInf(ch.Gain, 0) {
			return nil, fmt.Errorf("channel %s: unusable gain %g", ch.Name, ch.Gain)
		}
	}

	w := &Writer{cfg: cfg, sessionUUID: uuid.New()}
	if cfg.Password != "" {
		w.key = dataKey(cfg.Password)
		w.pwCheck = passwordCheckField(w.key, w.sessionUUID)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			for _, c := range w.channels {
				if c.data != nil {
					c.data.Close()
				}
			}
		}
	}()

	for _, chCfg := range cfg.Channels {
		segDir := filepath.Join(path, chCfg.Name+ChannelExt, segmentName(chCfg.Name, 0)+SegmentExt)
		if err := os.MkdirAll(segDir, 0o755); err != nil {
			return nil, err
		}
		c := &writerChannel{
			cfg:         chCfg,
			channelUUID: uuid.New(),
			segmentUUID: uuid.New(),
		}
		data, err := os.Create(filepath.Join(segDir, segmentName(chCfg.Name, 0)+DataExt))
		if err != nil {
			return nil, err
		}
		c.data = data

		// Placeholder; the real header lands at Close once the sample
		// count is known.
		if _, err := data.Write(make([]byte, universalHeaderBytes)); err != nil {
			return nil, err
		}
		c.offset = universalHeaderBytes
		w.channels = append(w.channels, c)
	}

	ok = true
	return w, nil
}

// WriteSamples appends one chunk of physical-unit samples per channel.
// Every channel must receive the same number of samples so block
// boundaries stay aligned across the session.
func (w *Writer) WriteSamples(samples [][]float64) error {
	if w.closed {
		return errors.New("writer is closed")
	}
	if len(samples) != len(w.channels) {
		return fmt.Errorf("got samples for %d channels, session has %d", len(samples), len(w.channels))
	}
	for i := range samples[1:] {
		if len(samples[i+1]) != len(samples[0]) {
			return fmt.Errorf("channel %s got %d samples, %s got %d",
				w.channels[i+1].cfg.Name, len(samples[i+1]), w.channels[0].cfg.Name, len(samples[0]))
		}
	}

	for i, c := range w.channels {
		for _, v := range samples[i] {
			digital := math.Round((v - c.cfg.Baseline) / c.cfg.Gain)
			if digital > math.MaxInt32 {
				digital = math.MaxInt32
			} else if digital < math.MinInt32 {
				digital = math.MinInt32
			}
			c.pending = append(c.pending, int32(digital))
		}
		for len(c.pending) >= w.cfg.BlockSamples {
			if err := w.flushBlock(c, w.cfg.BlockSamples); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushBlock compresses, optionally encrypts, and writes the first n
// pending samples of c as one block.
func (w *Writer) flushBlock(c *writerChannel, n int) error {
	startSample := c.total
	payload := encodeSamples(w.encodeBuf[:0], c.pending[:n])
	w.encodeBuf = payload

	var flags uint32
	if w.key != nil {
		flags |= flagEncrypted
		cryptBlockPayload(w.key, c.segmentUUID, startSample, payload)
	}

	hdr := blockHeader{
		Flags:       flags,
		PayloadLen:  uint32(len(payload)),
		SampleCount: uint32(n),
		StartSample: startSample,
		StartTime:   w.sampleTime(c, startSample),
	}
	block := hdr.encode(payload)
	if _, err := c.data.Write(block); err != nil {
		return fmt.Errorf("writing channel %s: %w", c.cfg.Name, err)
	}

	c.entries = append(c.entries, indexEntry{
		StartSample: startSample,
		FileOffset:  c.offset,
		ByteLength:  uint32(len(block)),
		SampleCount: uint32(n),
		Flags:       flags,
	})
	c.offset += int64(len(block))
	c.total += int64(n)
	c.maxBlock = max(c.maxBlock, uint32(n))
	c.pending = c.pending[:copy(c.pending, c.pending[n:])]
	return nil
}

// sampleTime returns the recording time of a sample in microseconds since
// the Unix epoch.
func (w *Writer) sampleTime(c *writerChannel, sample int64) int64 {
	return w.cfg.StartTime.UnixMicro() + int64(float64(sample)/c.cfg.SamplingRate*1e6)
}

// Close flushes any partial final block and writes each segment's data
// header, block index and metadata files.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, c := range w.channels {
		if len(c.pending) > 0 {
			if err := w.flushBlock(c, len(c.pending)); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, w.closeChannel(c))
	}
	return errors.Join(errs...)
}

func (w *Writer) closeChannel(c *writerChannel) error {
	segDir := filepath.Dir(c.data.Name())
	stem := segmentName(c.cfg.Name, 0)

	uh := UniversalHeader{
		EncryptionLevel: EncryptionNone,
		SessionUUID:     w.sessionUUID,
		ChannelUUID:     c.channelUUID,
		SegmentUUID:     c.segmentUUID,
		SessionName:     w.cfg.Name,
		ChannelName:     c.cfg.Name,
		SegmentNumber:   0,
		StartTime:       w.cfg.StartTime,
		PasswordCheck:   w.pwCheck,
	}
	if w.key != nil {
		uh.EncryptionLevel = EncryptionData
	}

	dataHeader := uh
	dataHeader.FileType = typeData
	dataHeader.NumEntries = c.total
	if _, err := c.data.WriteAt(dataHeader.encode(), 0); err != nil {
		c.data.Close()
		return err
	}
	if err := c.data.Close(); err != nil {
		return err
	}

	idxHeader := uh
	idxHeader.FileType = typeIndex
	idxHeader.NumEntries = int64(len(c.entries))
	idx := idxHeader.encode()
	for _, e := range c.entries {
		idx = append(idx, e.encode()...)
	}
	if err := os.WriteFile(filepath.Join(segDir, stem+IndexExt), idx, 0o644); err != nil {
		return err
	}

	md := metadata{
		SamplingFrequency: c.cfg.SamplingRate,
		UnitsConversion:   c.cfg.Gain,
		UnitsOffset:       c.cfg.Baseline,
		NumSamples:        c.total,
		NumBlocks:         int64(len(c.entries)),
		MaxBlockSamples:   c.maxBlock,
		Units:             c.cfg.Unit,
		Description:       w.cfg.Description,
	}
	metaHeader := uh
	metaHeader.FileType = typeMetadata
	metaHeader.NumEntries = 1
	meta := append(metaHeader.encode(), md.encode()...)
	return os.WriteFile(filepath.Join(segDir, stem+MetadataExt), meta, 0o644)
}

// segmentName builds the file stem of a segment, eg "ecog01-000000".
func segmentName(channel string, number int) string {
	return fmt.Sprintf("%s-%06d", channel, number)
}
