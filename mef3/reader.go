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
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/OpenPSG/ieeg"
	"github.com/google/uuid"
)

func init() {
	ieeg.Register(ieeg.Format{
		Name: "mef3",
		Detect: func(path string) bool {
			if !strings.EqualFold(filepath.Ext(path), SessionExt) {
				return false
			}
			fi, err := os.Stat(path)
			return err == nil && fi.IsDir()
		},
		Open: open,
	})
}

// segment holds the open data file of one .segd directory.
type segment struct {
	uuid uuid.UUID
	data *os.File
}

// channel aggregates the segments of one .timd directory into a single
// sample stream.
type channel struct {
	name     string
	rate     float64
	gain     float64
	baseline float64
	units    string
	total    int64
	entries  []indexEntry
	segOf    []int // per entry: index into segments
	segments []segment
}

func (c *channel) close() error {
	var errs []error
	for _, s := range c.segments {
		if s.data != nil {
			errs = append(errs, s.data.Close())
		}
	}
	return errors.Join(errs...)
}

// reader is the MEF3 backend behind an ieeg.Recording.
type reader struct {
	rec      *ieeg.RecordingHeader
	index    *ieeg.BlockIndex
	channels []*channel
	key      []byte // nil when the session is unencrypted or no password given
	blockBuf []byte
	scratch  []int32
}

func open(path string, opts *ieeg.Options) (ieeg.Backend, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var channelDirs []string
	for _, e := range dirEntries {
		if e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ChannelExt) {
			channelDirs = append(channelDirs, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(channelDirs)
	if len(channelDirs) == 0 {
		return nil, &ieeg.IncompleteHeaderError{Format: "mef3", Field: "channel directories"}
	}

	r := &reader{}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	var sessionHeader *UniversalHeader
	for _, dir := range channelDirs {
		c, uh, err := openChannel(dir, opts, &r.key)
		if err != nil {
			return nil, err
		}
		r.channels = append(r.channels, c)
		if sessionHeader == nil {
			sessionHeader = uh
		}
	}

	if err := r.validateGeometry(); err != nil {
		return nil, err
	}

	first := r.channels[0]
	blocks := make([]ieeg.Block, len(first.entries))
	maxBlockSamples := uint32(0)
	for i, e := range first.entries {
		blocks[i] = ieeg.Block{
			ID:          i,
			FirstSample: e.StartSample,
			Samples:     int64(e.SampleCount),
			Offset:      e.FileOffset,
			Length:      int64(e.ByteLength),
		}
		for _, c := range r.channels {
			maxBlockSamples = max(maxBlockSamples, c.entries[i].SampleCount)
		}
	}
	r.index, err = ieeg.NewBlockIndex(blocks)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "mef3", Field: "time series indices", Err: err}
	}
	r.scratch = make([]int32, maxBlockSamples)

	descriptors := make([]ieeg.ChannelDescriptor, len(r.channels))
	for i, c := range r.channels {
		descriptors[i] = ieeg.ChannelDescriptor{
			Label:        c.name,
			Unit:         c.units,
			SamplingRate: c.rate,
			Gain:         c.gain,
			Baseline:     c.baseline,
			Index:        i,
		}
	}

	r.rec = &ieeg.RecordingHeader{
		Format:      "mef3",
		StartTime:   sessionHeader.StartTime,
		Channels:    descriptors,
		SampleCount: first.total,
		Extensions: map[string]string{
			"mef3.session_name":     sessionHeader.SessionName,
			"mef3.session_uuid":     sessionHeader.SessionUUID.String(),
			"mef3.encryption_level": strconv.Itoa(int(sessionHeader.EncryptionLevel)),
		},
	}

	ok = true
	return r, nil
}

// openChannel reads the metadata and block indices of every segment under
// one .timd directory and opens its data files. The first segment's
// metadata header is returned for session-level fields.
func openChannel(dir string, opts *ieeg.Options, key *[]byte) (*channel, *UniversalHeader, error) {
	segDirs, err := segmentDirs(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(segDirs) == 0 {
		return nil, nil, &ieeg.IncompleteHeaderError{Format: "mef3", Field: "segment directories"}
	}

	c := &channel{}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	var channelHeader *UniversalHeader
	for _, segDir := range segDirs {
		uh, md, err := openSegmentMetadata(segDir, opts, key)
		if err != nil {
			return nil, nil, err
		}
		if channelHeader == nil {
			channelHeader = uh
			c.name = uh.ChannelName
			c.rate = md.SamplingFrequency
			c.gain = md.UnitsConversion
			c.baseline = md.UnitsOffset
			c.units = md.Units
		} else if md.SamplingFrequency != c.rate {
			return nil, nil, &ieeg.HeaderError{Format: "mef3", Field: "sampling frequency",
				Err: fmt.Errorf("segment %d of %s changes rate from %g to %g",
					uh.SegmentNumber, c.name, c.rate, md.SamplingFrequency)}
		}

		entries, data, segUUID, err := openSegmentData(segDir, c.total, md)
		if err != nil {
			return nil, nil, err
		}
		c.segments = append(c.segments, segment{uuid: segUUID, data: data})
		for _, e := range entries {
			c.entries = append(c.entries, e)
			c.segOf = append(c.segOf, len(c.segments)-1)
		}
		c.total += md.NumSamples
	}

	ok = true
	return c, channelHeader, nil
}

// segmentDirs lists a channel's .segd directories ordered by name; writer
// naming embeds the zero-padded segment number so name order is segment
// order.
func segmentDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), SegmentExt) {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// openSegmentMetadata reads a segment's .tmet file, enforcing password
// validation before the header is accepted.
func openSegmentMetadata(segDir string, opts *ieeg.Options, key *[]byte) (*UniversalHeader, *metadata, error) {
	path, err := segmentFile(segDir, MetadataExt)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < universalHeaderBytes+metadataBytes {
		return nil, nil, fmt.Errorf("%s is %d bytes: %w", filepath.Base(path), len(raw), ieeg.ErrTruncatedFile)
	}

	uh, err := decodeUniversalHeader(raw, filepath.Base(path))
	if err != nil {
		return nil, nil, err
	}
	if uh.FileType != typeMetadata {
		return nil, nil, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(path),
			Err: fmt.Errorf("file type %q, want %q", uh.FileType, typeMetadata)}
	}

	if uh.EncryptionLevel > EncryptionNone {
		if opts.Password == "" {
			return nil, nil, fmt.Errorf("session is encrypted and no password was supplied: %w",
				ieeg.ErrAuthentication)
		}
		derived := dataKey(opts.Password)
		if !validatePassword(derived, uh) {
			return nil, nil, fmt.Errorf("password validation field mismatch: %w", ieeg.ErrAuthentication)
		}
		*key = derived
	}

	md, err := decodeMetadata(raw[universalHeaderBytes:])
	if err != nil {
		return nil, nil, err
	}
	if md.SamplingFrequency <= 0 || math.IsNaN(md.SamplingFrequency) || math.IsInf(md.SamplingFrequency, 0) {
		return nil, nil, &ieeg.HeaderError{Format: "mef3", Field: "sampling frequency",
			Err: fmt.Errorf("unusable rate %g", md.SamplingFrequency)}
	}
	if md.UnitsConversion == 0 {
		return nil, nil, &ieeg.IncompleteHeaderError{Format: "mef3", Field: "units conversion factor"}
	}
	if math.IsNaN(md.UnitsConversion) || math.IsInf(md.UnitsConversion, 0) {
		return nil, nil, &ieeg.HeaderError{Format: "mef3", Field: "units conversion factor",
			Err: fmt.Errorf("unusable factor %g", md.UnitsConversion)}
	}

	return uh, md, nil
}

// openSegmentData reads a segment's .tidx block table and opens its .tdat
// file, verifying that every indexed block lies within the file.
func openSegmentData(segDir string, sampleBase int64, md *metadata) ([]indexEntry, *os.File, uuid.UUID, error) {
	idxPath, err := segmentFile(segDir, IndexExt)
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	idxHeader, err := decodeUniversalHeader(raw, filepath.Base(idxPath))
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	if idxHeader.FileType != typeIndex {
		return nil, nil, uuid.UUID{}, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(idxPath),
			Err: fmt.Errorf("file type %q, want %q", idxHeader.FileType, typeIndex)}
	}
	if want := universalHeaderBytes + int(idxHeader.NumEntries)*indexEntryBytes; len(raw) < want {
		return nil, nil, uuid.UUID{}, fmt.Errorf("%s holds %d of %d declared index bytes: %w",
			filepath.Base(idxPath), len(raw), want, ieeg.ErrTruncatedFile)
	}
	if idxHeader.NumEntries != md.NumBlocks {
		return nil, nil, uuid.UUID{}, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(idxPath),
			Err: fmt.Errorf("index declares %d blocks, metadata %d", idxHeader.NumEntries, md.NumBlocks)}
	}

	entries := make([]indexEntry, idxHeader.NumEntries)
	var segSamples int64
	for i := range entries {
		entries[i] = decodeIndexEntry(raw[universalHeaderBytes+i*indexEntryBytes:])
		if want := sampleBase + segSamples; entries[i].StartSample != want {
			return nil, nil, uuid.UUID{}, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(idxPath),
				Err: fmt.Errorf("block %d starts at sample %d, want %d", i, entries[i].StartSample, want)}
		}
		segSamples += int64(entries[i].SampleCount)
	}
	if segSamples != md.NumSamples {
		return nil, nil, uuid.UUID{}, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(idxPath),
			Err: fmt.Errorf("index covers %d samples, metadata declares %d", segSamples, md.NumSamples)}
	}

	dataPath, err := segmentFile(segDir, DataExt)
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	data, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	ok := false
	defer func() {
		if !ok {
			data.Close()
		}
	}()

	var uhBuf [universalHeaderBytes]byte
	if _, err := io.ReadFull(data, uhBuf[:]); err != nil {
		return nil, nil, uuid.UUID{}, fmt.Errorf("%s: %w", filepath.Base(dataPath), ieeg.ErrTruncatedFile)
	}
	dataHeader, err := decodeUniversalHeader(uhBuf[:], filepath.Base(dataPath))
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	if dataHeader.FileType != typeData {
		return nil, nil, uuid.UUID{}, &ieeg.HeaderError{Format: "mef3", Field: filepath.Base(dataPath),
			Err: fmt.Errorf("file type %q, want %q", dataHeader.FileType, typeData)}
	}

	fi, err := data.Stat()
	if err != nil {
		return nil, nil, uuid.UUID{}, err
	}
	for i, e := range entries {
		if e.FileOffset < universalHeaderBytes || e.FileOffset+int64(e.ByteLength) > fi.Size() {
			return nil, nil, uuid.UUID{}, fmt.Errorf("block %d of %s ends at byte %d, file is %d bytes: %w",
				i, filepath.Base(dataPath), e.FileOffset+int64(e.ByteLength), fi.Size(), ieeg.ErrTruncatedFile)
		}
	}

	ok = true
	return entries, data, dataHeader.SegmentUUID, nil
}

// segmentFile locates the single file with the given extension in a
// segment directory.
func segmentFile(segDir, ext string) (string, error) {
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			return filepath.Join(segDir, e.Name()), nil
		}
	}
	return "", &ieeg.IncompleteHeaderError{Format: "mef3",
		Field: fmt.Sprintf("%s file in %s", ext, filepath.Base(segDir))}
}

// validateGeometry requires every channel to share the first channel's
// sample count, rate and block boundaries; the façade's block index is
// shared across channels.
func (r *reader) validateGeometry() error {
	first := r.channels[0]
	for _, c := range r.channels[1:] {
		if c.rate != first.rate {
			return &ieeg.HeaderError{Format: "mef3", Field: "sampling frequency",
				Err: fmt.Errorf("channel %s runs at %g Hz, %s at %g Hz", c.name, c.rate, first.name, first.rate)}
		}
		if c.total != first.total {
			return &ieeg.HeaderError{Format: "mef3", Field: "number of samples",
				Err: fmt.Errorf("channel %s holds %d samples, %s holds %d", c.name, c.total, first.name, first.total)}
		}
		if len(c.entries) != len(first.entries) {
			return &ieeg.HeaderError{Format: "mef3", Field: "time series indices",
				Err: fmt.Errorf("channel %s holds %d blocks, %s holds %d", c.name, len(c.entries), first.name, len(first.entries))}
		}
		for i := range c.entries {
			if c.entries[i].StartSample != first.entries[i].StartSample ||
				c.entries[i].SampleCount != first.entries[i].SampleCount {
				return &ieeg.HeaderError{Format: "mef3", Field: "time series indices",
					Err: fmt.Errorf("channel %s block %d is misaligned", c.name, i)}
			}
		}
	}
	return nil
}

func (r *reader) Header() *ieeg.RecordingHeader { return r.rec }
func (r *reader) Index() *ieeg.BlockIndex       { return r.index }

func (r *reader) Close() error {
	var errs []error
	for _, c := range r.channels {
		errs = append(errs, c.close())
	}
	return errors.Join(errs...)
}

// ReadBlockRange decodes samples [off, off+n) of block b. Compressed
// segments permit no sub-block addressing, so each touched block is read
// and decoded whole, then trimmed to the requested window.
func (r *reader) ReadBlockRange(b ieeg.Block, channels []int, off, n int64, dst [][]float64) error {
	for i, ch := range channels {
		c := r.channels[ch]
		e := c.entries[b.ID]
		seg := c.segments[c.segOf[b.ID]]

		if cap(r.blockBuf) < int(e.ByteLength) {
			r.blockBuf = make([]byte, e.ByteLength)
		}
		buf := r.blockBuf[:e.ByteLength]
		if _, err := seg.data.ReadAt(buf, e.FileOffset); err != nil {
			return fmt.Errorf("channel %s: %w", c.name, ieeg.ErrTruncatedFile)
		}

		hdr, payload, err := decodeBlockHeader(buf)
		if err != nil {
			return &ieeg.CorruptBlockError{Block: b.ID, Offset: e.FileOffset, Reason: err.Error()}
		}
		if hdr.SampleCount != e.SampleCount || hdr.StartSample != e.StartSample {
			return &ieeg.CorruptBlockError{Block: b.ID, Offset: e.FileOffset,
				Reason: "block header disagrees with index entry"}
		}

		if hdr.Flags&flagEncrypted != 0 {
			if r.key == nil {
				return fmt.Errorf("channel %s block %d is encrypted: %w", c.name, b.ID, ieeg.ErrAuthentication)
			}
			cryptBlockPayload(r.key, seg.uuid, hdr.StartSample, payload)
		}

		samples := r.scratch[:hdr.SampleCount]
		if err := decodeSamples(payload, int(hdr.SampleCount), samples); err != nil {
			return &ieeg.CorruptBlockError{Block: b.ID, Offset: e.FileOffset, Reason: err.Error()}
		}

		out := dst[i]
		for s := range out {
			out[s] = float64(samples[off+int64(s)])*c.gain + c.baseline
		}
	}
	return nil
}
