// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package brainvision

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPSG/ieeg"
)

// blockSamples is the granularity of the arithmetic block index. The data
// file has no physical record structure, so the index carves it into
// fixed sample chunks to bound per-read working memory.
const blockSamples = 4096

func init() {
	ieeg.Register(ieeg.Format{
		Name:   "brainvision",
		Detect: detect,
		Open:   open,
	})
}

// detect accepts the .vhdr descriptor directly, or a .eeg data file with a
// sibling descriptor of the same stem.
func detect(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vhdr":
		return true
	case ".eeg":
		_, err := os.Stat(descriptorFor(path))
		return err == nil
	default:
		return false
	}
}

func descriptorFor(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".vhdr"
}

// reader is the BrainVision backend behind an ieeg.Recording.
type reader struct {
	f     *os.File // the .eeg data file
	hdr   *Header
	rec   *ieeg.RecordingHeader
	index *ieeg.BlockIndex
	run   int64  // physical samples per channel run on disk (vectorized)
	buf   []byte // scratch for block reads
}

func open(path string, opts *ieeg.Options) (ieeg.Backend, error) {
	if strings.EqualFold(filepath.Ext(path), ".eeg") {
		path = descriptorFor(path)
	}

	hdr, err := ParseHeader(path)
	if err != nil {
		return nil, err
	}
	for key, value := range hdr.Unknown {
		opts.Logger.Warn("brainvision: unrecognized header field preserved", "field", key, "value", value)
	}

	var markers []Marker
	if hdr.MarkerFile != "" {
		markers, err = ParseMarkers(hdr.MarkerFile)
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(hdr.DataFile)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "DataFile", Err: err}
	}

	r, err := newReader(f, hdr, markers, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, hdr *Header, markers []Marker, opts *ieeg.Options) (*reader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	frameBytes := int64(hdr.FrameBytes())
	total := fi.Size() / frameBytes
	if rem := fi.Size() % frameBytes; rem != 0 {
		// A partial trailing frame is a quirk, not corruption of the
		// complete frames before it.
		opts.Logger.Warn("brainvision: data file carries a partial trailing frame", "bytes", rem)
	}
	if total == 0 {
		return nil, fmt.Errorf("data file holds no complete frames: %w", ieeg.ErrTruncatedFile)
	}

	// Vectorized channel runs are laid out at the physical length of the
	// file, regardless of what the descriptor declares.
	run := total

	// When the descriptor declares a sample count, hold the data file to it.
	if hdr.DataPoints > 0 {
		if hdr.DataPoints > total {
			return nil, fmt.Errorf("header declares %d samples, data file holds %d: %w",
				hdr.DataPoints, total, ieeg.ErrTruncatedFile)
		}
		if hdr.DataPoints < total {
			opts.Logger.Warn("brainvision: data file longer than declared",
				"declared", hdr.DataPoints, "actual", total)
			total = hdr.DataPoints
		}
	}

	index, err := buildIndex(hdr, total)
	if err != nil {
		return nil, err
	}
	if hdr.Orientation == Multiplexed {
		if err := index.CheckWithin(fi.Size()); err != nil {
			return nil, err
		}
	} else if total*frameBytes > fi.Size() {
		return nil, ieeg.ErrTruncatedFile
	}

	channels := make([]ieeg.ChannelDescriptor, len(hdr.Channels))
	for i, ch := range hdr.Channels {
		channels[i] = ieeg.ChannelDescriptor{
			Label:        ch.Name,
			Unit:         ch.Unit,
			SamplingRate: hdr.SamplingRate(),
			Gain:         ch.Resolution,
			Baseline:     0,
			Index:        i,
		}
	}

	rec := &ieeg.RecordingHeader{
		Format:      "brainvision",
		Channels:    channels,
		SampleCount: total,
		Extensions: map[string]string{
			"brainvision.binary_format":    string(hdr.Format),
			"brainvision.data_orientation": string(hdr.Orientation),
			"brainvision.data_file":        hdr.DataFile,
		},
	}
	if hdr.MarkerFile != "" {
		rec.Extensions["brainvision.marker_file"] = hdr.MarkerFile
	}
	if hdr.Codepage != "" {
		rec.Extensions["brainvision.codepage"] = hdr.Codepage
	}
	for key, value := range hdr.Unknown {
		rec.Extensions["brainvision."+key] = value
	}
	for _, m := range markers {
		rec.Markers = append(rec.Markers, ieeg.Marker{
			Type:        m.Type,
			Description: m.Description,
			Position:    m.Position - 1, // stored one-based
			Duration:    m.Points,
			Channel:     m.Channel,
		})
	}
	if t, ok := startTime(markers); ok {
		rec.StartTime = t
	}

	return &reader{f: f, hdr: hdr, rec: rec, index: index, run: run}, nil
}

// buildIndex carves the data file into fixed-size sample chunks; the last
// chunk may be short. Byte ranges describe the multiplexed layout; the
// vectorized layout addresses per channel instead.
func buildIndex(hdr *Header, total int64) (*ieeg.BlockIndex, error) {
	frameBytes := int64(hdr.FrameBytes())
	numBlocks := int((total + blockSamples - 1) / blockSamples)
	blocks := make([]ieeg.Block, numBlocks)
	for i := range blocks {
		first := int64(i) * blockSamples
		samples := min(blockSamples, total-first)
		blocks[i] = ieeg.Block{
			ID:          i,
			FirstSample: first,
			Samples:     samples,
			Offset:      first * frameBytes,
			Length:      samples * frameBytes,
		}
	}
	return ieeg.NewBlockIndex(blocks)
}

func (r *reader) Header() *ieeg.RecordingHeader { return r.rec }
func (r *reader) Index() *ieeg.BlockIndex       { return r.index }
func (r *reader) Close() error                  { return r.f.Close() }

// ReadBlockRange decodes samples [off, off+n) of block b. For the
// vectorized layout each channel's run is contiguous and only the exact
// byte range per channel is read; the multiplexed layout interleaves
// channels per frame, so the minimal covering frame range is read once and
// de-interleaved.
func (r *reader) ReadBlockRange(b ieeg.Block, channels []int, off, n int64, dst [][]float64) error {
	sampleBytes := int64(r.hdr.Format.SampleBytes())

	if r.hdr.Orientation == Vectorized {
		need := int(n * sampleBytes)
		if cap(r.buf) < need {
			r.buf = make([]byte, need)
		}
		buf := r.buf[:need]
		for i, ch := range channels {
			pos := (int64(ch)*r.run + b.FirstSample + off) * sampleBytes
			if err := r.readAt(buf, pos, b); err != nil {
				return err
			}
			r.decode(buf, r.rec.Channels[ch].Gain, 1, dst[i])
		}
		return nil
	}

	frameBytes := int64(r.hdr.FrameBytes())
	need := int(n * frameBytes)
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]
	if err := r.readAt(buf, b.Offset+off*frameBytes, b); err != nil {
		return err
	}
	for i, ch := range channels {
		r.decode(buf[int64(ch)*sampleBytes:], r.rec.Channels[ch].Gain, len(r.hdr.Channels), dst[i])
	}
	return nil
}

func (r *reader) readAt(buf []byte, pos int64, b ieeg.Block) error {
	if _, err := r.f.ReadAt(buf, pos); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("block %d: %w", b.ID, ieeg.ErrTruncatedFile)
		}
		return fmt.Errorf("error reading sample data: %w", err)
	}
	return nil
}

// decode converts every stride-th raw sample of buf into physical units.
func (r *reader) decode(buf []byte, gain float64, stride int, out []float64) {
	step := stride * r.hdr.Format.SampleBytes()
	switch r.hdr.Format {
	case Int16:
		for s := range out {
			raw := int16(binary.LittleEndian.Uint16(buf[s*step:]))
			out[s] = float64(raw) * gain
		}
	case Int32:
		for s := range out {
			raw := int32(binary.LittleEndian.Uint32(buf[s*step:]))
			out[s] = float64(raw) * gain
		}
	case Float32:
		for s := range out {
			raw := math.Float32frombits(binary.LittleEndian.Uint32(buf[s*step:]))
			out[s] = float64(raw) * gain
		}
	}
}
