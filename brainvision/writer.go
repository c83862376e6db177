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
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const identificationLine = "Brain Vision Data Exchange Header File Version 1.0"

// Writer writes BrainVision .vhdr/.eeg/.vmrk triples.
type Writer struct {
	hdr       Header
	vhdrPath  string
	f         *os.File // the .eeg data file
	w         *bufio.Writer
	startTime time.Time
	samples   int64
	markers   []Marker
	buffered  [][]float64 // per-channel buffer for the vectorized layout
}

// Create creates a recording set next to the given .vhdr path. Companion
// file names share the descriptor's stem. The header's DataFile,
// MarkerFile and DataPoints fields are filled in by the writer.
func Create(vhdrPath string, hdr Header, start time.Time) (*Writer, error) {
	if len(hdr.Channels) == 0 {
		return nil, fmt.Errorf("header declares no channels")
	}
	if hdr.Format.SampleBytes() == 0 {
		return nil, fmt.Errorf("unknown binary format %q", hdr.Format)
	}
	if hdr.Orientation != Multiplexed && hdr.Orientation != Vectorized {
		return nil, fmt.Errorf("unknown orientation %q", hdr.Orientation)
	}
	if hdr.SamplingInterval <= 0 {
		return nil, fmt.Errorf("non-positive sampling interval %g", hdr.SamplingInterval)
	}
	for i, ch := range hdr.Channels {
		if ch.Resolution == 0 || math.IsNaN(ch.Resolution) || math.IsInf(ch.Resolution, 0) {
			return nil, fmt.Errorf("channel %d: resolution %g is unusable", i, ch.Resolution)
		}
	}

	stem := strings.TrimSuffix(vhdrPath, filepath.Ext(vhdrPath))
	hdr.DataFile = stem + ".eeg"
	hdr.MarkerFile = stem + ".vmrk"

	f, err := os.OpenFile(hdr.DataFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		hdr:       hdr,
		vhdrPath:  vhdrPath,
		f:         f,
		w:         bufio.NewWriter(f),
		startTime: start,
	}
	if hdr.Orientation == Vectorized {
		w.buffered = make([][]float64, len(hdr.Channels))
	}
	return w, nil
}

// AddMarker records a marker to be written to the .vmrk file on Close.
func (w *Writer) AddMarker(m Marker) {
	w.markers = append(w.markers, m)
}

// WriteSamples appends a channels-by-samples chunk of physical values.
func (w *Writer) WriteSamples(chunk [][]float64) error {
	if len(chunk) != len(w.hdr.Channels) {
		return fmt.Errorf("expected %d channels, got %d", len(w.hdr.Channels), len(chunk))
	}
	n := len(chunk[0])
	for i, samples := range chunk {
		if len(samples) != n {
			return fmt.Errorf("channel %d: expected %d samples, got %d", i, n, len(samples))
		}
	}

	if w.hdr.Orientation == Vectorized {
		// Channel runs are contiguous on disk, so writing must wait until
		// the total length is known.
		for i := range chunk {
			w.buffered[i] = append(w.buffered[i], chunk[i]...)
		}
		w.samples += int64(n)
		return nil
	}

	for s := 0; s < n; s++ {
		for i := range chunk {
			if err := w.encode(chunk[i][s], w.hdr.Channels[i].Resolution); err != nil {
				return err
			}
		}
	}
	w.samples += int64(n)
	return nil
}

// Close flushes the data file and writes the descriptor and marker files.
func (w *Writer) Close() error {
	if w.hdr.Orientation == Vectorized {
		for i := range w.buffered {
			for _, sample := range w.buffered[i] {
				if err := w.encode(sample, w.hdr.Channels[i].Resolution); err != nil {
					return err
				}
			}
		}
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}

	if err := w.writeDescriptor(); err != nil {
		return err
	}
	return w.writeMarkers()
}

func (w *Writer) encode(physical, resolution float64) error {
	raw := physical / resolution
	switch w.hdr.Format {
	case Int16:
		v := math.Round(raw)
		v = math.Min(math.Max(v, math.MinInt16), math.MaxInt16)
		return binary.Write(w.w, binary.LittleEndian, int16(v))
	case Int32:
		v := math.Round(raw)
		v = math.Min(math.Max(v, math.MinInt32), math.MaxInt32)
		return binary.Write(w.w, binary.LittleEndian, int32(v))
	case Float32:
		return binary.Write(w.w, binary.LittleEndian, float32(raw))
	default:
		return fmt.Errorf("unknown binary format %q", w.hdr.Format)
	}
}

func (w *Writer) writeDescriptor() error {
	file := ini.Empty()

	common, err := file.NewSection("Common Infos")
	if err != nil {
		return err
	}
	common.NewKey("Codepage", "UTF-8")
	common.NewKey("DataFile", filepath.Base(w.hdr.DataFile))
	common.NewKey("MarkerFile", filepath.Base(w.hdr.MarkerFile))
	common.NewKey("DataFormat", "BINARY")
	common.NewKey("DataOrientation", string(w.hdr.Orientation))
	common.NewKey("NumberOfChannels", fmt.Sprintf("%d", len(w.hdr.Channels)))
	common.NewKey("SamplingInterval", fmt.Sprintf("%g", w.hdr.SamplingInterval))
	common.NewKey("DataPoints", fmt.Sprintf("%d", w.samples))

	binaryInfos, err := file.NewSection("Binary Infos")
	if err != nil {
		return err
	}
	binaryInfos.NewKey("BinaryFormat", string(w.hdr.Format))

	channelInfos, err := file.NewSection("Channel Infos")
	if err != nil {
		return err
	}
	for i, ch := range w.hdr.Channels {
		channelInfos.NewKey(fmt.Sprintf("Ch%d", i+1),
			fmt.Sprintf("%s,%s,%g,%s", ch.Name, ch.Reference, ch.Resolution, ch.Unit))
	}

	return writeWithBanner(w.vhdrPath, identificationLine, file)
}

func (w *Writer) writeMarkers() error {
	file := ini.Empty()

	common, err := file.NewSection("Common Infos")
	if err != nil {
		return err
	}
	common.NewKey("DataFile", filepath.Base(w.hdr.DataFile))

	markerInfos, err := file.NewSection("Marker Infos")
	if err != nil {
		return err
	}

	// The first marker of a recording is always a New Segment carrying the
	// acquisition timestamp.
	markers := append([]Marker{{
		Type:     "New Segment",
		Position: 1,
		Points:   1,
		Channel:  -1,
		Date:     w.startTime.Format("20060102150405") + fmt.Sprintf("%06d", w.startTime.Nanosecond()/1000),
	}}, w.markers...)

	for i, m := range markers {
		markerInfos.NewKey(fmt.Sprintf("Mk%d", i+1),
			fmt.Sprintf("%s,%s,%d,%d,%d,%s", m.Type, m.Description, m.Position, m.Points, m.Channel+1, m.Date))
	}

	return writeWithBanner(w.hdr.MarkerFile, "Brain Vision Data Exchange Marker File, Version 1.0", file)
}

func writeWithBanner(path, banner string, file *ini.File) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, banner); err != nil {
		return err
	}
	if _, err := file.WriteTo(f); err != nil {
		return err
	}
	return nil
}
