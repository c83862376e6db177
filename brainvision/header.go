// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package brainvision implements the BrainVision Core Data Format backend:
// a text header file (.vhdr) describing a raw binary data file (.eeg) and
// an optional marker file (.vmrk). Unlike EDF the binary layout is not
// fixed; sample encoding and channel orientation are declared header
// fields and the parser branches on them.
package brainvision

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/ieeg"
	"gopkg.in/ini.v1"
)

// BinaryFormat is the declared sample encoding of the data file.
type BinaryFormat string

const (
	Int16   BinaryFormat = "INT_16"
	Int32   BinaryFormat = "INT_32"
	Float32 BinaryFormat = "IEEE_FLOAT_32"
)

// SampleBytes returns the storage size of one sample.
func (f BinaryFormat) SampleBytes() int {
	switch f {
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// Orientation is the declared channel layout of the data file.
type Orientation string

const (
	// Multiplexed stores one sample per channel per frame, frames in time
	// order (ch1 s1, ch2 s1, ..., ch1 s2, ...).
	Multiplexed Orientation = "MULTIPLEXED"
	// Vectorized stores each channel's samples contiguously.
	Vectorized Orientation = "VECTORIZED"
)

// Channel describes one entry of the [Channel Infos] section.
type Channel struct {
	Name       string
	Reference  string
	Resolution float64 // Physical value of one digital unit
	Unit       string
}

// Header represents a parsed .vhdr descriptor.
type Header struct {
	DataFile         string // Resolved path of the .eeg file
	MarkerFile       string // Resolved path of the .vmrk file, empty if absent
	Codepage         string
	Format           BinaryFormat
	Orientation      Orientation
	SamplingInterval float64 // Microseconds between samples
	DataPoints       int64   // Declared samples per channel, 0 if undeclared
	Channels         []Channel
	Unknown          map[string]string // Unrecognized header fields, preserved opaquely
}

// SamplingRate returns the shared sampling rate in Hz.
func (hdr *Header) SamplingRate() float64 {
	if hdr.SamplingInterval <= 0 {
		return 0
	}
	return 1e6 / hdr.SamplingInterval
}

// FrameBytes returns the byte size of one multiplexed frame.
func (hdr *Header) FrameBytes() int {
	return len(hdr.Channels) * hdr.Format.SampleBytes()
}

// Marker is one entry of the .vmrk marker file.
type Marker struct {
	Type        string
	Description string
	Position    int64  // One-based sample position, as stored
	Points      int64  // Length of the marked span in samples
	Channel     int    // Zero-based channel, -1 for all channels
	Date        string // Timestamp of "New Segment" markers, yyyymmddhhmmssuuuuuu
}

var headerLoadOptions = ini.LoadOptions{
	// The identification line ("Brain Vision Data Exchange Header File
	// Version 1.0") precedes the first section and is not key=value.
	SkipUnrecognizableLines: true,
}

// ParseHeader reads and validates a .vhdr descriptor. Companion file paths
// are resolved relative to the descriptor's directory.
func ParseHeader(path string) (*Header, error) {
	file, err := ini.LoadSources(headerLoadOptions, path)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "header file", Err: err}
	}

	hdr := &Header{Unknown: map[string]string{}}
	dir := filepath.Dir(path)

	common := file.Section("Common Infos")
	if v := common.Key("DataFile").String(); v != "" {
		hdr.DataFile = filepath.Join(dir, v)
	} else {
		return nil, &ieeg.IncompleteHeaderError{Format: "brainvision", Field: "DataFile"}
	}
	if v := common.Key("MarkerFile").String(); v != "" {
		hdr.MarkerFile = filepath.Join(dir, v)
	}
	hdr.Codepage = common.Key("Codepage").String()

	if v := common.Key("DataFormat").String(); !strings.EqualFold(v, "BINARY") {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "DataFormat",
			Err: fmt.Errorf("unsupported data format %q", v)}
	}

	hdr.Orientation = Orientation(strings.ToUpper(common.Key("DataOrientation").String()))
	switch hdr.Orientation {
	case Multiplexed, Vectorized:
	default:
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "DataOrientation",
			Err: fmt.Errorf("unknown orientation %q", hdr.Orientation)}
	}

	numChannels, err := common.Key("NumberOfChannels").Int()
	if err != nil || numChannels <= 0 {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "NumberOfChannels", Err: err}
	}

	hdr.SamplingInterval, err = common.Key("SamplingInterval").Float64()
	if err != nil || hdr.SamplingInterval <= 0 {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "SamplingInterval", Err: err}
	}

	if common.HasKey("DataPoints") {
		hdr.DataPoints, err = common.Key("DataPoints").Int64()
		if err != nil || hdr.DataPoints < 0 {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: "DataPoints", Err: err}
		}
	}

	binary := file.Section("Binary Infos")
	hdr.Format = BinaryFormat(strings.ToUpper(binary.Key("BinaryFormat").String()))
	if hdr.Format.SampleBytes() == 0 {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "BinaryFormat",
			Err: fmt.Errorf("unknown binary format %q", hdr.Format)}
	}

	hdr.Channels = make([]Channel, numChannels)
	channelInfos := file.Section("Channel Infos")
	for i := range hdr.Channels {
		key := fmt.Sprintf("Ch%d", i+1)
		if !channelInfos.HasKey(key) {
			return nil, &ieeg.IncompleteHeaderError{Format: "brainvision", Field: key}
		}
		hdr.Channels[i], err = parseChannel(channelInfos.Key(key).String())
		if err != nil {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: key, Err: err}
		}
	}

	// Preserve fields this parser does not interpret; they must never
	// block parsing.
	known := map[string]bool{
		"DataFile": true, "MarkerFile": true, "Codepage": true,
		"DataFormat": true, "DataOrientation": true,
		"NumberOfChannels": true, "SamplingInterval": true,
		"DataPoints": true, "BinaryFormat": true,
	}
	for _, section := range file.Sections() {
		if section.Name() == "Channel Infos" || section.Name() == ini.DefaultSection {
			continue
		}
		for _, key := range section.Keys() {
			if !known[key.Name()] {
				hdr.Unknown[section.Name()+"."+key.Name()] = key.String()
			}
		}
	}

	return hdr, nil
}

// parseChannel parses a "name,reference,resolution,unit" channel entry.
// Resolution and unit may be omitted; the defaults are 1.0 and microvolts.
func parseChannel(value string) (Channel, error) {
	parts := strings.Split(value, ",")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return Channel{}, fmt.Errorf("channel entry %q has no name", value)
	}

	ch := Channel{
		Name:       strings.TrimSpace(parts[0]),
		Resolution: 1.0,
		Unit:       "µV",
	}
	if len(parts) > 1 {
		ch.Reference = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		res, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return Channel{}, fmt.Errorf("channel resolution %q: %w", parts[2], err)
		}
		if res == 0 || math.IsNaN(res) || math.IsInf(res, 0) {
			return Channel{}, fmt.Errorf("channel resolution %g is unusable", res)
		}
		ch.Resolution = res
	}
	if len(parts) > 3 && strings.TrimSpace(parts[3]) != "" {
		ch.Unit = strings.TrimSpace(parts[3])
	}
	return ch, nil
}

// ParseMarkers reads a .vmrk marker file.
func ParseMarkers(path string) ([]Marker, error) {
	file, err := ini.LoadSources(headerLoadOptions, path)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "brainvision", Field: "marker file", Err: err}
	}

	section := file.Section("Marker Infos")
	var markers []Marker
	for i := 1; ; i++ {
		key := fmt.Sprintf("Mk%d", i)
		if !section.HasKey(key) {
			break
		}
		parts := strings.Split(section.Key(key).String(), ",")
		if len(parts) < 5 {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: key,
				Err: fmt.Errorf("marker entry has %d fields, want at least 5", len(parts))}
		}

		m := Marker{
			Type:        strings.TrimSpace(parts[0]),
			Description: strings.TrimSpace(parts[1]),
		}
		if m.Position, err = strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64); err != nil {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: key, Err: err}
		}
		if m.Points, err = strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64); err != nil {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: key, Err: err}
		}
		channel, err := strconv.Atoi(strings.TrimSpace(parts[4]))
		if err != nil {
			return nil, &ieeg.HeaderError{Format: "brainvision", Field: key, Err: err}
		}
		m.Channel = channel - 1 // stored one-based, 0 meaning all channels
		if len(parts) > 5 {
			m.Date = strings.TrimSpace(parts[5])
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// startTime extracts the recording start from the first "New Segment"
// marker, which carries a yyyymmddhhmmssuuuuuu timestamp.
func startTime(markers []Marker) (time.Time, bool) {
	for _, m := range markers {
		if m.Type == "New Segment" && len(m.Date) == 20 {
			t, err := time.Parse("20060102150405", m.Date[:14])
			if err != nil {
				return time.Time{}, false
			}
			micros, err := strconv.Atoi(m.Date[14:])
			if err != nil {
				return time.Time{}, false
			}
			return t.Add(time.Duration(micros) * time.Microsecond), true
		}
	}
	return time.Time{}, false
}
