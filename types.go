// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ieeg

import "time"

// ChannelDescriptor describes a single recorded channel. Descriptors are
// built once when a recording is opened and are immutable afterwards.
type ChannelDescriptor struct {
	Label        string  // Channel label, unique within a recording (e.g. LTP02)
	Unit         string  // Physical unit of the decoded samples (e.g. uV)
	SamplingRate float64 // Samples per second
	Gain         float64 // Raw-to-physical scale factor
	Baseline     float64 // Raw-to-physical offset; physical = raw*Gain + Baseline
	Index        int     // Storage order of the channel within the file
}

// Marker is a point or span of interest within a recording, such as a
// BrainVision marker or an EDF+ annotation.
type Marker struct {
	Type        string // Marker class (e.g. "Stimulus", "New Segment")
	Description string
	Position    int64 // Sample offset of the marker
	Duration    int64 // Length of the marked span in samples, 0 for point markers
	Channel     int   // Storage index of the related channel, -1 if all channels
}

// RecordingHeader is the format-agnostic description of an open recording.
// It is owned by the recording handle and read-only after parsing.
type RecordingHeader struct {
	Format      string              // Backend format name (e.g. "edf")
	StartTime   time.Time           // Start of the recording
	Channels    []ChannelDescriptor // On-disk channel order
	SampleCount int64               // Samples per channel
	Markers     []Marker            // Annotations/markers, if the format carries any
	Extensions  map[string]string   // Vendor/format-specific header fields, preserved opaquely
}

// ChannelIndex returns the storage index of the channel with the given
// label, or -1 if no such channel exists.
func (hdr *RecordingHeader) ChannelIndex(label string) int {
	for i, ch := range hdr.Channels {
		if ch.Label == label {
			return i
		}
	}
	return -1
}

// SamplingRate returns the shared sampling rate of all channels.
func (hdr *RecordingHeader) SamplingRate() float64 {
	if len(hdr.Channels) == 0 {
		return 0
	}
	return hdr.Channels[0].SamplingRate
}

// Duration returns the length of the recording.
func (hdr *RecordingHeader) Duration() time.Duration {
	rate := hdr.SamplingRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(hdr.SampleCount) / rate * float64(time.Second))
}

// SampleWindow is a validated request for a range of samples from a subset
// of channels.
type SampleWindow struct {
	Channels []int // Storage indices, unique, in requested output order
	Start    int64 // First sample, inclusive
	Count    int64 // Number of samples per channel
}
