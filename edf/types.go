// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf

import (
	"math"
	"time"
)

type Version string

const (
	// Version0 represents the version of the EDF/EDF+ standard.
	Version0 Version = "0"
)

// AnnotationLabel is the signal label reserved by EDF+ for timestamped
// annotation lists. Annotation signals carry no physical samples and are
// excluded from the channel list exposed to readers.
const AnnotationLabel = "EDF Annotations"

// bytesPerSample is fixed by the EDF standard (16-bit two's complement).
const bytesPerSample = 2

// Header represents the EDF/EDF+ file header.
type Header struct {
	Version            Version       // Version of the EDF/EDF+ standard (usually "0")
	PatientID          string        // Identification of the patient
	RecordingID        string        // Identification of the recording session
	StartTime          time.Time     // Start date of the recording
	HeaderBytes        int           // Number of bytes in the header
	Reserved           string        // Reserved field ("EDF+C"/"EDF+D" for EDF+)
	DataRecordDuration time.Duration // Duration of a single data record
	DataRecords        int           // Number of data records, -1 if unknown
	SignalCount        int           // Number of signals in each data record
	Signals            []Signal      // Details of each signal
}

// Signal represents the characteristics of each signal in the EDF/EDF+ file.
type Signal struct {
	Label             string  // Label of the signal (e.g., EEG Fpz-Cz)
	TransducerType    string  // Type of transducer used
	PhysicalDimension string  // Physical dimension (e.g., uV, mV)
	PhysicalMin       float64 // Minimum physical value
	PhysicalMax       float64 // Maximum physical value
	DigitalMin        int     // Minimum digital value
	DigitalMax        int     // Maximum digital value
	Prefiltering      string  // Pre-filtering information
	SamplesPerRecord  int     // Number of samples in each data record for this signal
	Reserved          string  // Reserved for future use
}

// Annotation reports whether the signal is an EDF+ annotation signal.
func (s Signal) Annotation() bool { return s.Label == AnnotationLabel }

// Gain returns the digital-to-physical scale factor of the signal.
func (s Signal) Gain() float64 {
	if s.DigitalMax == s.DigitalMin {
		return 0
	}
	return (s.PhysicalMax - s.PhysicalMin) / float64(s.DigitalMax-s.DigitalMin)
}

// Baseline returns the digital-to-physical offset of the signal, such that
// physical = digital*Gain + Baseline.
func (s Signal) Baseline() float64 {
	return s.PhysicalMin - float64(s.DigitalMin)*s.Gain()
}

// SamplingRate returns the sampling rate of signal i in Hz.
func (hdr *Header) SamplingRate(i int) float64 {
	if hdr.DataRecordDuration <= 0 {
		return 0
	}
	return float64(hdr.Signals[i].SamplesPerRecord) / hdr.DataRecordDuration.Seconds()
}

// RecordSize returns the byte size of one data record.
func (hdr *Header) RecordSize() int {
	var size int
	for _, sig := range hdr.Signals {
		size += sig.SamplesPerRecord * bytesPerSample
	}
	return size
}

// signalOffset returns the byte offset of signal i's sample run within a
// data record.
func (hdr *Header) signalOffset(i int) int {
	var off int
	for _, sig := range hdr.Signals[:i] {
		off += sig.SamplesPerRecord * bytesPerSample
	}
	return off
}

// convertDigitalToPhysical converts a digital value from the data record to a physical value using the calibration factors.
func convertDigitalToPhysical(digital int16, gain, baseline float64) float64 {
	return float64(digital)*gain + baseline
}

// convertPhysicalToDigital converts a physical value to a digital value using the calibration factors.
func convertPhysicalToDigital(physical float64, pmin, pmax float64, dmin, dmax int) int16 {
	if pmax == pmin {
		return 0 // Avoid division by zero
	}
	digital := math.Round((physical - pmin) * float64(dmax-dmin) / (pmax - pmin) + float64(dmin))
	digital = math.Min(math.Max(digital, float64(dmin)), float64(dmax))
	return int16(digital)
}
