// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package edf implements the EDF/EDF+ backend: fixed 256-byte main header,
// 256 bytes of sub-header per signal, and fixed-size data records holding
// one contiguous 16-bit sample run per signal.
package edf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/ieeg"
)

func init() {
	ieeg.Register(ieeg.Format{
		Name: "edf",
		Detect: func(path string) bool {
			return strings.EqualFold(filepath.Ext(path), ".edf")
		},
		Open: open,
	})
}

// ParseHeader reads and validates an EDF/EDF+ header.
func ParseHeader(r io.Reader) (*Header, error) {
	reader := bufio.NewReader(r)

	b := make([]byte, 256)
	if _, err := io.ReadFull(reader, b); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	// Parse fields based on EDF/EDF+ specifications
	hdr := &Header{}
	hdr.Version = Version(strings.TrimSpace(string(b[0:8])))
	if hdr.Version != Version0 {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "version",
			Err: fmt.Errorf("unknown version %q", hdr.Version)}
	}
	hdr.PatientID = strings.TrimSpace(string(b[8:88]))
	hdr.RecordingID = strings.TrimSpace(string(b[88:168]))
	dateStr := strings.TrimSpace(string(b[168:176]))
	timeStr := strings.TrimSpace(string(b[176:184]))

	// Parse start date and time
	startDate, err := time.Parse("02.01.06", dateStr)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "startdate", Err: err}
	}
	startTime, err := time.Parse("15.04.05", timeStr)
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "starttime", Err: err}
	}
	hdr.StartTime = time.Date(startDate.Year(), startDate.Month(), startDate.Day(),
		startTime.Hour(), startTime.Minute(), startTime.Second(), 0, time.UTC)

	hdr.HeaderBytes, err = parseInt(b[184:192])
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "number of bytes in header record", Err: err}
	}

	hdr.Reserved = strings.TrimSpace(string(b[192:236]))

	hdr.DataRecords, err = parseInt(b[236:244])
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "number of data records", Err: err}
	}

	durationSecs, err := parseFloat(b[244:252])
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "duration of a data record", Err: err}
	}
	if durationSecs <= 0 {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "duration of a data record",
			Err: fmt.Errorf("non-positive duration %g", durationSecs)}
	}
	hdr.DataRecordDuration = time.Duration(durationSecs * float64(time.Second))

	hdr.SignalCount, err = parseInt(b[252:256])
	if err != nil {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "number of signals", Err: err}
	}
	if hdr.SignalCount <= 0 {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "number of signals",
			Err: fmt.Errorf("non-positive signal count %d", hdr.SignalCount)}
	}
	if want := 256 + hdr.SignalCount*256; hdr.HeaderBytes != want {
		return nil, &ieeg.HeaderError{Format: "edf", Field: "number of bytes in header record",
			Err: fmt.Errorf("declared %d bytes, %d signals imply %d", hdr.HeaderBytes, hdr.SignalCount, want)}
	}

	// Read signal sub-headers. Each field is stored as one run of
	// fixed-width ASCII slots, one slot per signal.
	hdr.Signals = make([]Signal, hdr.SignalCount)

	if err := eachSignal(reader, hdr.Signals, 16, func(sig *Signal, b []byte) error {
		sig.Label = strings.TrimSpace(string(b))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 80, func(sig *Signal, b []byte) error {
		sig.TransducerType = strings.TrimSpace(string(b))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) error {
		sig.PhysicalDimension = strings.TrimSpace(string(b))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) (err error) {
		sig.PhysicalMin, err = requireFloat(b, "physical minimum")
		return err
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) (err error) {
		sig.PhysicalMax, err = requireFloat(b, "physical maximum")
		return err
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) (err error) {
		sig.DigitalMin, err = requireInt(b, "digital minimum")
		return err
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) (err error) {
		sig.DigitalMax, err = requireInt(b, "digital maximum")
		return err
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 80, func(sig *Signal, b []byte) error {
		sig.Prefiltering = strings.TrimSpace(string(b))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 8, func(sig *Signal, b []byte) (err error) {
		sig.SamplesPerRecord, err = requireInt(b, "nr of samples in each data record")
		return err
	}); err != nil {
		return nil, err
	}

	if err := eachSignal(reader, hdr.Signals, 32, func(sig *Signal, b []byte) error {
		sig.Reserved = strings.TrimSpace(string(b))
		return nil
	}); err != nil {
		return nil, err
	}

	for i, sig := range hdr.Signals {
		if sig.SamplesPerRecord <= 0 {
			return nil, &ieeg.HeaderError{Format: "edf", Field: "nr of samples in each data record",
				Err: fmt.Errorf("signal %d: non-positive count %d", i, sig.SamplesPerRecord)}
		}
		if sig.Annotation() {
			continue
		}
		if sig.DigitalMax == sig.DigitalMin {
			return nil, &ieeg.HeaderError{Format: "edf", Field: "digital maximum",
				Err: fmt.Errorf("signal %d: digital range is empty", i)}
		}
		if sig.PhysicalMax == sig.PhysicalMin {
			return nil, &ieeg.HeaderError{Format: "edf", Field: "physical maximum",
				Err: fmt.Errorf("signal %d: physical range is empty", i)}
		}
		if gain := sig.Gain(); math.IsNaN(gain) || math.IsInf(gain, 0) || gain == 0 {
			return nil, &ieeg.HeaderError{Format: "edf", Field: "physical maximum",
				Err: fmt.Errorf("signal %d: scale factor %g is unusable", i, gain)}
		}
	}

	return hdr, nil
}

// eachSignal reads one fixed-width header slot per signal and applies fn.
func eachSignal(r io.Reader, signals []Signal, width int, fn func(*Signal, []byte) error) error {
	b := make([]byte, width)
	for i := range signals {
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading signal headers: %w", err)
		}
		if err := fn(&signals[i], b); err != nil {
			return err
		}
	}
	return nil
}

// reader is the EDF backend behind an ieeg.Recording.
type reader struct {
	f        *os.File
	hdr      *Header
	rec      *ieeg.RecordingHeader
	index    *ieeg.BlockIndex
	signalOf []int  // exposed channel index -> signal index in the record
	buf      []byte // scratch for block reads
}

func open(path string, opts *ieeg.Options) (ieeg.Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := newReader(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, opts *ieeg.Options) (*reader, error) {
	hdr, err := ParseHeader(f)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	recordSize := hdr.RecordSize()
	if hdr.DataRecords < 0 {
		// Writers that die mid-recording leave -1 here; recover the count
		// from the physical file size.
		hdr.DataRecords = int((fi.Size() - int64(hdr.HeaderBytes)) / int64(recordSize))
		opts.Logger.Warn("edf: record count missing from header, derived from file size",
			"records", hdr.DataRecords)
	}
	if extra := fi.Size() - int64(hdr.HeaderBytes) - int64(hdr.DataRecords)*int64(recordSize); extra > 0 {
		opts.Logger.Warn("edf: file carries bytes beyond the last declared record", "extra", extra)
	}

	// EDF permits a different rate per signal, but a rectangular sample
	// matrix needs one shared sample domain across the exposed channels.
	var signalOf []int
	samplesPerRecord := 0
	for i, sig := range hdr.Signals {
		if sig.Annotation() {
			continue
		}
		if samplesPerRecord == 0 {
			samplesPerRecord = sig.SamplesPerRecord
		} else if sig.SamplesPerRecord != samplesPerRecord {
			return nil, &ieeg.HeaderError{Format: "edf", Field: "nr of samples in each data record",
				Err: fmt.Errorf("signal %d: mixed sampling rates (%d and %d samples per record)",
					i, samplesPerRecord, sig.SamplesPerRecord)}
		}
		signalOf = append(signalOf, i)
	}
	if len(signalOf) == 0 {
		return nil, &ieeg.IncompleteHeaderError{Format: "edf", Field: "signals"}
	}

	index := ieeg.FixedBlockIndex(hdr.DataRecords, int64(samplesPerRecord),
		int64(hdr.HeaderBytes), int64(recordSize))
	if err := index.CheckWithin(fi.Size()); err != nil {
		return nil, err
	}

	channels := make([]ieeg.ChannelDescriptor, len(signalOf))
	for i, si := range signalOf {
		sig := hdr.Signals[si]
		channels[i] = ieeg.ChannelDescriptor{
			Label:        sig.Label,
			Unit:         sig.PhysicalDimension,
			SamplingRate: hdr.SamplingRate(si),
			Gain:         sig.Gain(),
			Baseline:     sig.Baseline(),
			Index:        i,
		}
	}

	extensions := map[string]string{
		"edf.patient_id":   hdr.PatientID,
		"edf.recording_id": hdr.RecordingID,
	}
	if hdr.Reserved != "" {
		extensions["edf.reserved"] = hdr.Reserved
	}
	if n := hdr.SignalCount - len(signalOf); n > 0 {
		extensions["edf.annotation_signals"] = strconv.Itoa(n)
	}

	return &reader{
		f:   f,
		hdr: hdr,
		rec: &ieeg.RecordingHeader{
			Format:      "edf",
			StartTime:   hdr.StartTime,
			Channels:    channels,
			SampleCount: index.TotalSamples(),
			Extensions:  extensions,
		},
		index:    index,
		signalOf: signalOf,
	}, nil
}

func (r *reader) Header() *ieeg.RecordingHeader { return r.rec }
func (r *reader) Index() *ieeg.BlockIndex       { return r.index }
func (r *reader) Close() error                  { return r.f.Close() }

// ReadBlockRange decodes samples [off, off+n) of the record b for the given
// channels. Each signal's run within a record is contiguous, so only the
// requested byte range of each run is read.
func (r *reader) ReadBlockRange(b ieeg.Block, channels []int, off, n int64, dst [][]float64) error {
	need := int(n) * bytesPerSample
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]

	for i, ch := range channels {
		si := r.signalOf[ch]
		pos := b.Offset + int64(r.hdr.signalOffset(si)) + off*bytesPerSample
		if _, err := r.f.ReadAt(buf, pos); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("record %d: %w", b.ID, ieeg.ErrTruncatedFile)
			}
			return fmt.Errorf("error reading sample data: %w", err)
		}

		gain, baseline := r.rec.Channels[ch].Gain, r.rec.Channels[ch].Baseline
		out := dst[i]
		for s := range out {
			digital := int16(binary.LittleEndian.Uint16(buf[s*bytesPerSample:]))
			out[s] = convertDigitalToPhysical(digital, gain, baseline)
		}
	}
	return nil
}

func parseFloat(b []byte) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}

func parseInt(b []byte) (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// requireFloat parses a mandatory numeric sub-header slot, distinguishing
// a blank slot (incomplete header) from garbage (parse failure).
func requireFloat(b []byte, field string) (float64, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, &ieeg.IncompleteHeaderError{Format: "edf", Field: field}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ieeg.HeaderError{Format: "edf", Field: field, Err: err}
	}
	return f, nil
}

func requireInt(b []byte, field string) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, &ieeg.IncompleteHeaderError{Format: "edf", Field: field}
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ieeg.HeaderError{Format: "edf", Field: field, Err: err}
	}
	return i, nil
}
