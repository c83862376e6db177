// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ieeg reads intracranial EEG recordings stored in EDF,
// BrainVision and MEF3 files, exposing one random-access sample API over
// all of them.
//
// Format backends register themselves on import, following the stdlib
// image package convention:
//
//	import (
//		"github.com/OpenPSG/ieeg"
//		_ "github.com/OpenPSG/ieeg/edf"
//	)
//
//	rec, err := ieeg.Open("sub-01_ses-1_ieeg.edf")
package ieeg

import (
	"fmt"
	"log/slog"
	"slices"
)

// Options holds open-time configuration shared by all backends.
type Options struct {
	// Password unlocks encrypted recordings (MEF3). Ignored by formats
	// without encryption.
	Password string

	// Logger receives warnings about tolerated header quirks and
	// out-of-window corruption. Defaults to slog.Default().
	Logger *slog.Logger
}

// Option configures Open.
type Option func(*Options)

// WithPassword supplies the password for encrypted recordings.
func WithPassword(password string) Option {
	return func(o *Options) { o.Password = password }
}

// WithLogger routes backend warnings to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Backend is the per-format capability set behind a recording handle.
// A backend is bound to one open recording and is not safe for concurrent
// use; the Recording façade is its only caller.
type Backend interface {
	// Header returns the parsed recording header.
	Header() *RecordingHeader

	// Index returns the block index computed at open time.
	Index() *BlockIndex

	// ReadBlockRange decodes samples [off, off+n) of block b for the given
	// storage-order channels into dst, one destination slice of length n
	// per channel, already in physical units. Implementations read only
	// the byte ranges the format's layout requires.
	ReadBlockRange(b Block, channels []int, off, n int64, dst [][]float64) error

	// Close releases file descriptors and decryption contexts.
	Close() error
}

// Format describes a registered backend.
type Format struct {
	// Name of the format (e.g. "edf").
	Name string

	// Detect reports whether the path looks like this format. Detection
	// is by extension and layout only; Open performs the real validation.
	Detect func(path string) bool

	// Open parses the header, builds the block index and returns a ready
	// backend. It must not return a partial backend on error.
	Open func(path string, opts *Options) (Backend, error)
}

var formats []Format

// Register makes a format available to Open. It is called from the init
// function of each backend package.
func Register(f Format) {
	formats = append(formats, f)
}

// Recording is an open recording handle. It owns the backend's file
// descriptors until Close. A Recording may be used from one goroutine at
// a time; independent Recordings are safe to use concurrently.
type Recording struct {
	backend Backend
	hdr     *RecordingHeader
	index   *BlockIndex
	logger  *slog.Logger
}

// Open opens a recording, dispatching to the backend that recognizes the
// path. It returns ErrUnsupportedFormat if no registered backend does.
func Open(path string, opts ...Option) (*Recording, error) {
	o := &Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	for _, f := range formats {
		if !f.Detect(path) {
			continue
		}
		backend, err := f.Open(path, o)
		if err != nil {
			return nil, fmt.Errorf("opening %s recording: %w", f.Name, err)
		}
		return &Recording{
			backend: backend,
			hdr:     backend.Header(),
			index:   backend.Index(),
			logger:  o.Logger,
		}, nil
	}

	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
}

// Header returns the recording header.
func (r *Recording) Header() *RecordingHeader { return r.hdr }

// Close releases the recording's file descriptors and decryption contexts.
func (r *Recording) Close() error { return r.backend.Close() }

// Read fetches samples [start, start+count) for the given storage-order
// channel indices and returns them as a channels-by-samples matrix in
// physical units, rows in request order.
//
// Blocks are decoded one at a time directly into the output rows, so the
// working memory beyond the result is bounded by the largest single block.
func (r *Recording) Read(channels []int, start, count int64) (*DecodedMatrix, error) {
	win, err := r.validate(channels, start, count)
	if err != nil {
		return nil, err
	}

	descriptors := make([]ChannelDescriptor, len(win.Channels))
	for i, ch := range win.Channels {
		descriptors[i] = r.hdr.Channels[ch]
	}
	m := NewDecodedMatrix(descriptors, int(win.Count))
	if len(win.Channels) == 0 || win.Count == 0 {
		return m, nil
	}

	dst := make([][]float64, len(win.Channels))
	for _, b := range r.index.Overlapping(win.Start, win.Count) {
		// Intersect the block with the requested window.
		off := max(win.Start-b.FirstSample, 0)
		end := min(win.Start+win.Count, b.FirstSample+b.Samples) - b.FirstSample
		at := b.FirstSample + off - win.Start // position within the output rows
		for i := range dst {
			dst[i] = m.Row(i)[at : at+end-off]
		}
		if err := r.backend.ReadBlockRange(b, win.Channels, off, end-off, dst); err != nil {
			return nil, fmt.Errorf("reading block %d: %w", b.ID, err)
		}
	}

	return m, nil
}

// ReadNamed is Read with channel labels instead of storage indices. Label
// lists typically come from a BIDS channels.tsv inclusion list.
func (r *Recording) ReadNamed(labels []string, start, count int64) (*DecodedMatrix, error) {
	channels := make([]int, len(labels))
	for i, label := range labels {
		ch := r.hdr.ChannelIndex(label)
		if ch < 0 {
			return nil, fmt.Errorf("channel %q: %w", label, ErrOutOfRange)
		}
		channels[i] = ch
	}
	return r.Read(channels, start, count)
}

func (r *Recording) validate(channels []int, start, count int64) (SampleWindow, error) {
	if count < 0 {
		return SampleWindow{}, fmt.Errorf("negative sample count %d: %w", count, ErrOutOfRange)
	}
	// Compare without forming start+count, which can overflow.
	if start < 0 || start > r.hdr.SampleCount || count > r.hdr.SampleCount-start {
		return SampleWindow{}, fmt.Errorf("window of %d samples at %d exceeds %d total: %w",
			count, start, r.hdr.SampleCount, ErrOutOfRange)
	}
	for i, ch := range channels {
		if ch < 0 || ch >= len(r.hdr.Channels) {
			return SampleWindow{}, fmt.Errorf("channel index %d of %d channels: %w",
				ch, len(r.hdr.Channels), ErrOutOfRange)
		}
		if slices.Contains(channels[:i], ch) {
			return SampleWindow{}, fmt.Errorf("duplicate channel index %d: %w", ch, ErrOutOfRange)
		}
	}
	return SampleWindow{Channels: channels, Start: start, Count: count}, nil
}
