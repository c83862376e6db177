// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ieeg

import "gonum.org/v1/gonum/mat"

// DecodedMatrix is a dense channels-by-samples buffer of physical-unit
// values. The row order is the channel order of the request that produced
// it, which is not necessarily file order. A matrix is owned exclusively
// by its caller; the reader keeps no reference after returning one.
type DecodedMatrix struct {
	channels []ChannelDescriptor
	samples  int
	data     *mat.Dense // nil when either dimension is zero
}

// NewDecodedMatrix allocates a zeroed matrix for the given channels and
// sample count.
func NewDecodedMatrix(channels []ChannelDescriptor, samples int) *DecodedMatrix {
	chs := make([]ChannelDescriptor, len(channels))
	copy(chs, channels)
	m := &DecodedMatrix{channels: chs, samples: samples}
	if len(chs) > 0 && samples > 0 {
		m.data = mat.NewDense(len(chs), samples, nil)
	}
	return m
}

// Dims returns the number of channels and samples.
func (m *DecodedMatrix) Dims() (channels, samples int) {
	return len(m.channels), m.samples
}

// Channels returns the descriptors of the matrix rows, in row order.
func (m *DecodedMatrix) Channels() []ChannelDescriptor { return m.channels }

// ChannelIndex returns the row of the channel with the given label, or -1.
func (m *DecodedMatrix) ChannelIndex(label string) int {
	for i, ch := range m.channels {
		if ch.Label == label {
			return i
		}
	}
	return -1
}

// At returns the physical value of the given channel row and sample, or 0
// when either dimension is zero.
func (m *DecodedMatrix) At(channel, sample int) float64 {
	if m.data == nil {
		return 0
	}
	return m.data.At(channel, sample)
}

// Row returns the backing slice of a channel row. Writes to the slice
// modify the matrix.
func (m *DecodedMatrix) Row(channel int) []float64 {
	if m.data == nil {
		return nil
	}
	return m.data.RawRowView(channel)
}

// Dense returns the underlying gonum matrix, or nil for an empty matrix.
func (m *DecodedMatrix) Dense() *mat.Dense { return m.data }

// Clone returns a deep copy sharing no storage with the receiver.
func (m *DecodedMatrix) Clone() *DecodedMatrix {
	out := &DecodedMatrix{
		channels: make([]ChannelDescriptor, len(m.channels)),
		samples:  m.samples,
	}
	copy(out.channels, m.channels)
	if m.data != nil {
		out.data = mat.DenseCopyOf(m.data)
	}
	return out
}

// Equal reports whether two matrices have identical channels and
// bit-identical values.
func (m *DecodedMatrix) Equal(other *DecodedMatrix) bool {
	if len(m.channels) != len(other.channels) || m.samples != other.samples {
		return false
	}
	for i := range m.channels {
		if m.channels[i] != other.channels[i] {
			return false
		}
	}
	if m.data == nil || other.data == nil {
		return m.data == other.data
	}
	return mat.Equal(m.data, other.data)
}
