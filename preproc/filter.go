// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package preproc

import (
	"fmt"
	"math"

	"github.com/OpenPSG/ieeg"
)

// FilterType selects the filter response.
type FilterType int

const (
	// HighPass is a Butterworth high-pass filter of the given order.
	HighPass FilterType = iota
	// Notch is a second-order band-reject filter centered on Cutoff.
	Notch
)

func (t FilterType) String() string {
	switch t {
	case HighPass:
		return "high-pass"
	case Notch:
		return "notch"
	default:
		return fmt.Sprintf("FilterType(%d)", int(t))
	}
}

// DefaultOrder is the high-pass filter order used when FilterSpec leaves
// Order zero.
const DefaultOrder = 4

// FilterSpec describes one filtering stage.
type FilterSpec struct {
	Type FilterType

	// Cutoff is the corner frequency of a high-pass filter or the center
	// frequency of a notch, in Hz. Must lie below the Nyquist frequency of
	// every channel being filtered.
	Cutoff float64

	// Order of the Butterworth high-pass. Must be even; zero selects
	// DefaultOrder. Ignored for notch filters.
	Order int

	// Bandwidth is the -3 dB width of a notch in Hz. Zero selects
	// Cutoff/35, a conventional powerline notch width.
	Bandwidth float64

	// ZeroPhase applies the filter forward and backward over
	// reflection-padded data, cancelling the phase shift. Otherwise the
	// filter runs causally.
	ZeroPhase bool
}

// Filter applies spec to every channel and returns the filtered matrix.
// Channels are filtered at their own sampling rate.
func Filter(m *ieeg.DecodedMatrix, spec FilterSpec) (*ieeg.DecodedMatrix, error) {
	channels, samples := m.Dims()

	// Validate against every channel before touching any values.
	sections := make(map[float64][]biquad, 1)
	for row := 0; row < channels; row++ {
		rate := m.Channels()[row].SamplingRate
		if _, ok := sections[rate]; ok {
			continue
		}
		s, err := design(spec, rate)
		if err != nil {
			return nil, err
		}
		sections[rate] = s
	}

	out := m.Clone()
	if samples == 0 {
		return out, nil
	}
	for row := 0; row < channels; row++ {
		s := sections[m.Channels()[row].SamplingRate]
		if spec.ZeroPhase {
			filtfilt(s, out.Row(row))
		} else {
			for i := range s {
				s[i].apply(out.Row(row))
			}
		}
	}
	return out, nil
}

// design validates spec against one sampling rate and returns the biquad
// cascade realizing it.
func design(spec FilterSpec, rate float64) ([]biquad, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("unusable sampling rate %g: %w", rate, ieeg.ErrInvalidFilterSpec)
	}
	if spec.Cutoff <= 0 || math.IsNaN(spec.Cutoff) || math.IsInf(spec.Cutoff, 0) {
		return nil, fmt.Errorf("%s cutoff %g Hz: %w", spec.Type, spec.Cutoff, ieeg.ErrInvalidFilterSpec)
	}
	if spec.Cutoff >= rate/2 {
		return nil, fmt.Errorf("%s cutoff %g Hz is at or above the %g Hz Nyquist frequency: %w",
			spec.Type, spec.Cutoff, rate/2, ieeg.ErrInvalidFilterSpec)
	}

	switch spec.Type {
	case HighPass:
		order := spec.Order
		if order == 0 {
			order = DefaultOrder
		}
		if order < 0 || order%2 != 0 {
			return nil, fmt.Errorf("high-pass order %d must be a positive even number: %w",
				order, ieeg.ErrInvalidFilterSpec)
		}
		return butterworthHighPass(order, spec.Cutoff, rate), nil
	case Notch:
		bw := spec.Bandwidth
		if bw == 0 {
			bw = spec.Cutoff / 35
		}
		if bw <= 0 || math.IsNaN(bw) || math.IsInf(bw, 0) {
			return nil, fmt.Errorf("notch bandwidth %g Hz: %w", bw, ieeg.ErrInvalidFilterSpec)
		}
		return []biquad{notch(spec.Cutoff, bw, rate)}, nil
	default:
		return nil, fmt.Errorf("filter type %d: %w", int(spec.Type), ieeg.ErrInvalidFilterSpec)
	}
}

// biquad is one second-order IIR section with normalized a0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// apply runs the section causally in place (direct form II transposed).
func (s biquad) apply(x []float64) {
	var z1, z2 float64
	for i, v := range x {
		y := s.b0*v + z1
		z1 = s.b1*v - s.a1*y + z2
		z2 = s.b2*v - s.a2*y
		x[i] = y
	}
}

// butterworthHighPass builds an even-order Butterworth high-pass as a
// cascade of order/2 sections. Section Q values follow from the
// Butterworth pole angles, theta = (2k+1)*pi/(2*order).
func butterworthHighPass(order int, cutoff, rate float64) []biquad {
	sections := make([]biquad, order/2)
	for k := range sections {
		theta := float64(2*k+1) * math.Pi / (2 * float64(order))
		q := 1 / (2 * math.Cos(theta))
		sections[k] = highPassSection(cutoff, q, rate)
	}
	return sections
}

// highPassSection is the RBJ cookbook high-pass biquad.
func highPassSection(cutoff, q, rate float64) biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw0) / 2 / a0,
		b1: -(1 + cosw0) / a0,
		b2: (1 + cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// notch is the RBJ cookbook band-reject biquad with Q = center/bandwidth.
func notch(center, bandwidth, rate float64) biquad {
	w0 := 2 * math.Pi * center / rate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) * bandwidth / (2 * center)
	a0 := 1 + alpha
	return biquad{
		b0: 1 / a0,
		b1: -2 * cosw0 / a0,
		b2: 1 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// filtfilt runs the cascade forward and backward over x, padding both ends
// with an odd reflection so the filter settles before real data begins.
func filtfilt(sections []biquad, x []float64) {
	if len(x) < 2 {
		return
	}
	pad := 3 * (2*len(sections) + 1)
	if pad > len(x)-1 {
		pad = len(x) - 1
	}

	ext := make([]float64, pad+len(x)+pad)
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[pad+len(x)+i] = 2*x[len(x)-1] - x[len(x)-2-i]
	}
	copy(ext[pad:], x)

	for i := range sections {
		sections[i].apply(ext)
	}
	reverse(ext)
	for i := range sections {
		sections[i].apply(ext)
	}
	reverse(ext)

	copy(x, ext[pad:pad+len(x)])
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
