// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package preproc_test

import (
	"testing"

	"github.com/OpenPSG/ieeg"
	"github.com/OpenPSG/ieeg/preproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMatrix(t *testing.T, labels []string, rate float64, rows [][]float64) *ieeg.DecodedMatrix {
	t.Helper()

	channels := make([]ieeg.ChannelDescriptor, len(labels))
	for i, label := range labels {
		channels[i] = ieeg.ChannelDescriptor{Label: label, SamplingRate: rate, Gain: 1, Index: i}
	}
	m := ieeg.NewDecodedMatrix(channels, len(rows[0]))
	for i, row := range rows {
		copy(m.Row(i), row)
	}
	return m
}

func TestCommonAverage(t *testing.T) {
	m := newMatrix(t, []string{"ch1", "ch2", "ch3", "ch4"}, 1000, [][]float64{
		{2, 4},
		{6, 8},
		{0, 0},
		{0, 0},
	})
	before := m.Clone()

	out, err := preproc.CommonAverage(m)
	require.NoError(t, err)

	// The across-channel average is [2, 3].
	assert.Equal(t, []float64{0, 1}, out.Row(0))
	assert.Equal(t, []float64{4, 5}, out.Row(1))
	assert.Equal(t, []float64{-2, -3}, out.Row(2))
	assert.Equal(t, []float64{-2, -3}, out.Row(3))

	// The input is untouched.
	assert.True(t, m.Equal(before))
}

func TestRerefChannel(t *testing.T) {
	m := newMatrix(t, []string{"ch1", "ch2", "ref"}, 1000, [][]float64{
		{5, 6, 7},
		{1, 1, 1},
		{2, 3, 4},
	})

	out, err := preproc.RerefChannel(m, "ref")
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 3, 3}, out.Row(0))
	assert.Equal(t, []float64{-1, -2, -3}, out.Row(1))
	assert.Equal(t, []float64{0, 0, 0}, out.Row(2))
}

func TestRerefGroups(t *testing.T) {
	m := newMatrix(t, []string{"L1", "L2", "R1", "R2"}, 1000, [][]float64{
		{2, 4},
		{4, 8},
		{10, 20},
		{30, 40},
	})

	out, err := preproc.Reref(m, []preproc.RerefGroup{
		{Targets: []string{"L1", "L2"}},
		{Targets: []string{"R1", "R2"}},
	})
	require.NoError(t, err)

	// Each hemisphere is referenced against its own average.
	assert.Equal(t, []float64{-1, -2}, out.Row(0))
	assert.Equal(t, []float64{1, 2}, out.Row(1))
	assert.Equal(t, []float64{-10, -10}, out.Row(2))
	assert.Equal(t, []float64{10, 10}, out.Row(3))
}

func TestRerefExplicitReferences(t *testing.T) {
	m := newMatrix(t, []string{"ch1", "ch2", "m1", "m2"}, 1000, [][]float64{
		{10, 10},
		{20, 20},
		{2, 4},
		{6, 8},
	})

	// Mastoid-style reference: targets against the mean of m1 and m2.
	out, err := preproc.Reref(m, []preproc.RerefGroup{
		{Targets: []string{"ch1", "ch2"}, References: []string{"m1", "m2"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{6, 4}, out.Row(0))
	assert.Equal(t, []float64{16, 14}, out.Row(1))
	// Non-targeted channels pass through unchanged.
	assert.Equal(t, []float64{2, 4}, out.Row(2))
}

func TestRerefMissingChannel(t *testing.T) {
	m := newMatrix(t, []string{"ch1", "ch2"}, 1000, [][]float64{
		{1, 2},
		{3, 4},
	})
	before := m.Clone()

	_, err := preproc.RerefChannel(m, "nope")
	assert.ErrorIs(t, err, ieeg.ErrReferenceChannelMissing)

	_, err = preproc.Reref(m, []preproc.RerefGroup{
		{Targets: []string{"ch1"}, References: []string{"missing"}},
	})
	assert.ErrorIs(t, err, ieeg.ErrReferenceChannelMissing)

	assert.True(t, m.Equal(before))
}

func TestRerefOverlappingGroups(t *testing.T) {
	m := newMatrix(t, []string{"ch1", "ch2"}, 1000, [][]float64{
		{1, 2},
		{3, 4},
	})

	_, err := preproc.Reref(m, []preproc.RerefGroup{
		{Targets: []string{"ch1", "ch2"}},
		{Targets: []string{"ch2"}},
	})
	assert.Error(t, err)
}
