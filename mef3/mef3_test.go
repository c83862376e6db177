// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mef3_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/ieeg"
	"github.com/OpenPSG/ieeg/mef3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestSession writes a two-channel session of 100 samples split over
// 16-sample blocks. Gain 0.5 with integer half-unit values keeps
// quantization exact.
func writeTestSession(t *testing.T, password string) (string, [][]float64) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sess.mefd")
	w, err := mef3.Create(path, mef3.SessionConfig{
		Name:      "sess",
		StartTime: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		Channels: []mef3.ChannelConfig{
			{Name: "ecog01", SamplingRate: 2000, Gain: 0.5, Unit: "uV"},
			{Name: "ecog02", SamplingRate: 2000, Gain: 0.5, Unit: "uV"},
		},
		Password:     password,
		BlockSamples: 16,
	})
	require.NoError(t, err)

	want := [][]float64{make([]float64, 100), make([]float64, 100)}
	for i := range want[0] {
		want[0][i] = float64(i) * 0.5
		want[1][i] = -float64(i) * 0.5
	}

	// Two uneven chunks so buffering is exercised.
	require.NoError(t, w.WriteSamples([][]float64{want[0][:37], want[1][:37]}))
	require.NoError(t, w.WriteSamples([][]float64{want[0][37:], want[1][37:]}))
	require.NoError(t, w.Close())

	return path, want
}

func TestRoundTrip(t *testing.T) {
	path, want := writeTestSession(t, "")

	rec, err := ieeg.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	hdr := rec.Header()
	assert.Equal(t, "mef3", hdr.Format)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), hdr.StartTime.UTC())
	assert.Equal(t, int64(100), hdr.SampleCount)
	require.Len(t, hdr.Channels, 2)
	assert.Equal(t, "ecog01", hdr.Channels[0].Label)
	assert.Equal(t, "uV", hdr.Channels[0].Unit)
	assert.Equal(t, 2000.0, hdr.Channels[0].SamplingRate)
	assert.Equal(t, "sess", hdr.Extensions["mef3.session_name"])

	// Window crossing two block boundaries.
	m, err := rec.Read([]int{1, 0}, 10, 40)
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 40, cols)
	for i := 0; i < 40; i++ {
		assert.InDelta(t, want[1][10+i], m.At(0, i), 1e-9)
		assert.InDelta(t, want[0][10+i], m.At(1, i), 1e-9)
	}

	// Partial final block.
	m, err = rec.Read([]int{0}, 96, 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, want[0][96+i], m.At(0, i), 1e-9)
	}
}

func TestEncryptedSession(t *testing.T) {
	path, want := writeTestSession(t, "opensesame")

	_, err := ieeg.Open(path)
	assert.ErrorIs(t, err, ieeg.ErrAuthentication)

	_, err = ieeg.Open(path, ieeg.WithPassword("wrong"))
	assert.ErrorIs(t, err, ieeg.ErrAuthentication)

	rec, err := ieeg.Open(path, ieeg.WithPassword("opensesame"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	m, err := rec.Read([]int{0, 1}, 0, 100)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		assert.InDelta(t, want[0][i], m.At(0, i), 1e-9)
		assert.InDelta(t, want[1][i], m.At(1, i), 1e-9)
	}
}

func TestCorruptBlock(t *testing.T) {
	path, want := writeTestSession(t, "")

	// The file ends with the final block's payload; flipping its last
	// byte breaks that block's checksum and nothing else.
	dataPath := filepath.Join(path, "ecog01.timd", "ecog01-000000.segd", "ecog01-000000.tdat")
	raw, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(dataPath, raw, 0o644))

	rec, err := ieeg.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	// Intact blocks still read.
	m, err := rec.Read([]int{0}, 0, 96)
	require.NoError(t, err)
	for i := 0; i < 96; i++ {
		assert.InDelta(t, want[0][i], m.At(0, i), 1e-9)
	}

	_, err = rec.Read([]int{0}, 90, 10)
	assert.ErrorIs(t, err, ieeg.ErrCorruptBlock)
	var cbe *ieeg.CorruptBlockError
	assert.True(t, errors.As(err, &cbe))

	// The handle survives a failed read.
	_, err = rec.Read([]int{0}, 0, 16)
	assert.NoError(t, err)
}

func TestTruncatedDataFile(t *testing.T) {
	path, _ := writeTestSession(t, "")

	dataPath := filepath.Join(path, "ecog02.timd", "ecog02-000000.segd", "ecog02-000000.tdat")
	fi, err := os.Stat(dataPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(dataPath, fi.Size()-8))

	_, err = ieeg.Open(path)
	assert.ErrorIs(t, err, ieeg.ErrTruncatedFile)
}

func TestCreateValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := mef3.Create(filepath.Join(dir, "sess.mefd"), mef3.SessionConfig{})
	assert.Error(t, err)

	_, err = mef3.Create(filepath.Join(dir, "sess.mefd"), mef3.SessionConfig{
		Channels: []mef3.ChannelConfig{{Name: "a", SamplingRate: 0, Gain: 1}},
	})
	assert.Error(t, err)

	_, err = mef3.Create(filepath.Join(dir, "sess.mefd"), mef3.SessionConfig{
		Channels: []mef3.ChannelConfig{
			{Name: "a", SamplingRate: 100, Gain: 1},
			{Name: "a", SamplingRate: 100, Gain: 1},
		},
	})
	assert.Error(t, err)

	_, err = mef3.Create(filepath.Join(dir, "sess"), mef3.SessionConfig{
		Channels: []mef3.ChannelConfig{{Name: "a", SamplingRate: 100, Gain: 1}},
	})
	assert.Error(t, err)
}
