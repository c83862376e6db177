// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ieeg_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/ieeg"
	"github.com/OpenPSG/ieeg/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestRecording opens a three-channel EDF recording with four records
// of 100 samples each.
func openTestRecording(t *testing.T) *ieeg.Recording {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.edf")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	signal := edf.Signal{
		PhysicalDimension: "uV",
		PhysicalMin:       -3276.8,
		PhysicalMax:       3276.7,
		DigitalMin:        -32768,
		DigitalMax:        32767,
		SamplesPerRecord:  100,
	}
	signals := make([]edf.Signal, 3)
	for i := range signals {
		signals[i] = signal
		signals[i].Label = []string{"LTP01", "LTP02", "LTP03"}[i]
	}

	ew, err := edf.Create(f, edf.Header{
		Version:            edf.Version0,
		StartTime:          time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		DataRecordDuration: time.Second,
		SignalCount:        3,
		Signals:            signals,
	})
	require.NoError(t, err)

	for rec := 0; rec < 4; rec++ {
		records := make([][]float64, 3)
		for ch := range records {
			records[ch] = make([]float64, 100)
			for i := range records[ch] {
				records[ch][i] = float64(ch+1) * float64(rec*100+i) * 0.1
			}
		}
		require.NoError(t, ew.WriteRecord(records))
	}
	require.NoError(t, ew.Close())
	require.NoError(t, f.Close())

	rec, err := ieeg.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})
	return rec
}

func TestReadSubWindowConcatenation(t *testing.T) {
	rec := openTestRecording(t)

	full, err := rec.Read([]int{0, 1, 2}, 0, 400)
	require.NoError(t, err)

	// Splitting on a non-record boundary must yield identical values.
	first, err := rec.Read([]int{0, 1, 2}, 0, 137)
	require.NoError(t, err)
	second, err := rec.Read([]int{0, 1, 2}, 137, 263)
	require.NoError(t, err)

	for ch := 0; ch < 3; ch++ {
		for i := 0; i < 137; i++ {
			assert.Equal(t, full.At(ch, i), first.At(ch, i))
		}
		for i := 137; i < 400; i++ {
			assert.Equal(t, full.At(ch, i), second.At(ch, i-137))
		}
	}
}

func TestReadDeterminism(t *testing.T) {
	rec := openTestRecording(t)

	a, err := rec.Read([]int{2, 0}, 50, 200)
	require.NoError(t, err)
	b, err := rec.Read([]int{2, 0}, 50, 200)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
}

func TestReadNamed(t *testing.T) {
	rec := openTestRecording(t)

	m, err := rec.ReadNamed([]string{"LTP03", "LTP01"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "LTP03", m.Channels()[0].Label)
	assert.Equal(t, "LTP01", m.Channels()[1].Label)

	byIndex, err := rec.Read([]int{2, 0}, 0, 10)
	require.NoError(t, err)
	assert.True(t, m.Equal(byIndex))

	_, err = rec.ReadNamed([]string{"nope"}, 0, 10)
	assert.ErrorIs(t, err, ieeg.ErrOutOfRange)
}

func TestReadEmptyWindow(t *testing.T) {
	rec := openTestRecording(t)

	m, err := rec.Read([]int{0, 1}, 10, 0)
	require.NoError(t, err)
	channels, samples := m.Dims()
	assert.Equal(t, 2, channels)
	assert.Equal(t, 0, samples)

	m, err = rec.Read(nil, 0, 50)
	require.NoError(t, err)
	channels, samples = m.Dims()
	assert.Equal(t, 0, channels)
	assert.Equal(t, 50, samples)
}

func TestHeaderDuration(t *testing.T) {
	rec := openTestRecording(t)

	hdr := rec.Header()
	assert.Equal(t, int64(400), hdr.SampleCount)
	assert.Equal(t, 100.0, hdr.Channels[0].SamplingRate)
	assert.Equal(t, 4*time.Second, hdr.Duration())
}
