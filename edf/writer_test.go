// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/ieeg/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "test.edf"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	hdr := edf.Header{
		Version:            edf.Version0,
		PatientID:          "Patient X",
		RecordingID:        "Recording 1",
		StartTime:          time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		DataRecordDuration: time.Second,
		SignalCount:        1,
		Signals: []edf.Signal{
			{
				Label:             "EEG Fpz-Cz",
				TransducerType:    "AgAgCl electrode",
				PhysicalDimension: "uV",
				PhysicalMin:       -500,
				PhysicalMax:       500,
				DigitalMin:        -2048,
				DigitalMax:        2047,
				SamplesPerRecord:  256,
			},
		},
	}

	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	// Write some data records
	record := make([]float64, 256)
	for i := range record {
		record[i] = float64(i) // physical value
	}

	// Write the first data record
	err = ew.WriteRecord([][]float64{record})
	require.NoError(t, err)

	for i := range record {
		record[i] = float64(i - 256)
	}

	// Write the second data record
	err = ew.WriteRecord([][]float64{record})
	require.NoError(t, err)

	// Close the writer (this finalizes the header)
	require.NoError(t, ew.Close())

	// Rewind the file and parse the header back
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	parsed, err := edf.ParseHeader(f)
	require.NoError(t, err)

	assert.Equal(t, edf.Version0, parsed.Version)
	assert.Equal(t, "Patient X", parsed.PatientID)
	assert.Equal(t, "Recording 1", parsed.RecordingID)
	assert.Equal(t, hdr.StartTime, parsed.StartTime)
	assert.Equal(t, 2, parsed.DataRecords)
	assert.Equal(t, time.Second, parsed.DataRecordDuration)
	require.Len(t, parsed.Signals, 1)
	assert.Equal(t, "EEG Fpz-Cz", parsed.Signals[0].Label)
	assert.Equal(t, 256, parsed.Signals[0].SamplesPerRecord)
	assert.InDelta(t, 500, parsed.Signals[0].PhysicalMax, 1e-9)
}

func TestWriterRejectsRecordShapeMismatch(t *testing.T) {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "test.edf"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	ew, err := edf.Create(f, edf.Header{
		Version:            edf.Version0,
		StartTime:          time.Now(),
		DataRecordDuration: time.Second,
		SignalCount:        1,
		Signals: []edf.Signal{
			{
				Label:            "EEG C3",
				PhysicalMin:      -100,
				PhysicalMax:      100,
				DigitalMin:       -32768,
				DigitalMax:       32767,
				SamplesPerRecord: 128,
			},
		},
	})
	require.NoError(t, err)

	// Wrong number of signals.
	require.Error(t, ew.WriteRecord([][]float64{{1}, {2}}))

	// Wrong number of samples for the signal.
	require.Error(t, ew.WriteRecord([][]float64{make([]float64, 64)}))
}

func TestCreateRejectsEmptyCalibrationRange(t *testing.T) {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "test.edf"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	_, err = edf.Create(f, edf.Header{
		Version:            edf.Version0,
		StartTime:          time.Now(),
		DataRecordDuration: time.Second,
		SignalCount:        1,
		Signals: []edf.Signal{
			{
				Label:            "EEG C3",
				PhysicalMin:      100,
				PhysicalMax:      100,
				DigitalMin:       -32768,
				DigitalMax:       32767,
				SamplesPerRecord: 128,
			},
		},
	})
	require.Error(t, err)
}
