// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package brainvision_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/ieeg"
	"github.com/OpenPSG/ieeg/brainvision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

// writeTestRecording writes a three-channel, 6000-sample recording whose
// channel values are i, 2i and -i scaled into physical units.
func writeTestRecording(t *testing.T, format brainvision.BinaryFormat, orientation brainvision.Orientation) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sub-01_ieeg.vhdr")
	hdr := brainvision.Header{
		Format:           format,
		Orientation:      orientation,
		SamplingInterval: 500, // 2000 Hz
		Channels: []brainvision.Channel{
			{Name: "LTP01", Resolution: 0.5, Unit: "µV"},
			{Name: "LTP02", Resolution: 0.5, Unit: "µV"},
			{Name: "LTP03", Resolution: 0.5, Unit: "µV"},
		},
	}

	w, err := brainvision.Create(path, hdr, testStart)
	require.NoError(t, err)

	w.AddMarker(brainvision.Marker{
		Type:        "Stimulus",
		Description: "S  1",
		Position:    100,
		Points:      1,
		Channel:     -1,
	})

	// Write in two chunks to cover append behavior.
	for _, bounds := range [][2]int{{0, 2500}, {2500, 6000}} {
		chunk := make([][]float64, 3)
		for c := range chunk {
			chunk[c] = make([]float64, bounds[1]-bounds[0])
		}
		for i := bounds[0]; i < bounds[1]; i++ {
			chunk[0][i-bounds[0]] = float64(i) * 0.5
			chunk[1][i-bounds[0]] = float64(2*i) * 0.5
			chunk[2][i-bounds[0]] = -float64(i) * 0.5
		}
		require.NoError(t, w.WriteSamples(chunk))
	}
	require.NoError(t, w.Close())

	return path
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []brainvision.BinaryFormat{brainvision.Int16, brainvision.Int32, brainvision.Float32} {
		for _, orientation := range []brainvision.Orientation{brainvision.Multiplexed, brainvision.Vectorized} {
			t.Run(fmt.Sprintf("%s_%s", format, orientation), func(t *testing.T) {
				rec, err := ieeg.Open(writeTestRecording(t, format, orientation))
				require.NoError(t, err)
				t.Cleanup(func() {
					require.NoError(t, rec.Close())
				})

				hdr := rec.Header()
				assert.Equal(t, "brainvision", hdr.Format)
				assert.Equal(t, int64(6000), hdr.SampleCount)
				assert.Equal(t, testStart, hdr.StartTime)
				require.Len(t, hdr.Channels, 3)
				assert.Equal(t, "LTP01", hdr.Channels[0].Label)
				assert.InDelta(t, 2000.0, hdr.Channels[0].SamplingRate, 1e-9)

				// Window crossing the 4096-sample chunk boundary.
				m, err := rec.Read([]int{2, 0}, 4090, 12)
				require.NoError(t, err)
				channels, samples := m.Dims()
				assert.Equal(t, 2, channels)
				assert.Equal(t, 12, samples)
				for s := 0; s < 12; s++ {
					i := 4090 + s
					assert.InDelta(t, -float64(i)*0.5, m.At(0, s), 1e-3)
					assert.InDelta(t, float64(i)*0.5, m.At(1, s), 1e-3)
				}
			})
		}
	}
}

func TestOpenByDataFilePath(t *testing.T) {
	path := writeTestRecording(t, brainvision.Int16, brainvision.Multiplexed)
	eegPath := filepath.Join(filepath.Dir(path), "sub-01_ieeg.eeg")

	rec, err := ieeg.Open(eegPath)
	require.NoError(t, err)
	require.NoError(t, rec.Close())
}

func TestMarkers(t *testing.T) {
	rec, err := ieeg.Open(writeTestRecording(t, brainvision.Int16, brainvision.Multiplexed))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	markers := rec.Header().Markers
	require.Len(t, markers, 2)
	assert.Equal(t, "New Segment", markers[0].Type)
	assert.Equal(t, "Stimulus", markers[1].Type)
	assert.Equal(t, int64(99), markers[1].Position) // converted to zero-based
}

func TestTruncatedDataFile(t *testing.T) {
	path := writeTestRecording(t, brainvision.Int32, brainvision.Multiplexed)
	eegPath := filepath.Join(filepath.Dir(path), "sub-01_ieeg.eeg")

	// Remove the last 100 frames; the descriptor still declares 6000.
	fi, err := os.Stat(eegPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(eegPath, fi.Size()-100*12))

	_, err = ieeg.Open(path)
	require.ErrorIs(t, err, ieeg.ErrTruncatedFile)
}

func TestVectorizedLongerThanDeclared(t *testing.T) {
	// Channel runs sit at the physical file length even when the
	// descriptor declares fewer samples; reads beyond the first channel
	// must still land on the right run.
	dir := t.TempDir()
	path := filepath.Join(dir, "long.vhdr")

	const physical = 100
	raw := make([]byte, 2*physical*2)
	for i := 0; i < physical; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(i))
		binary.LittleEndian.PutUint16(raw[(physical+i)*2:], uint16(1000+i))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "long.eeg"), raw, 0o644))
	require.NoError(t, os.WriteFile(path, []byte(
		"Brain Vision Data Exchange Header File Version 1.0\n"+
			"[Common Infos]\n"+
			"DataFile=long.eeg\n"+
			"DataFormat=BINARY\n"+
			"DataOrientation=VECTORIZED\n"+
			"NumberOfChannels=2\n"+
			"SamplingInterval=1000\n"+
			"DataPoints=80\n"+
			"[Binary Infos]\n"+
			"BinaryFormat=INT_16\n"+
			"[Channel Infos]\n"+
			"Ch1=A,,1,µV\n"+
			"Ch2=B,,1,µV\n"), 0o644))

	rec, err := ieeg.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	assert.Equal(t, int64(80), rec.Header().SampleCount)

	m, err := rec.Read([]int{1, 0}, 0, 4)
	require.NoError(t, err)
	for s := 0; s < 4; s++ {
		assert.Equal(t, float64(1000+s), m.At(0, s))
		assert.Equal(t, float64(s), m.At(1, s))
	}
}

func TestUnknownHeaderFieldsPreserved(t *testing.T) {
	path := writeTestRecording(t, brainvision.Int16, brainvision.Multiplexed)

	// Append a vendor extension field the parser does not interpret.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n[Amplifier Infos]\nAmplifierSerial = BP-0042\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := ieeg.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rec.Close())
	})

	assert.Equal(t, "BP-0042", rec.Header().Extensions["brainvision.Amplifier Infos.AmplifierSerial"])
}

func TestMalformedDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.vhdr")
	require.NoError(t, os.WriteFile(path, []byte(
		"Brain Vision Data Exchange Header File Version 1.0\n"+
			"[Common Infos]\n"+
			"DataFile=bad.eeg\n"+
			"DataFormat=BINARY\n"+
			"DataOrientation=MULTIPLEXED\n"+
			"NumberOfChannels=2\n"+
			"SamplingInterval=not-a-number\n"), 0o644))

	_, err := ieeg.Open(path)
	var headerErr *ieeg.HeaderError
	require.ErrorAs(t, err, &headerErr)
	assert.Equal(t, "SamplingInterval", headerErr.Field)
}

func TestMissingChannelEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.vhdr")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.eeg"), make([]byte, 400), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(
		"Brain Vision Data Exchange Header File Version 1.0\n"+
			"[Common Infos]\n"+
			"DataFile=bad.eeg\n"+
			"DataFormat=BINARY\n"+
			"DataOrientation=MULTIPLEXED\n"+
			"NumberOfChannels=2\n"+
			"SamplingInterval=1000\n"+
			"[Binary Infos]\n"+
			"BinaryFormat=INT_16\n"+
			"[Channel Infos]\n"+
			"Ch1=LTP01,,0.5,µV\n"), 0o644))

	_, err := ieeg.Open(path)
	var incompleteErr *ieeg.IncompleteHeaderError
	require.ErrorAs(t, err, &incompleteErr)
	assert.Equal(t, "Ch2", incompleteErr.Field)
}
