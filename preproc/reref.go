// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package preproc transforms decoded sample matrices: channel
// re-referencing and high-pass/notch filtering. Every stage is pure; the
// input matrix is never modified and a new matrix is returned.
package preproc

import (
	"fmt"

	"github.com/OpenPSG/ieeg"
	"gonum.org/v1/gonum/floats"
)

// RerefGroup re-references a set of target channels against the mean of a
// set of reference channels. Channels are named by label.
type RerefGroup struct {
	// Targets are the channels the derived reference is subtracted from.
	// Empty means every channel in the matrix.
	Targets []string

	// References are the channels averaged into the reference signal.
	// Empty means the same channels as Targets.
	References []string
}

// CommonAverage subtracts the across-channel mean from every channel.
func CommonAverage(m *ieeg.DecodedMatrix) (*ieeg.DecodedMatrix, error) {
	return Reref(m, []RerefGroup{{}})
}

// RerefChannel subtracts one explicit channel from every channel,
// including the reference itself, which becomes zero.
func RerefChannel(m *ieeg.DecodedMatrix, reference string) (*ieeg.DecodedMatrix, error) {
	return Reref(m, []RerefGroup{{References: []string{reference}}})
}

// Reref applies per-group re-referencing. Reference signals are derived
// from the input matrix, so groups see the original values regardless of
// order. A channel may be targeted by at most one group.
func Reref(m *ieeg.DecodedMatrix, groups []RerefGroup) (*ieeg.DecodedMatrix, error) {
	channels, samples := m.Dims()

	// Resolve all labels before touching any values.
	type resolved struct {
		targets    []int
		references []int
	}
	plan := make([]resolved, len(groups))
	targeted := make([]bool, channels)
	for gi, g := range groups {
		targets, err := resolveLabels(m, g.Targets)
		if err != nil {
			return nil, err
		}
		if len(g.Targets) == 0 {
			targets = allRows(channels)
		}
		references, err := resolveLabels(m, g.References)
		if err != nil {
			return nil, err
		}
		if len(g.References) == 0 {
			references = targets
		}
		if len(references) == 0 {
			return nil, fmt.Errorf("group %d has no reference channels: %w",
				gi, ieeg.ErrReferenceChannelMissing)
		}
		for _, t := range targets {
			if targeted[t] {
				return nil, fmt.Errorf("channel %q is targeted by more than one group",
					m.Channels()[t].Label)
			}
			targeted[t] = true
		}
		plan[gi] = resolved{targets: targets, references: references}
	}

	out := m.Clone()
	if samples == 0 {
		return out, nil
	}

	avg := make([]float64, samples)
	for _, g := range plan {
		for i := range avg {
			avg[i] = 0
		}
		for _, r := range g.references {
			floats.Add(avg, m.Row(r))
		}
		floats.Scale(1/float64(len(g.references)), avg)
		for _, t := range g.targets {
			floats.Sub(out.Row(t), avg)
		}
	}
	return out, nil
}

func resolveLabels(m *ieeg.DecodedMatrix, labels []string) ([]int, error) {
	rows := make([]int, 0, len(labels))
	for _, label := range labels {
		row := m.ChannelIndex(label)
		if row < 0 {
			return nil, fmt.Errorf("channel %q: %w", label, ieeg.ErrReferenceChannelMissing)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}
