// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mef3

import (
	"encoding/binary"
	"fmt"
)

// The block codec stores 32-bit samples as zig-zag varint deltas. iEEG
// signals are smooth relative to their sampling rate, so consecutive
// differences are small and most samples compress to one or two bytes.

// encodeSamples compresses a run of raw samples into buf, returning the
// extended buffer.
func encodeSamples(buf []byte, samples []int32) []byte {
	var prev int32
	var tmp [binary.MaxVarintLen64]byte
	for _, s := range samples {
		n := binary.PutUvarint(tmp[:], zigzag(s-prev))
		buf = append(buf, tmp[:n]...)
		prev = s
	}
	return buf
}

// decodeSamples expands a compressed payload into exactly want samples.
func decodeSamples(payload []byte, want int, out []int32) error {
	if len(out) < want {
		return fmt.Errorf("decode buffer too small")
	}
	var prev int32
	pos := 0
	for i := 0; i < want; i++ {
		delta, n := binary.Uvarint(payload[pos:])
		if n <= 0 {
			return fmt.Errorf("truncated sample stream at sample %d", i)
		}
		pos += n
		prev += unzigzag(delta)
		out[i] = prev
	}
	if pos != len(payload) {
		return fmt.Errorf("%d trailing bytes after %d samples", len(payload)-pos, want)
	}
	return nil
}

// zigzag maps signed deltas onto unsigned values with small magnitudes for
// small absolute deltas.
func zigzag(v int32) uint64 {
	return uint64(uint32(v<<1) ^ uint32(v>>31))
}

func unzigzag(v uint64) int32 {
	return int32(uint32(v>>1) ^ -uint32(v&1))
}
