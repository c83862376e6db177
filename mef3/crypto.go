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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/google/uuid"
)

// dataKey derives the AES-128 data encryption key from a password.
func dataKey(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:aes.BlockSize]
}

// passwordCheckField computes the password validation field stored in each
// universal header: the session UUID encrypted under the derived key. The
// session UUID doubles as the known plaintext, so validation needs no
// stored secret beyond the header itself.
func passwordCheckField(key []byte, session uuid.UUID) [16]byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err) // key length is fixed by dataKey
	}
	var out [16]byte
	block.Encrypt(out[:], session[:])
	return out
}

// validatePassword reports whether the derived key reproduces the header's
// password validation field.
func validatePassword(key []byte, h *UniversalHeader) bool {
	want := passwordCheckField(key, h.SessionUUID)
	return subtle.ConstantTimeCompare(want[:], h.PasswordCheck[:]) == 1
}

// blockCipherStream builds the AES-CTR stream for one block. The IV is a
// pure function of the segment UUID and the block's start sample, so block
// decryption depends only on (block bytes, key) with no session state.
func blockCipherStream(key []byte, segment uuid.UUID, startSample int64) cipher.Stream {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	var iv [aes.BlockSize]byte
	copy(iv[:], segment[:])
	binary.LittleEndian.PutUint64(iv[8:], uint64(startSample))
	return cipher.NewCTR(block, iv[:])
}

// cryptBlockPayload encrypts or decrypts a block payload in place. CTR
// mode is its own inverse.
func cryptBlockPayload(key []byte, segment uuid.UUID, startSample int64, payload []byte) {
	blockCipherStream(key, segment, startSample).XORKeyStream(payload, payload)
}
