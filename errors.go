// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ieeg

import (
	"errors"
	"fmt"
)

// Standard error variables for conditions shared across backends.
var (
	// ErrUnsupportedFormat is returned by Open when no registered backend
	// recognizes the file.
	ErrUnsupportedFormat = errors.New("unsupported recording format")

	// ErrTruncatedFile is returned at open time when the header or block
	// index implies data beyond the physical end of the file.
	ErrTruncatedFile = errors.New("file truncated")

	// ErrOutOfRange is returned when a requested sample window falls
	// outside the recording bounds.
	ErrOutOfRange = errors.New("sample window out of range")

	// ErrAuthentication is returned when a password or derived key fails
	// validation, or when an encrypted block is touched without one.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCorruptBlock is returned when a block overlapping the requested
	// window fails its checksum or structural validation.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrReferenceChannelMissing is returned by re-referencing when a named
	// reference channel is absent from the matrix.
	ErrReferenceChannelMissing = errors.New("reference channel missing")

	// ErrInvalidFilterSpec is returned when a filter specification is
	// malformed or a cutoff exceeds the Nyquist frequency.
	ErrInvalidFilterSpec = errors.New("invalid filter specification")
)

// HeaderError reports a header field that could not be parsed or failed
// validation. Opening the recording is aborted.
type HeaderError struct {
	Format string // Backend format name
	Field  string // Offending header field
	Err    error  // Underlying cause, may be nil
}

func (e *HeaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid header field %q: %v", e.Format, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: invalid header field %q", e.Format, e.Field)
}

func (e *HeaderError) Unwrap() error { return e.Err }

// IncompleteHeaderError reports a header field required for correct
// decoding that is missing or empty.
type IncompleteHeaderError struct {
	Format string
	Field  string
}

func (e *IncompleteHeaderError) Error() string {
	return fmt.Sprintf("%s: header incomplete: missing field %q", e.Format, e.Field)
}

// CorruptBlockError reports checksum or structural corruption within a
// specific block. It matches ErrCorruptBlock under errors.Is.
type CorruptBlockError struct {
	Block  int   // Block ID within the recording
	Offset int64 // Byte offset of the block in the data file
	Reason string
}

func (e *CorruptBlockError) Error() string {
	return fmt.Sprintf("corrupt block %d at offset %d: %s", e.Block, e.Offset, e.Reason)
}

func (e *CorruptBlockError) Is(target error) bool { return target == ErrCorruptBlock }
