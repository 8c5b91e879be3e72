// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import "errors"

var (
	// ErrTooSmall is returned when the input is shorter than the smallest
	// possible ZIP archive (a bare end-of-central-directory record).
	ErrTooSmall = errors.New("unzip: file too small to be a zip archive")

	// ErrFormat is returned when the archive structure is malformed:
	// a missing or inconsistent end-of-central-directory record, a bad
	// record signature, a truncated read, or a length field pointing
	// outside the archive.
	ErrFormat = errors.New("unzip: not a valid zip archive")

	// ErrUnsupported is returned for well-formed archives that use a
	// feature this package does not read: encrypted entries or
	// multi-disk archives.
	ErrUnsupported = errors.New("unzip: unsupported archive feature")

	// ErrAlgorithm is returned when an entry uses a compression method
	// with no registered decompressor. The method code is included in
	// the error message.
	ErrAlgorithm = errors.New("unzip: unsupported compression method")

	// ErrInsecurePath is returned when an entry name would escape the
	// extraction root (directory traversal, absolute path, drive prefix).
	ErrInsecurePath = errors.New("unzip: insecure file path")

	// ErrChecksum is returned when the CRC-32 of the decompressed data
	// does not match the value recorded in the central directory.
	ErrChecksum = errors.New("unzip: checksum mismatch")

	// ErrSizeMismatch is returned when the decompressed length does not
	// match the recorded uncompressed size.
	ErrSizeMismatch = errors.New("unzip: uncompressed size mismatch")

	// ErrDecompress wraps a failure reported by a decompressor.
	ErrDecompress = errors.New("unzip: decompression failed")

	// ErrEntryNotFound is returned when the requested entry is not in
	// the archive.
	ErrEntryNotFound = errors.New("unzip: entry not found")
)
