// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/goarchive/unzip/internal/format"
)

// Entry describes one member of a ZIP archive, built from its central
// directory header. Entries are immutable and remain valid until the
// owning Archive is closed.
type Entry struct {
	name  string      // Archive-relative path, forward slashes, as stored
	isDir bool        // Trailing "/" in the stored name or directory attribute bit
	mode  fs.FileMode // Mapped from external attributes per creator host system
	flags uint16      // General purpose bit flags

	method           CompressionMethod
	crc32            uint32 // Expected checksum of the uncompressed data
	compressedSize   int64
	uncompressedSize int64

	// localHeaderOffset locates this entry's local header within the
	// archive. The central directory values above stay authoritative
	// over anything found there.
	localHeaderOffset int64

	externalAttrs uint32
	modTime       time.Time
	comment       string

	archive *Archive
}

// Name returns the entry's path within the archive, forward-slash
// separated and without a trailing slash for directories. Names come
// from untrusted input; use the Archive extraction methods rather than
// joining Name onto a destination yourself.
func (e *Entry) Name() string { return e.name }

// IsDir reports whether the entry represents a directory.
func (e *Entry) IsDir() bool { return e.isDir }

// Mode returns the entry's file mode as mapped from its external
// attributes.
func (e *Entry) Mode() fs.FileMode { return e.mode }

// Method returns the entry's compression method.
func (e *Entry) Method() CompressionMethod { return e.method }

// CRC32 returns the recorded IEEE CRC-32 of the uncompressed data.
func (e *Entry) CRC32() uint32 { return e.crc32 }

// CompressedSize returns the size of the entry's data within the
// archive. Equal to UncompressedSize for Stored entries.
func (e *Entry) CompressedSize() int64 { return e.compressedSize }

// UncompressedSize returns the size of the entry's original content.
func (e *Entry) UncompressedSize() int64 { return e.uncompressedSize }

// ModTime returns the entry's modification time: the NTFS timestamp
// extra field when present, otherwise the two-second resolution MS-DOS
// fields.
func (e *Entry) ModTime() time.Time { return e.modTime }

// Comment returns the entry's comment, decoded like the name.
func (e *Entry) Comment() string { return e.comment }

// ExternalAttributes returns the raw external attributes field.
func (e *Entry) ExternalAttributes() uint32 { return e.externalAttrs }

// IsUTF8 reports whether the entry declares its name and comment as
// UTF-8 (general purpose flag bit 11). When false the name bytes use an
// unspecified legacy encoding; they are materialized byte-for-byte
// unless a TextDecoder was supplied at open time. The flag is surfaced
// rather than guessed because the format itself leaves the legacy
// encoding ambiguous.
func (e *Entry) IsUTF8() bool { return e.flags&format.FlagUTF8 != 0 }

// HasDataDescriptor reports whether the entry's sizes and CRC were
// written in a trailing data descriptor (general purpose flag bit 3).
// The local header carries placeholders for such entries; the values
// returned by this Entry come from the central directory and are valid
// either way.
func (e *Entry) HasDataDescriptor() bool { return e.flags&format.FlagDataDescriptor != 0 }

// Open returns a ReadCloser streaming the entry's decompressed content.
// The CRC-32 and length checks run incrementally; Close reports
// ErrChecksum or ErrSizeMismatch if the fully read content does not
// match the central directory. Reading concurrently opened entries is
// safe: each reader owns an independent section of the archive source.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.isDir {
		return nil, fmt.Errorf("%w: %s is a directory", ErrEntryNotFound, e.name)
	}
	return e.archive.openEntry(e)
}

// WriteTo streams the entry's decompressed content into w. The content
// is verified the same way as filesystem extraction; a checksum or
// length mismatch is returned after whatever bytes were produced have
// been written, so the caller must discard the sink's content on error.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	rc, err := e.Open()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		rc.Close()
		return n, err
	}
	return n, rc.Close()
}

// bytesPreallocCap bounds the up-front allocation in Bytes. The
// declared uncompressed size is untrusted until the data verifies, so
// larger entries start here and grow as real bytes arrive.
const bytesPreallocCap = 16 << 20

// Bytes extracts the whole entry into memory and verifies it. This is
// the convenience path for small members; prefer Open or ExtractEntry
// for large ones.
func (e *Entry) Bytes() ([]byte, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, 0, min(e.uncompressedSize, bytesPreallocCap))
	w := newSliceWriter(buf)
	if _, err := io.Copy(w, rc); err != nil {
		return nil, err
	}
	if err := rc.Close(); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// sliceWriter appends to a pre-grown slice, avoiding the doubling
// reallocations of bytes.Buffer for sizes known up front.
type sliceWriter struct {
	buf []byte
}

func newSliceWriter(buf []byte) *sliceWriter { return &sliceWriter{buf: buf} }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
