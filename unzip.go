// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unzip reads and extracts ZIP (PKZIP) archives.
//
// The package is a read-only counterpart to archive/zip with stricter
// structural validation and a safer extraction surface. An archive is
// opened by locating the end-of-central-directory record in a bounded
// tail window and parsing the full central directory up front; a
// malformed directory fails the open, so an Archive in hand is always
// backed by a consistent entry table.
//
// # Basic usage
//
// Extracting an archive to a directory:
//
//	archive, err := unzip.Open("report.zip")
//	if err != nil {
//		return err
//	}
//	defer archive.Close()
//
//	report, err := archive.ExtractAll("/tmp/report")
//
// Reading a single member into memory:
//
//	entry, err := archive.Entry("word/document.xml")
//	if err != nil {
//		return err
//	}
//	data, err := entry.Bytes()
//
// # Safety
//
// Entry names are untrusted input. Extraction normalizes every name and
// refuses, with ErrInsecurePath, anything that would escape the
// destination root: "../" traversal, absolute paths, and drive-prefixed
// names. Decompressed data is verified against the central directory's
// CRC-32 and length before an extracted file is considered complete,
// and a file that fails verification is removed rather than left
// half-written.
//
// # Concurrency
//
// An Archive is immutable after open. All reads go through positioned
// reads on the underlying io.ReaderAt, so entries may be opened and
// extracted concurrently without additional locking; see
// ExtractAll's WithWorkers option.
package unzip

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// archiveConfig collects the open-time knobs set through Options.
type archiveConfig struct {
	// TextDecoder transcodes legacy (non-UTF-8-flagged) names and
	// comments. Nil leaves them byte-for-byte.
	TextDecoder TextDecoder

	// OnEntryProcessed is called for every entry as the central
	// directory is parsed and again as entries are extracted.
	// WARNING: parallel extraction calls it concurrently.
	OnEntryProcessed func(*Entry, error)
}

// Option configures an Archive at open time.
type Option func(*Archive)

// WithDecompressor registers a decompressor for a compression method,
// overriding or extending the built-in Stored and Deflate support.
func WithDecompressor(method CompressionMethod, d Decompressor) Option {
	return func(a *Archive) {
		a.decompressors[method] = d
	}
}

// WithTextDecoder sets the decoder applied to legacy-encoded entry
// names and comments (entries without the UTF-8 flag).
func WithTextDecoder(d TextDecoder) Option {
	return func(a *Archive) {
		a.config.TextDecoder = d
	}
}

// OnEntryProcessed registers a callback invoked per entry during
// directory parsing and extraction.
func OnEntryProcessed(fn func(*Entry, error)) Option {
	return func(a *Archive) {
		a.config.OnEntryProcessed = fn
	}
}

// Archive is a fully parsed, read-only view of a ZIP archive. It owns
// the underlying byte source exclusively and is safe for concurrent use.
type Archive struct {
	src    io.ReaderAt
	size   int64
	closer io.Closer // Set when Open opened the file itself

	comment string
	entries []*Entry       // Central directory order
	byName  map[string]int // Normalized name -> entries index

	decompressors decompressorsMap
	config        archiveConfig
}

// Open opens the ZIP archive file at the given path and parses its
// directory. The returned Archive owns the file handle; Close releases
// it.
func Open(path string, options ...Option) (*Archive, error) {
	return OpenWithContext(context.Background(), path, options...)
}

// OpenWithContext opens an archive file with context support.
func OpenWithContext(ctx context.Context, path string, options ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	archive, err := OpenReaderWithContext(ctx, f, stat.Size(), options...)
	if err != nil {
		f.Close()
		return nil, err
	}
	archive.closer = f
	return archive, nil
}

// OpenReader parses a ZIP archive from any random-access byte source.
// The source must remain usable for the life of the Archive; Close does
// not close it.
func OpenReader(src io.ReaderAt, size int64, options ...Option) (*Archive, error) {
	return OpenReaderWithContext(context.Background(), src, size, options...)
}

// OpenReaderWithContext parses an archive with context support. The
// context is consulted between directory entries, so opening a hostile
// archive with a huge declared entry count stays cancellable.
func OpenReaderWithContext(ctx context.Context, src io.ReaderAt, size int64, options ...Option) (*Archive, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrFormat)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrFormat, size)
	}

	archive := &Archive{
		src:  src,
		size: size,
		decompressors: decompressorsMap{
			Stored:   new(StoredDecompressor),
			Deflated: new(DeflateDecompressor),
		},
	}
	for _, opt := range options {
		opt(archive)
	}

	if err := archive.parse(ctx); err != nil {
		return nil, err
	}
	return archive, nil
}

// Close releases the underlying byte source if the Archive opened it
// itself (via Open). Archives from OpenReader leave the source to the
// caller.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// Entries returns the archive members in central directory order, the
// canonical enumeration order. The returned slice is a copy; the
// entries themselves are shared and immutable.
func (a *Archive) Entries() []*Entry {
	entries := make([]*Entry, len(a.entries))
	copy(entries, a.entries)
	return entries
}

// Entry returns the member with the given name. Lookup is
// case-sensitive on the normalized forward-slash path.
func (a *Archive) Entry(name string) (*Entry, error) {
	idx, ok := a.byName[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return a.entries[idx], nil
}

// Comment returns the archive-level comment from the end-of-central-
// directory record.
func (a *Archive) Comment() string { return a.comment }

// normalizeName brings a lookup name to the stored form: forward
// slashes, no leading slash, cleaned segments.
func normalizeName(name string) string {
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimPrefix(name, "/")
	return strings.TrimSuffix(name, "/")
}
