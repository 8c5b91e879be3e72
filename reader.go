// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"strings"

	"github.com/goarchive/unzip/internal/format"
)

// tailWindowLen bounds the end-of-central-directory search: the record
// itself plus the longest legal archive comment. The EOCD is never
// farther from the end of the file than this.
const tailWindowLen = format.EndOfCentralDirLen + format.MaxCommentLen

// parse locates the end-of-central-directory record and walks the
// central directory, populating the archive's entry table. Any failure
// here poisons the whole archive: a ZIP with an unreadable directory
// cannot be trusted for extraction.
func (a *Archive) parse(ctx context.Context) error {
	end, eocdOffset, err := a.findEndOfCentralDir(ctx)
	if err != nil {
		return err
	}
	a.comment = decodeText(end.Comment, 0, a.config.TextDecoder)

	cdOffset := int64(end.CentralDirOffset)
	cdEntries := int64(end.TotalNumberOfEntries)

	if end.NeedsZip64() {
		zip64End, err := a.readZip64EndOfCentralDir(eocdOffset)
		if err != nil {
			return err
		}
		if zip64End.ThisDiskNum != 0 || zip64End.DiskNumWithTheStartOfCentralDir != 0 {
			return fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
		}
		if zip64End.TotalNumberOfEntriesOnThisDisk != zip64End.TotalNumberOfEntries {
			return fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
		}
		if zip64End.TotalNumberOfEntries > math.MaxInt64/format.CentralDirectoryLen ||
			zip64End.CentralDirOffset > math.MaxInt64 {
			return fmt.Errorf("%w: zip64 end of central directory values out of range", ErrFormat)
		}
		cdOffset = int64(zip64End.CentralDirOffset)
		cdEntries = int64(zip64End.TotalNumberOfEntries)
	} else {
		if end.ThisDiskNum != 0 || end.DiskNumWithTheStartOfCentralDir != 0 {
			return fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
		}
		if end.TotalNumberOfEntriesOnThisDisk != end.TotalNumberOfEntries {
			return fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
		}
	}

	if cdOffset < 0 || cdOffset > eocdOffset {
		return fmt.Errorf("%w: central directory offset %d out of bounds", ErrFormat, cdOffset)
	}

	return a.readCentralDir(ctx, cdOffset, cdEntries)
}

// findEndOfCentralDir scans a bounded trailing window of the archive
// backward for the EOCD signature. The signature bytes can legitimately
// appear inside the archive comment, so a candidate only counts when it
// is structurally consistent: its comment length must make the record
// end exactly at the end of the archive. Scanning backward makes the
// match closest to the true end win.
func (a *Archive) findEndOfCentralDir(ctx context.Context) (format.EndOfCentralDirectory, int64, error) {
	var end format.EndOfCentralDirectory

	if a.size < format.EndOfCentralDirLen {
		return end, 0, fmt.Errorf("%w: %d bytes", ErrTooSmall, a.size)
	}

	windowLen := min(int64(tailWindowLen), a.size)
	windowStart := a.size - windowLen

	window := make([]byte, windowLen)
	if _, err := io.ReadFull(io.NewSectionReader(a.src, windowStart, windowLen), window); err != nil {
		return end, 0, fmt.Errorf("read archive tail: %w", err)
	}

	for p := windowLen - format.EndOfCentralDirLen; p >= 0; p-- {
		if p%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return end, 0, err
			}
		}

		if binary.LittleEndian.Uint32(window[p:p+4]) != format.EndOfCentralDirSignature {
			continue
		}

		commentLen := int64(binary.LittleEndian.Uint16(window[p+20 : p+22]))
		if windowStart+p+format.EndOfCentralDirLen+commentLen != a.size {
			// Spurious signature inside a comment.
			continue
		}

		end, err := format.ReadEndOfCentralDir(bytes.NewReader(window[p+4:]))
		if err != nil {
			return end, 0, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return end, windowStart + p, nil
	}

	return end, 0, fmt.Errorf("%w: no end of central directory signature found", ErrFormat)
}

// readZip64EndOfCentralDir resolves the Zip64 EOCD record via its
// locator, which sits directly before the classic EOCD record.
func (a *Archive) readZip64EndOfCentralDir(eocdOffset int64) (format.Zip64EndOfCentralDirectory, error) {
	var zip64End format.Zip64EndOfCentralDirectory

	locatorOffset := eocdOffset - format.Zip64LocatorLen
	if locatorOffset < 0 {
		return zip64End, fmt.Errorf("%w: no room for zip64 end of central directory locator", ErrFormat)
	}

	locReader := io.NewSectionReader(a.src, locatorOffset, format.Zip64LocatorLen)
	if err := a.verifySignature(locReader, format.Zip64EndOfCentralDirLocatorSignature); err != nil {
		return zip64End, fmt.Errorf("%w: expected zip64 end of central directory locator signature", ErrFormat)
	}

	locator, err := format.ReadZip64EndOfCentralDirLocator(locReader)
	if err != nil {
		return zip64End, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if locator.TotalNumberOfDisks > 1 || locator.EndOfCentralDirStartDiskNum != 0 {
		return zip64End, fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
	}

	if locatorOffset < format.Zip64EndOfCentralDirLen ||
		locator.Zip64EndOfCentralDirOffset > uint64(locatorOffset-format.Zip64EndOfCentralDirLen) {
		return zip64End, fmt.Errorf("%w: invalid zip64 end of central directory offset", ErrFormat)
	}
	recordOffset := int64(locator.Zip64EndOfCentralDirOffset)

	recordReader := io.NewSectionReader(a.src, recordOffset, locatorOffset-recordOffset)
	if err := a.verifySignature(recordReader, format.Zip64EndOfCentralDirSignature); err != nil {
		return zip64End, fmt.Errorf("%w: expected zip64 end of central directory signature", ErrFormat)
	}

	zip64End, err = format.ReadZip64EndOfCentralDir(recordReader)
	if err != nil {
		return zip64End, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return zip64End, nil
}

// readCentralDir reads exactly entryCount central directory records
// starting at offset, in directory order. The resulting slice order is
// the canonical enumeration order of the archive.
func (a *Archive) readCentralDir(ctx context.Context, offset int64, entryCount int64) error {
	// A hostile count should not pre-allocate unbounded memory; each
	// record still has to exist in the file to parse.
	capHint := entryCount
	if capHint > 65536 {
		capHint = 65536
	}
	entries := make([]*Entry, 0, capHint)
	byName := make(map[string]int, capHint)

	cdReader := io.NewSectionReader(a.src, offset, a.size-offset)

	for i := int64(0); i < entryCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := a.verifySignature(cdReader, format.CentralDirectorySignature); err != nil {
			return fmt.Errorf("%w: expected central directory signature at entry %d", ErrFormat, i)
		}

		record, err := format.ReadCentralDirEntry(cdReader)
		if err != nil {
			return fmt.Errorf("%w: central directory entry %d: %v", ErrFormat, i, err)
		}

		entry, err := a.newEntry(record)
		if err != nil {
			return err
		}

		byName[entry.name] = len(entries)
		entries = append(entries, entry)
		if a.config.OnEntryProcessed != nil {
			a.config.OnEntryProcessed(entry, nil)
		}
	}

	a.entries = entries
	a.byName = byName
	return nil
}

// newEntry builds an Entry from a decoded central directory record,
// promoting sentineled 32-bit fields from the Zip64 extra field and
// rejecting features this package does not read.
func (a *Archive) newEntry(record format.CentralDirectory) (*Entry, error) {
	name := decodeText(record.Filename, record.GeneralPurposeBitFlag, a.config.TextDecoder)

	if record.GeneralPurposeBitFlag&format.FlagEncrypted != 0 {
		return nil, fmt.Errorf("%w: entry %q is encrypted", ErrUnsupported, name)
	}

	zip64, err := record.ResolveZip64()
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrFormat, name, err)
	}
	if zip64.DiskNumberStart != 0 {
		return nil, fmt.Errorf("%w: entry %q starts on disk %d", ErrUnsupported, name, zip64.DiskNumberStart)
	}
	if zip64.UncompressedSize > math.MaxInt64 || zip64.CompressedSize > math.MaxInt64 {
		return nil, fmt.Errorf("%w: entry %q sizes out of range", ErrFormat, name)
	}
	if zip64.LocalHeaderOffset > uint64(a.size) {
		return nil, fmt.Errorf("%w: entry %q local header offset %d beyond archive end",
			ErrFormat, name, zip64.LocalHeaderOffset)
	}

	mode := entryMode(record)
	isDir := strings.HasSuffix(name, "/") || mode.IsDir()
	name = strings.TrimSuffix(name, "/")

	modTime := msDosToTime(record.LastModFileDate, record.LastModFileTime)
	if ntfs, ok := record.ExtraField[format.NTFSExtraTag]; ok {
		if t := ntfsModTime(ntfs); !t.IsZero() {
			modTime = t
		}
	}

	return &Entry{
		name:              name,
		isDir:             isDir,
		mode:              mode,
		flags:             record.GeneralPurposeBitFlag,
		method:            CompressionMethod(record.CompressionMethod),
		crc32:             record.CRC32,
		compressedSize:    int64(zip64.CompressedSize),
		uncompressedSize:  int64(zip64.UncompressedSize),
		localHeaderOffset: int64(zip64.LocalHeaderOffset),
		externalAttrs:     record.ExternalFileAttributes,
		modTime:           modTime,
		comment:           decodeText(record.Comment, record.GeneralPurposeBitFlag, a.config.TextDecoder),
		archive:           a,
	}, nil
}

// openEntryData validates the entry's local file header and returns a
// reader over exactly the compressed data region. The central
// directory's sizes stay authoritative throughout: for data-descriptor
// entries the local header carries placeholders, and the descriptor
// trailer is never scanned for.
func (a *Archive) openEntryData(e *Entry) (*io.SectionReader, error) {
	if e.localHeaderOffset+format.LocalFileHeaderLen > a.size {
		return nil, fmt.Errorf("%w: local header of %q beyond archive end", ErrFormat, e.name)
	}

	headerReader := io.NewSectionReader(a.src, e.localHeaderOffset, a.size-e.localHeaderOffset)
	if err := a.verifySignature(headerReader, format.LocalFileHeaderSignature); err != nil {
		return nil, fmt.Errorf("%w: expected local file header signature for %q", ErrFormat, e.name)
	}

	header, err := format.ReadLocalFileHeader(headerReader)
	if err != nil {
		return nil, fmt.Errorf("%w: local header of %q: %v", ErrFormat, e.name, err)
	}

	// The format guarantees the two methods agree; corrupt archives may
	// not, and extracting with the wrong codec would decode garbage.
	if CompressionMethod(header.CompressionMethod) != e.method {
		return nil, fmt.Errorf("%w: %q compression method mismatch: local header %d, central directory %d",
			ErrFormat, e.name, header.CompressionMethod, e.method)
	}

	dataOffset := e.localHeaderOffset + format.LocalFileHeaderLen + header.VariableLen
	if dataOffset+e.compressedSize > a.size {
		return nil, fmt.Errorf("%w: data of %q truncated: need %d bytes at offset %d, archive is %d",
			ErrFormat, e.name, e.compressedSize, dataOffset, a.size)
	}

	return io.NewSectionReader(a.src, dataOffset, e.compressedSize), nil
}

// openEntry returns the entry's decompressed content stream with
// incremental CRC-32 and length verification.
func (a *Archive) openEntry(e *Entry) (io.ReadCloser, error) {
	data, err := a.openEntryData(e)
	if err != nil {
		return nil, err
	}

	decompressor, ok := a.decompressors[e.method]
	if !ok {
		return nil, fmt.Errorf("%w: %d (%s) for entry %q", ErrAlgorithm, uint16(e.method), e.method, e.name)
	}

	rc, err := decompressor.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompress, e.name, err)
	}

	return &checksumReader{
		rc:    rc,
		hash:  crc32.NewIEEE(),
		want:  e.crc32,
		size:  uint64(e.uncompressedSize),
		entry: e.name,
	}, nil
}

// verifySignature consumes the next 4 bytes and checks them against the
// given record signature.
func (a *Archive) verifySignature(r io.Reader, want uint32) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf[:]) != want {
		return fmt.Errorf("signature mismatch: got %#08x, want %#08x", binary.LittleEndian.Uint32(buf[:]), want)
	}
	return nil
}

// checksumReader wraps a decompressed stream to verify CRC-32 and length
// during reading. Close reports the verdict once the stream has been
// fully consumed.
type checksumReader struct {
	rc    io.ReadCloser
	hash  hash.Hash32
	want  uint32
	read  uint64
	size  uint64
	entry string
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.rc.Read(p)
	if n > 0 {
		cr.read += uint64(n)
		if cr.read > cr.size {
			return n, fmt.Errorf("%w: %s: more than %d bytes decompressed", ErrSizeMismatch, cr.entry, cr.size)
		}
		cr.hash.Write(p[:n])
	}
	if err == io.EOF {
		if cr.read < cr.size {
			return n, fmt.Errorf("%w: %s: decompressed %d bytes, want %d", ErrSizeMismatch, cr.entry, cr.read, cr.size)
		}
		// Callers like io.ReadAll never see the Close verdict, so the
		// checksum has to fail the final Read instead of the EOF.
		if got := cr.hash.Sum32(); got != cr.want {
			return n, fmt.Errorf("%w: %s: got %#08x, want %#08x", ErrChecksum, cr.entry, got, cr.want)
		}
	}
	return n, err
}

func (cr *checksumReader) Close() error {
	defer cr.rc.Close()

	if cr.read != cr.size {
		return fmt.Errorf("%w: %s: decompressed %d bytes, want %d", ErrSizeMismatch, cr.entry, cr.read, cr.size)
	}
	if got := cr.hash.Sum32(); got != cr.want {
		return fmt.Errorf("%w: %s: got %#08x, want %#08x", ErrChecksum, cr.entry, got, cr.want)
	}
	return nil
}
