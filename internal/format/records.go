// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package format decodes the fixed-layout records of the PKZIP on-disk
// format. It knows nothing about archives as a whole: every function
// reads exactly one record from its reader and leaves interpretation
// (Zip64 promotion, flag policy, bounds checks against the archive) to
// the caller.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Each record type is identified by a header signature. Signature values
// begin with the two byte constant marker 0x4b50, the characters "PK".
const (
	CentralDirectorySignature            uint32 = 0x02014b50
	LocalFileHeaderSignature             uint32 = 0x04034b50
	DataDescriptorSignature              uint32 = 0x08074b50
	EndOfCentralDirSignature             uint32 = 0x06054b50
	Zip64EndOfCentralDirSignature        uint32 = 0x06064b50
	Zip64EndOfCentralDirLocatorSignature uint32 = 0x07064b50
)

// Fixed record sizes, including the leading signature.
const (
	LocalFileHeaderLen      = 30
	CentralDirectoryLen     = 46
	EndOfCentralDirLen      = 22
	Zip64EndOfCentralDirLen = 56
	Zip64LocatorLen         = 20

	// MaxCommentLen bounds the archive comment and therefore the EOCD
	// search window.
	MaxCommentLen = 0xffff
)

// General purpose bit flags.
const (
	FlagEncrypted      uint16 = 0x0001
	FlagDataDescriptor uint16 = 0x0008
	FlagUTF8           uint16 = 0x0800
)

// Extra field tags.
const (
	Zip64ExtraTag uint16 = 0x0001
	NTFSExtraTag  uint16 = 0x000a
)

// Sentinel values marking fields promoted to the Zip64 records.
const (
	Sentinel16 uint16 = 0xffff
	Sentinel32 uint32 = 0xffffffff
)

// ErrZip64Underflow reports a Zip64 extended-information field shorter
// than the sentineled fields it must carry.
var ErrZip64Underflow = errors.New("zip64 extra field underflow")

// LocalFileHeader is the per-entry header immediately preceding the
// entry's compressed data. When FlagDataDescriptor is set, the CRC32 and
// size fields are placeholders; the authoritative values live in the
// central directory.
type LocalFileHeader struct {
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	Filename               []byte
	ExtraField             map[uint16][]byte

	// VariableLen is the combined length of the filename and extra
	// field sections; the entry data starts at
	// localHeaderOffset + LocalFileHeaderLen + VariableLen.
	VariableLen int64
}

// ReadLocalFileHeader decodes a local file header. The reader must be
// positioned immediately after the 4-byte signature.
func ReadLocalFileHeader(src io.Reader) (LocalFileHeader, error) {
	var buf [26]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return LocalFileHeader{}, fmt.Errorf("read source: %w", err)
	}

	h := LocalFileHeader{
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[0:2]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[2:4]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[4:6]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[6:8]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[8:10]),
		CRC32:                  binary.LittleEndian.Uint32(buf[10:14]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[14:18]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[18:22]),
	}

	filenameLen := int(binary.LittleEndian.Uint16(buf[22:24]))
	extraLen := int(binary.LittleEndian.Uint16(buf[24:26]))
	h.VariableLen = int64(filenameLen) + int64(extraLen)

	if filenameLen > 0 {
		h.Filename = make([]byte, filenameLen)
		if _, err := io.ReadFull(src, h.Filename); err != nil {
			return LocalFileHeader{}, fmt.Errorf("read filename: %w", err)
		}
	}

	if extraLen > 0 {
		extra := make([]byte, extraLen)
		if _, err := io.ReadFull(src, extra); err != nil {
			return LocalFileHeader{}, fmt.Errorf("read extra field: %w", err)
		}
		h.ExtraField = ParseExtraField(extra)
	}

	return h, nil
}

// CentralDirectory is one entry of the archive's table of contents.
type CentralDirectory struct {
	VersionMadeBy          uint16
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	DiskNumberStart        uint16
	InternalFileAttributes uint16
	ExternalFileAttributes uint32
	LocalHeaderOffset      uint32
	Filename               []byte
	ExtraField             map[uint16][]byte
	Comment                []byte
}

// ReadCentralDirEntry decodes a central directory header. The reader
// must be positioned immediately after the 4-byte signature.
func ReadCentralDirEntry(src io.Reader) (CentralDirectory, error) {
	var buf [42]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return CentralDirectory{}, fmt.Errorf("read source: %w", err)
	}

	entry := CentralDirectory{
		VersionMadeBy:          binary.LittleEndian.Uint16(buf[0:2]),
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[2:4]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[4:6]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[6:8]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[8:10]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[10:12]),
		CRC32:                  binary.LittleEndian.Uint32(buf[12:16]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[16:20]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[20:24]),
		DiskNumberStart:        binary.LittleEndian.Uint16(buf[30:32]),
		InternalFileAttributes: binary.LittleEndian.Uint16(buf[32:34]),
		ExternalFileAttributes: binary.LittleEndian.Uint32(buf[34:38]),
		LocalHeaderOffset:      binary.LittleEndian.Uint32(buf[38:42]),
	}

	filenameLen := int(binary.LittleEndian.Uint16(buf[24:26]))
	extraLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	commentLen := int(binary.LittleEndian.Uint16(buf[28:30]))

	if filenameLen > 0 {
		entry.Filename = make([]byte, filenameLen)
		if _, err := io.ReadFull(src, entry.Filename); err != nil {
			return CentralDirectory{}, fmt.Errorf("read filename: %w", err)
		}
	}

	if extraLen > 0 {
		extra := make([]byte, extraLen)
		if _, err := io.ReadFull(src, extra); err != nil {
			return CentralDirectory{}, fmt.Errorf("read extra field: %w", err)
		}
		entry.ExtraField = ParseExtraField(extra)
	}

	if commentLen > 0 {
		entry.Comment = make([]byte, commentLen)
		if _, err := io.ReadFull(src, entry.Comment); err != nil {
			return CentralDirectory{}, fmt.Errorf("read comment: %w", err)
		}
	}

	return entry, nil
}

// EndOfCentralDirectory is the fixed-format archive footer naming the
// central directory's location and entry count.
type EndOfCentralDirectory struct {
	ThisDiskNum                     uint16
	DiskNumWithTheStartOfCentralDir uint16
	TotalNumberOfEntriesOnThisDisk  uint16
	TotalNumberOfEntries            uint16
	CentralDirSize                  uint32
	CentralDirOffset                uint32
	CommentLength                   uint16
	Comment                         []byte
}

// ReadEndOfCentralDir decodes the EOCD record. The reader must be
// positioned immediately after the 4-byte signature.
func ReadEndOfCentralDir(src io.Reader) (EndOfCentralDirectory, error) {
	var buf [18]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return EndOfCentralDirectory{}, fmt.Errorf("read source: %w", err)
	}
	end := EndOfCentralDirectory{
		ThisDiskNum:                     binary.LittleEndian.Uint16(buf[0:2]),
		DiskNumWithTheStartOfCentralDir: binary.LittleEndian.Uint16(buf[2:4]),
		TotalNumberOfEntriesOnThisDisk:  binary.LittleEndian.Uint16(buf[4:6]),
		TotalNumberOfEntries:            binary.LittleEndian.Uint16(buf[6:8]),
		CentralDirSize:                  binary.LittleEndian.Uint32(buf[8:12]),
		CentralDirOffset:                binary.LittleEndian.Uint32(buf[12:16]),
		CommentLength:                   binary.LittleEndian.Uint16(buf[16:18]),
	}
	if end.CommentLength > 0 {
		end.Comment = make([]byte, end.CommentLength)
		if _, err := io.ReadFull(src, end.Comment); err != nil {
			return EndOfCentralDirectory{}, fmt.Errorf("read comment: %w", err)
		}
	}
	return end, nil
}

// NeedsZip64 reports whether any of the EOCD's count or offset fields
// carries the "see Zip64 record" sentinel.
func (e EndOfCentralDirectory) NeedsZip64() bool {
	return e.TotalNumberOfEntries == Sentinel16 ||
		e.CentralDirOffset == Sentinel32 ||
		e.CentralDirSize == Sentinel32
}

// Zip64EndOfCentralDirectory supersedes the 32-bit EOCD fields for
// archives exceeding the classic format limits.
type Zip64EndOfCentralDirectory struct {
	Size                            uint64
	VersionMadeBy                   uint16
	VersionNeededToExtract          uint16
	ThisDiskNum                     uint32
	DiskNumWithTheStartOfCentralDir uint32
	TotalNumberOfEntriesOnThisDisk  uint64
	TotalNumberOfEntries            uint64
	CentralDirSize                  uint64
	CentralDirOffset                uint64
}

// ReadZip64EndOfCentralDir decodes the Zip64 EOCD record. The reader
// must be positioned immediately after the 4-byte signature.
func ReadZip64EndOfCentralDir(src io.Reader) (Zip64EndOfCentralDirectory, error) {
	var buf [52]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return Zip64EndOfCentralDirectory{}, fmt.Errorf("read source: %w", err)
	}
	return Zip64EndOfCentralDirectory{
		Size:                            binary.LittleEndian.Uint64(buf[0:8]),
		VersionMadeBy:                   binary.LittleEndian.Uint16(buf[8:10]),
		VersionNeededToExtract:          binary.LittleEndian.Uint16(buf[10:12]),
		ThisDiskNum:                     binary.LittleEndian.Uint32(buf[12:16]),
		DiskNumWithTheStartOfCentralDir: binary.LittleEndian.Uint32(buf[16:20]),
		TotalNumberOfEntriesOnThisDisk:  binary.LittleEndian.Uint64(buf[20:28]),
		TotalNumberOfEntries:            binary.LittleEndian.Uint64(buf[28:36]),
		CentralDirSize:                  binary.LittleEndian.Uint64(buf[36:44]),
		CentralDirOffset:                binary.LittleEndian.Uint64(buf[44:52]),
	}, nil
}

// Zip64EndOfCentralDirectoryLocator points at the Zip64 EOCD record. It
// sits directly before the classic EOCD when present.
type Zip64EndOfCentralDirectoryLocator struct {
	EndOfCentralDirStartDiskNum uint32
	Zip64EndOfCentralDirOffset  uint64
	TotalNumberOfDisks          uint32
}

// ReadZip64EndOfCentralDirLocator decodes the locator. The reader must
// be positioned immediately after the 4-byte signature.
func ReadZip64EndOfCentralDirLocator(src io.Reader) (Zip64EndOfCentralDirectoryLocator, error) {
	var buf [16]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return Zip64EndOfCentralDirectoryLocator{}, fmt.Errorf("read source: %w", err)
	}
	return Zip64EndOfCentralDirectoryLocator{
		EndOfCentralDirStartDiskNum: binary.LittleEndian.Uint32(buf[0:4]),
		Zip64EndOfCentralDirOffset:  binary.LittleEndian.Uint64(buf[4:12]),
		TotalNumberOfDisks:          binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// ParseExtraField converts raw extra field bytes into a map keyed by tag
// ID. Values hold the field payload without the tag/size header.
// Truncated trailing fields are dropped rather than rejected; writers in
// the wild pad this section.
func ParseExtraField(extra []byte) map[uint16][]byte {
	m := make(map[uint16][]byte)

	for offset := 0; offset+4 <= len(extra); {
		tag := binary.LittleEndian.Uint16(extra[offset : offset+2])
		size := int(binary.LittleEndian.Uint16(extra[offset+2 : offset+4]))
		offset += 4

		if offset+size > len(extra) {
			break
		}
		m[tag] = extra[offset : offset+size]
		offset += size
	}
	return m
}

// Zip64Fields holds the 64-bit values recovered from a Zip64
// extended-information extra field.
type Zip64Fields struct {
	UncompressedSize  uint64
	CompressedSize    uint64
	LocalHeaderOffset uint64
	DiskNumberStart   uint32
}

// ResolveZip64 resolves the central directory entry's sentineled 32-bit
// fields from its Zip64 extended-information extra field. The sub-fields
// appear in fixed order (uncompressed size, compressed size, local
// header offset, disk number) and only the fields that were sentineled
// are present. Returns ErrZip64Underflow when the extra field is too
// short for the sentineled fields, and an error when a sentineled field
// has no Zip64 extra field at all.
func (entry CentralDirectory) ResolveZip64() (Zip64Fields, error) {
	f := Zip64Fields{
		UncompressedSize:  uint64(entry.UncompressedSize),
		CompressedSize:    uint64(entry.CompressedSize),
		LocalHeaderOffset: uint64(entry.LocalHeaderOffset),
		DiskNumberStart:   uint32(entry.DiskNumberStart),
	}

	needUncompressed := entry.UncompressedSize == Sentinel32
	needCompressed := entry.CompressedSize == Sentinel32
	needOffset := entry.LocalHeaderOffset == Sentinel32
	needDisk := entry.DiskNumberStart == Sentinel16

	if !needUncompressed && !needCompressed && !needOffset && !needDisk {
		return f, nil
	}

	data, ok := entry.ExtraField[Zip64ExtraTag]
	if !ok {
		return f, fmt.Errorf("%w: sentineled field without zip64 extra field", ErrZip64Underflow)
	}

	pos := 0
	take64 := func(dst *uint64) error {
		if pos+8 > len(data) {
			return ErrZip64Underflow
		}
		*dst = binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
		return nil
	}

	if needUncompressed {
		if err := take64(&f.UncompressedSize); err != nil {
			return f, err
		}
	}
	if needCompressed {
		if err := take64(&f.CompressedSize); err != nil {
			return f, err
		}
	}
	if needOffset {
		if err := take64(&f.LocalHeaderOffset); err != nil {
			return f, err
		}
	}
	if needDisk {
		if pos+4 > len(data) {
			return f, ErrZip64Underflow
		}
		f.DiskNumberStart = binary.LittleEndian.Uint32(data[pos : pos+4])
	}

	return f, nil
}
