// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ziptest synthesizes ZIP archives in memory for tests. The
// builder produces byte-exact PKZIP layouts, including the awkward
// variants the reader must survive: trailing comments with spurious
// signatures, data-descriptor entries, Zip64 records, and deliberately
// inconsistent headers.
package ziptest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/flate"

	"github.com/goarchive/unzip/internal/format"
)

// Fixed MS-DOS timestamp used for every synthesized entry:
// 2024-03-15 12:30:00.
const (
	dosDate uint16 = (44 << 9) | (3 << 5) | 15
	dosTime uint16 = (12 << 11) | (30 << 5)
)

// EntrySpec describes one member to synthesize.
type EntrySpec struct {
	// Name is the stored path. A trailing "/" makes a directory entry.
	Name string

	// Data is the uncompressed content; CRC and sizes derive from it.
	Data []byte

	// Method is the compression method written to both headers:
	// 0 stored (default), 8 deflate. Any other value requires Raw.
	Method uint16

	// Raw overrides the compressed byte stream. With a nil Raw the
	// builder stores Data as-is (method 0) or deflates it (method 8).
	Raw []byte

	// Comment is the per-entry comment in the central directory.
	Comment string

	// Legacy drops the UTF-8 name flag.
	Legacy bool

	// DataDescriptor writes zero placeholders in the local header's
	// CRC/size fields and appends a signed descriptor after the data.
	DataDescriptor bool

	// Zip64 saturates the central directory's 32-bit size/offset
	// fields and carries the real values in a Zip64 extra field.
	Zip64 bool

	// ExtraFlags is OR-ed into the general purpose bit flags (e.g. the
	// encryption bit for unsupported-feature tests).
	ExtraFlags uint16

	// LocalMethod, when non-nil, writes a different compression method
	// into the local header than the central directory.
	LocalMethod *uint16
}

// DataRange locates an entry's compressed data within the built
// archive, for corruption tests.
type DataRange struct {
	Off int64
	Len int64
}

// Builder accumulates entries and renders a complete archive.
type Builder struct {
	specs   []EntrySpec
	comment string
	zip64   bool

	dataRanges map[string]DataRange
}

func New() *Builder {
	return &Builder{dataRanges: make(map[string]DataRange)}
}

// Comment sets the archive-level comment.
func (b *Builder) Comment(comment string) *Builder {
	b.comment = comment
	return b
}

// ForceZip64 writes Zip64 end-of-central-directory records with
// sentineled classic EOCD fields even when nothing overflows.
func (b *Builder) ForceZip64() *Builder {
	b.zip64 = true
	return b
}

// AddStored adds an uncompressed file entry.
func (b *Builder) AddStored(name string, data []byte) *Builder {
	return b.Add(EntrySpec{Name: name, Data: data})
}

// AddDeflated adds a deflate-compressed file entry.
func (b *Builder) AddDeflated(name string, data []byte) *Builder {
	return b.Add(EntrySpec{Name: name, Data: data, Method: 8})
}

// AddDir adds a directory entry; the name gets its trailing slash if
// missing.
func (b *Builder) AddDir(name string) *Builder {
	if len(name) == 0 || name[len(name)-1] != '/' {
		name += "/"
	}
	return b.Add(EntrySpec{Name: name})
}

// Add appends an arbitrary entry spec.
func (b *Builder) Add(spec EntrySpec) *Builder {
	b.specs = append(b.specs, spec)
	return b
}

// DataRange returns the compressed data location of a previously built
// entry.
func (b *Builder) DataRange(name string) DataRange {
	return b.dataRanges[name]
}

// Build renders the archive.
func (b *Builder) Build() []byte {
	buf := new(bytes.Buffer)

	type placed struct {
		spec        EntrySpec
		localOffset int64
		crc         uint32
		csize       int64
		usize       int64
	}
	var entries []placed

	for _, spec := range b.specs {
		localOffset := int64(buf.Len())
		raw := compressedBytes(spec)
		crc := crc32.ChecksumIEEE(spec.Data)

		p := placed{
			spec:        spec,
			localOffset: localOffset,
			crc:         crc,
			csize:       int64(len(raw)),
			usize:       int64(len(spec.Data)),
		}
		entries = append(entries, p)

		writeLocalHeader(buf, p.spec, p.crc, p.csize, p.usize)

		b.dataRanges[spec.Name] = DataRange{Off: int64(buf.Len()), Len: p.csize}
		buf.Write(raw)

		if spec.DataDescriptor {
			writeDataDescriptor(buf, p.crc, p.csize, p.usize)
		}
	}

	cdOffset := int64(buf.Len())
	for _, p := range entries {
		writeCentralDirEntry(buf, p.spec, p.crc, p.csize, p.usize, p.localOffset)
	}
	cdSize := int64(buf.Len()) - cdOffset

	if b.zip64 {
		zip64Offset := int64(buf.Len())
		writeZip64EndOfCentralDir(buf, int64(len(entries)), cdSize, cdOffset)
		writeZip64Locator(buf, zip64Offset)
		writeEndOfCentralDir(buf, math.MaxUint16, math.MaxUint32, math.MaxUint32, b.comment)
	} else {
		writeEndOfCentralDir(buf, len(entries), cdSize, cdOffset, b.comment)
	}

	return buf.Bytes()
}

// Deflate compresses data as a raw DEFLATE stream, for tests that build
// their own records.
func Deflate(data []byte) []byte {
	buf := new(bytes.Buffer)
	w, _ := flate.NewWriter(buf, flate.DefaultCompression)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func compressedBytes(spec EntrySpec) []byte {
	if spec.Raw != nil {
		return spec.Raw
	}
	if spec.Method == 8 {
		return Deflate(spec.Data)
	}
	return spec.Data
}

func flagsFor(spec EntrySpec) uint16 {
	var flags uint16
	if !spec.Legacy {
		flags |= format.FlagUTF8
	}
	if spec.DataDescriptor {
		flags |= format.FlagDataDescriptor
	}
	return flags | spec.ExtraFlags
}

func writeLocalHeader(buf *bytes.Buffer, spec EntrySpec, crc uint32, csize, usize int64) {
	method := spec.Method
	if spec.LocalMethod != nil {
		method = *spec.LocalMethod
	}

	// Data-descriptor entries carry placeholders here; the real values
	// follow the data.
	headerCRC, headerCSize, headerUSize := crc, uint32(csize), uint32(usize)
	if spec.DataDescriptor {
		headerCRC, headerCSize, headerUSize = 0, 0, 0
	}

	le := binary.LittleEndian
	var fixed [30]byte
	le.PutUint32(fixed[0:4], format.LocalFileHeaderSignature)
	le.PutUint16(fixed[4:6], 20)
	le.PutUint16(fixed[6:8], flagsFor(spec))
	le.PutUint16(fixed[8:10], method)
	le.PutUint16(fixed[10:12], dosTime)
	le.PutUint16(fixed[12:14], dosDate)
	le.PutUint32(fixed[14:18], headerCRC)
	le.PutUint32(fixed[18:22], headerCSize)
	le.PutUint32(fixed[22:26], headerUSize)
	le.PutUint16(fixed[26:28], uint16(len(spec.Name)))
	le.PutUint16(fixed[28:30], 0)

	buf.Write(fixed[:])
	buf.WriteString(spec.Name)
}

func writeDataDescriptor(buf *bytes.Buffer, crc uint32, csize, usize int64) {
	le := binary.LittleEndian
	var desc [16]byte
	le.PutUint32(desc[0:4], format.DataDescriptorSignature)
	le.PutUint32(desc[4:8], crc)
	le.PutUint32(desc[8:12], uint32(csize))
	le.PutUint32(desc[12:16], uint32(usize))
	buf.Write(desc[:])
}

func writeCentralDirEntry(buf *bytes.Buffer, spec EntrySpec, crc uint32, csize, usize, localOffset int64) {
	le := binary.LittleEndian

	var extra []byte
	cdCSize, cdUSize, cdOffset := uint32(csize), uint32(usize), uint32(localOffset)
	if spec.Zip64 {
		cdUSize, cdCSize, cdOffset = math.MaxUint32, math.MaxUint32, math.MaxUint32
		extra = make([]byte, 4+24)
		le.PutUint16(extra[0:2], format.Zip64ExtraTag)
		le.PutUint16(extra[2:4], 24)
		le.PutUint64(extra[4:12], uint64(usize))
		le.PutUint64(extra[12:20], uint64(csize))
		le.PutUint64(extra[20:28], uint64(localOffset))
	}

	externalAttrs := uint32(0644) << 16
	if len(spec.Name) > 0 && spec.Name[len(spec.Name)-1] == '/' {
		externalAttrs = uint32(0040755)<<16 | 0x10
	}

	var fixed [46]byte
	le.PutUint32(fixed[0:4], format.CentralDirectorySignature)
	le.PutUint16(fixed[4:6], 3<<8|20) // made by Unix
	le.PutUint16(fixed[6:8], 20)
	le.PutUint16(fixed[8:10], flagsFor(spec))
	le.PutUint16(fixed[10:12], spec.Method)
	le.PutUint16(fixed[12:14], dosTime)
	le.PutUint16(fixed[14:16], dosDate)
	le.PutUint32(fixed[16:20], crc)
	le.PutUint32(fixed[20:24], cdCSize)
	le.PutUint32(fixed[24:28], cdUSize)
	le.PutUint16(fixed[28:30], uint16(len(spec.Name)))
	le.PutUint16(fixed[30:32], uint16(len(extra)))
	le.PutUint16(fixed[32:34], uint16(len(spec.Comment)))
	le.PutUint16(fixed[34:36], 0) // disk number start
	le.PutUint16(fixed[36:38], 0)
	le.PutUint32(fixed[38:42], externalAttrs)
	le.PutUint32(fixed[42:46], cdOffset)

	buf.Write(fixed[:])
	buf.WriteString(spec.Name)
	buf.Write(extra)
	buf.WriteString(spec.Comment)
}

func writeEndOfCentralDir(buf *bytes.Buffer, entries int, cdSize, cdOffset int64, comment string) {
	le := binary.LittleEndian
	var fixed [22]byte
	le.PutUint32(fixed[0:4], format.EndOfCentralDirSignature)
	le.PutUint16(fixed[4:6], 0)
	le.PutUint16(fixed[6:8], 0)
	le.PutUint16(fixed[8:10], uint16(entries))
	le.PutUint16(fixed[10:12], uint16(entries))
	le.PutUint32(fixed[12:16], uint32(cdSize))
	le.PutUint32(fixed[16:20], uint32(cdOffset))
	le.PutUint16(fixed[20:22], uint16(len(comment)))
	buf.Write(fixed[:])
	buf.WriteString(comment)
}

func writeZip64EndOfCentralDir(buf *bytes.Buffer, entries, cdSize, cdOffset int64) {
	le := binary.LittleEndian
	var fixed [56]byte
	le.PutUint32(fixed[0:4], format.Zip64EndOfCentralDirSignature)
	le.PutUint64(fixed[4:12], 44) // record size after this field
	le.PutUint16(fixed[12:14], 45)
	le.PutUint16(fixed[14:16], 45)
	le.PutUint32(fixed[16:20], 0)
	le.PutUint32(fixed[20:24], 0)
	le.PutUint64(fixed[24:32], uint64(entries))
	le.PutUint64(fixed[32:40], uint64(entries))
	le.PutUint64(fixed[40:48], uint64(cdSize))
	le.PutUint64(fixed[48:56], uint64(cdOffset))
	buf.Write(fixed[:])
}

func writeZip64Locator(buf *bytes.Buffer, zip64Offset int64) {
	le := binary.LittleEndian
	var fixed [20]byte
	le.PutUint32(fixed[0:4], format.Zip64EndOfCentralDirLocatorSignature)
	le.PutUint32(fixed[4:8], 0)
	le.PutUint64(fixed[8:16], uint64(zip64Offset))
	le.PutUint32(fixed[16:20], 1)
	buf.Write(fixed[:])
}
