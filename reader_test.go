// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/goarchive/unzip/internal/format"
	"github.com/goarchive/unzip/internal/ziptest"
)

func openBytes(t *testing.T, data []byte, options ...Option) *Archive {
	t.Helper()
	a, err := OpenReader(bytes.NewReader(data), int64(len(data)), options...)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenReaderBasic(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	data := ziptest.New().
		AddDir("docs/").
		AddStored("docs/plain.txt", content).
		AddDeflated("docs/packed.txt", bytes.Repeat([]byte("abcd"), 256)).
		Comment("archive comment").
		Build()

	a := openBytes(t, data)

	if a.Comment() != "archive comment" {
		t.Errorf("Comment = %q", a.Comment())
	}

	entries := a.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	// Enumeration order follows the central directory.
	wantNames := []string{"docs", "docs/plain.txt", "docs/packed.txt"}
	for i, want := range wantNames {
		if entries[i].Name() != want {
			t.Errorf("entries[%d].Name = %q, want %q", i, entries[i].Name(), want)
		}
	}

	dir := entries[0]
	if !dir.IsDir() {
		t.Error("docs should be a directory")
	}

	plain := entries[1]
	if plain.IsDir() {
		t.Error("plain.txt should not be a directory")
	}
	if plain.Method() != Stored {
		t.Errorf("plain.txt method = %v, want Stored", plain.Method())
	}
	if plain.UncompressedSize() != int64(len(content)) {
		t.Errorf("plain.txt size = %d, want %d", plain.UncompressedSize(), len(content))
	}
	if !plain.IsUTF8() {
		t.Error("plain.txt should carry the UTF-8 flag")
	}

	got, err := plain.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: %q", got)
	}

	packed := entries[2]
	if packed.Method() != Deflated {
		t.Errorf("packed.txt method = %v, want Deflated", packed.Method())
	}
	got, err = packed.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte("abcd"), 256)) {
		t.Error("deflated content mismatch")
	}
}

func TestOpenReaderTooSmall(t *testing.T) {
	for _, n := range []int{0, 1, 21} {
		_, err := OpenReader(bytes.NewReader(make([]byte, n)), int64(n))
		if !errors.Is(err, ErrTooSmall) {
			t.Errorf("size %d: err = %v, want ErrTooSmall", n, err)
		}
	}
}

func TestOpenReaderNotAnArchive(t *testing.T) {
	junk := bytes.Repeat([]byte("A"), 1024)
	_, err := OpenReader(bytes.NewReader(junk), int64(len(junk)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestOpenReaderNilSource(t *testing.T) {
	if _, err := OpenReader(nil, 100); err == nil {
		t.Error("nil source: want error")
	}
	if _, err := OpenReader(bytes.NewReader(nil), -1); err == nil {
		t.Error("negative size: want error")
	}
}

// A comment containing EOCD signature bytes must not derail the scan:
// only the candidate whose comment length makes the record end exactly
// at the end of the file is the real one.
func TestEndOfCentralDirSignatureInComment(t *testing.T) {
	fakeEOCD := make([]byte, format.EndOfCentralDirLen)
	binary.LittleEndian.PutUint32(fakeEOCD[0:4], format.EndOfCentralDirSignature)
	binary.LittleEndian.PutUint16(fakeEOCD[8:10], 9999) // bogus entry count
	comment := "prefix " + string(fakeEOCD) + " suffix"

	data := ziptest.New().
		AddStored("a.txt", []byte("hello")).
		Comment(comment).
		Build()

	a := openBytes(t, data)
	if len(a.Entries()) != 1 {
		t.Fatalf("got %d entries, want 1", len(a.Entries()))
	}
	if a.Comment() != comment {
		t.Errorf("Comment = %q", a.Comment())
	}
}

func TestTrailingGarbageRejected(t *testing.T) {
	// Bytes appended after the EOCD record break the offset equation;
	// the archive must not be silently accepted with a stale directory.
	data := ziptest.New().AddStored("a.txt", []byte("hello")).Build()
	data = append(data, "trailing garbage"...)

	_, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestCentralDirEntryCountMismatch(t *testing.T) {
	data := ziptest.New().AddStored("a.txt", []byte("hello")).Build()

	// Inflate the EOCD entry counts; the walk must fail loudly instead
	// of trusting whatever bytes follow the last real record.
	eocd := len(data) - format.EndOfCentralDirLen
	binary.LittleEndian.PutUint16(data[eocd+8:eocd+10], 2)
	binary.LittleEndian.PutUint16(data[eocd+10:eocd+12], 2)

	_, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestCorruptCentralDirSignature(t *testing.T) {
	data := ziptest.New().AddStored("a.txt", []byte("hello")).Build()

	eocd := len(data) - format.EndOfCentralDirLen
	cdOffset := binary.LittleEndian.Uint32(data[eocd+16 : eocd+20])
	data[cdOffset] ^= 0xff

	_, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestEncryptedEntryRejected(t *testing.T) {
	data := ziptest.New().Add(ziptest.EntrySpec{
		Name:       "secret.txt",
		Data:       []byte("ciphertext"),
		ExtraFlags: format.FlagEncrypted,
	}).Build()

	_, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestZip64Archive(t *testing.T) {
	content := []byte("zip64 payload")
	data := ziptest.New().
		ForceZip64().
		Add(ziptest.EntrySpec{Name: "big.bin", Data: content, Zip64: true}).
		AddStored("small.txt", []byte("ok")).
		Build()

	a := openBytes(t, data)

	entries := a.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	big, err := a.Entry("big.bin")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if big.UncompressedSize() != int64(len(content)) {
		t.Errorf("size = %d, want %d", big.UncompressedSize(), len(content))
	}
	got, err := big.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("zip64 entry content mismatch")
	}
}

// A hostile Zip64 size field must surface as an error, not as an
// attempt to allocate the declared size.
func TestHugeDeclaredSizeFailsCleanly(t *testing.T) {
	data := ziptest.New().Add(ziptest.EntrySpec{
		Name:  "victim.bin",
		Data:  []byte("zip64 victim"),
		Zip64: true,
	}).Build()

	// Rewrite the uncompressed-size sub-field of the entry's Zip64
	// extra field (tag 0x0001, 24-byte payload) in the central
	// directory.
	marker := []byte{0x01, 0x00, 0x18, 0x00}
	idx := bytes.Index(data, marker)
	if idx < 0 {
		t.Fatal("zip64 extra field not found")
	}
	binary.LittleEndian.PutUint64(data[idx+4:idx+12], 1<<62)

	a := openBytes(t, data)
	e, err := a.Entry("victim.bin")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.UncompressedSize() != 1<<62 {
		t.Fatalf("declared size = %d", e.UncompressedSize())
	}

	_, err = e.Bytes()
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestZip64EntryCountDiskMismatch(t *testing.T) {
	data := ziptest.New().
		ForceZip64().
		AddStored("a.txt", []byte("hello")).
		Build()

	// The locator sits directly before the classic EOCD; its offset
	// field locates the Zip64 EOCD record.
	locator := len(data) - format.EndOfCentralDirLen - format.Zip64LocatorLen
	recordOffset := binary.LittleEndian.Uint64(data[locator+8 : locator+16])

	// Entries-on-this-disk disagreeing with the total means the
	// directory spans disks.
	entriesThisDisk := recordOffset + 24
	binary.LittleEndian.PutUint64(data[entriesThisDisk:entriesThisDisk+8], 2)

	_, err := OpenReader(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestDataDescriptorEntry(t *testing.T) {
	content := bytes.Repeat([]byte("stream"), 100)
	data := ziptest.New().Add(ziptest.EntrySpec{
		Name:           "streamed.bin",
		Data:           content,
		Method:         8,
		DataDescriptor: true,
	}).Build()

	a := openBytes(t, data)

	e, err := a.Entry("streamed.bin")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !e.HasDataDescriptor() {
		t.Error("HasDataDescriptor should be true")
	}

	// The local header holds zero placeholders; sizes and CRC must come
	// from the central directory.
	if e.UncompressedSize() != int64(len(content)) {
		t.Errorf("size = %d, want %d", e.UncompressedSize(), len(content))
	}
	got, err := e.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
}

func TestChecksumMismatch(t *testing.T) {
	b := ziptest.New().AddStored("a.txt", []byte("hello, world"))
	data := b.Build()

	r := b.DataRange("a.txt")
	data[r.Off] ^= 0xff

	a := openBytes(t, data)
	e, err := a.Entry("a.txt")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	_, err = e.Bytes()
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
}

func TestCorruptDeflateStream(t *testing.T) {
	b := ziptest.New().AddDeflated("a.bin", bytes.Repeat([]byte("payload"), 512))
	data := b.Build()

	r := b.DataRange("a.bin")
	// Damage the middle of the compressed stream.
	data[r.Off+r.Len/2] ^= 0xff

	a := openBytes(t, data)
	e, err := a.Entry("a.bin")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if _, err := e.Bytes(); err == nil {
		t.Fatal("corrupt deflate stream: want error")
	}
}

func TestLocalHeaderMethodMismatch(t *testing.T) {
	bogus := uint16(8)
	data := ziptest.New().Add(ziptest.EntrySpec{
		Name:        "a.txt",
		Data:        []byte("hello"),
		LocalMethod: &bogus,
	}).Build()

	a := openBytes(t, data)
	e, err := a.Entry("a.txt")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	_, err = e.Open()
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestUnknownCompressionMethod(t *testing.T) {
	raw := []byte("opaque compressed bytes")
	data := ziptest.New().Add(ziptest.EntrySpec{
		Name:   "exotic.bin",
		Data:   raw,
		Method: 14, // LZMA, not registered
		Raw:    raw,
	}).Build()

	a := openBytes(t, data)
	e, err := a.Entry("exotic.bin")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	_, err = e.Open()
	if !errors.Is(err, ErrAlgorithm) {
		t.Fatalf("err = %v, want ErrAlgorithm", err)
	}
}

func TestTruncatedEntryData(t *testing.T) {
	// A central directory claiming more data than the archive holds.
	b := ziptest.New().AddStored("a.txt", []byte("hello"))
	data := b.Build()

	eocd := len(data) - format.EndOfCentralDirLen
	cdOffset := binary.LittleEndian.Uint32(data[eocd+16 : eocd+20])
	// Compressed size field of the first central directory record.
	binary.LittleEndian.PutUint32(data[cdOffset+20:cdOffset+24], 1<<20)

	a := openBytes(t, data)
	e, err := a.Entry("a.txt")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	_, err = e.Open()
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestShortReadReportsSizeMismatch(t *testing.T) {
	// Uncompressed size larger than the actual stored data.
	b := ziptest.New().AddStored("a.txt", []byte("hello"))
	data := b.Build()

	eocd := len(data) - format.EndOfCentralDirLen
	cdOffset := binary.LittleEndian.Uint32(data[eocd+16 : eocd+20])
	binary.LittleEndian.PutUint32(data[cdOffset+24:cdOffset+28], 100)

	a := openBytes(t, data)
	e, err := a.Entry("a.txt")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	rc, err := e.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	_, err = io.ReadAll(rc)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestOpenReaderCanceledContext(t *testing.T) {
	data := ziptest.New().AddStored("a.txt", []byte("hello")).Build()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenReaderWithContext(ctx, bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOnEntryProcessed(t *testing.T) {
	data := ziptest.New().
		AddStored("a.txt", []byte("a")).
		AddStored("b.txt", []byte("b")).
		Build()

	var seen []string
	openBytes(t, data, OnEntryProcessed(func(e *Entry, err error) {
		if err == nil {
			seen = append(seen, e.Name())
		}
	}))

	if len(seen) != 2 || seen[0] != "a.txt" || seen[1] != "b.txt" {
		t.Errorf("callback saw %v", seen)
	}
}
