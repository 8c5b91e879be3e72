// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// CompressionMethod identifies the compression algorithm of an archive
// entry, as recorded in its central directory header.
type CompressionMethod uint16

// Compression methods according to the ZIP specification. Stored and
// Deflated are decoded out of the box; ZStandard requires registering
// ZstdDecompressor via WithDecompressor. Anything else surfaces as
// ErrAlgorithm at extraction time.
const (
	Stored    CompressionMethod = 0  // No compression - data kept as-is
	Deflated  CompressionMethod = 8  // Raw DEFLATE stream (most common)
	ZStandard CompressionMethod = 93 // Zstandard compression
)

func (m CompressionMethod) String() string {
	switch m {
	case Stored:
		return "stored"
	case Deflated:
		return "deflate"
	case ZStandard:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

// Decompressor transforms compressed entry data back into raw data.
// Implementations receive the raw compressed byte stream, exactly
// compressed-size bytes long, and must not read past it.
type Decompressor interface {
	// Decompress returns a stream of uncompressed data.
	Decompress(src io.Reader) (io.ReadCloser, error)
}

type decompressorsMap map[CompressionMethod]Decompressor

// StoredDecompressor implements the "Store" method (no compression).
type StoredDecompressor struct{}

func (sd *StoredDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	if rc, ok := src.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(src), nil
}

// DeflateDecompressor implements the "Deflate" method over raw DEFLATE
// streams (no zlib or gzip wrapper).
type DeflateDecompressor struct{}

func (dd *DeflateDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(src), nil
}

// ZstdDecompressor implements the Zstandard method (93). It is not
// registered by default; pass WithDecompressor(ZStandard,
// new(ZstdDecompressor)) to OpenReader to enable it.
type ZstdDecompressor struct{}

func (zd *ZstdDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{zr}, nil
}

// zstdReadCloser adapts zstd.Decoder's Close (no error return) to
// io.ReadCloser.
type zstdReadCloser struct {
	d *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.d.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.d.Close()
	return nil
}
