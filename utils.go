// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/goarchive/unzip/internal/format"
)

// TextDecoder converts raw legacy-encoded name bytes to a string.
// Archives written before the UTF-8 flag existed store names in a
// single-byte encoding the format does not identify (CP437 on classic
// PC archivers). The package never guesses: without a decoder, legacy
// names pass through byte-for-byte.
type TextDecoder func([]byte) string

// decodeText materializes stored name/comment bytes as a string. The
// decoder applies only to entries that do not declare UTF-8.
func decodeText(raw []byte, flags uint16, decoder TextDecoder) string {
	if len(raw) == 0 {
		return ""
	}
	if flags&format.FlagUTF8 == 0 && decoder != nil {
		return decoder(raw)
	}
	return string(raw)
}

// contextReader wraps an io.Reader to make it respect context
// cancellation between reads.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (n int, err error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// msDosToTime converts the ZIP header's MS-DOS date/time fields
// (two-second resolution, no zone) to a UTC time.Time.
func msDosToTime(dosDate uint16, dosTime uint16) time.Time {
	day := dosDate & 0x1f
	month := (dosDate >> 5) & 0x0f
	year := int((dosDate>>9)&0x7f) + 1980
	second := (dosTime & 0x1f) * 2
	minute := (dosTime >> 5) & 0x3f
	hour := (dosTime >> 11) & 0x1f

	if month < 1 || month > 12 {
		month = 1
	}
	if day < 1 || day > 31 {
		day = 1
	}

	return time.Date(year, time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC)
}

// winFiletimeToTime converts a Windows FILETIME (100ns ticks since 1601)
// to a time.Time.
func winFiletimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}

	// 116444736000000000 is the number of 100ns intervals between
	// Jan 1, 1601 (UTC) and Jan 1, 1970 (UTC).
	const offset = 116444736000000000
	const ticksPerSecond = 10000000

	if ft < offset {
		diff := int64(offset - ft)
		seconds := -(diff / ticksPerSecond)
		nanos := -(diff % ticksPerSecond) * 100
		if nanos < 0 {
			seconds--
			nanos += 1000000000
		}
		return time.Unix(seconds, nanos).UTC()
	}

	diff := ft - offset
	seconds := int64(diff / ticksPerSecond)
	nanos := int64(diff%ticksPerSecond) * 100

	return time.Unix(seconds, nanos).UTC()
}

// ntfsModTime extracts the high-precision modification time from an
// NTFS timestamps extra field (tag 0x000A): 4 reserved bytes followed by
// attribute blocks, where attribute 1 holds mtime/atime/ctime as
// FILETIME values. Returns the zero time when absent or malformed.
func ntfsModTime(field []byte) time.Time {
	if len(field) < 4 {
		return time.Time{}
	}
	data := field[4:] // skip reserved

	for len(data) >= 4 {
		tag := binary.LittleEndian.Uint16(data[0:2])
		size := int(binary.LittleEndian.Uint16(data[2:4]))
		data = data[4:]
		if size > len(data) {
			break
		}
		if tag == 0x0001 && size >= 8 {
			return winFiletimeToTime(binary.LittleEndian.Uint64(data[0:8]))
		}
		data = data[size:]
	}
	return time.Time{}
}
