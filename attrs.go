// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"io/fs"
	"strings"

	"github.com/goarchive/unzip/internal/format"
)

// HostSystem identifies the system an entry was created on, from the
// high byte of the central directory's version-made-by field. It decides
// how the external attributes are interpreted.
type HostSystem uint8

const (
	HostSystemFAT    HostSystem = 0  // MS-DOS / FAT family (Windows archivers)
	HostSystemUNIX   HostSystem = 3  // Unix
	HostSystemNTFS   HostSystem = 10 // Windows NTFS
	HostSystemDarwin HostSystem = 19 // macOS
)

// IsUnix reports whether external attributes carry Unix mode bits in
// their high 16 bits.
func (s HostSystem) IsUnix() bool {
	return s == HostSystemUNIX || s == HostSystemDarwin
}

// IsWindows reports whether external attributes carry DOS attribute
// bits.
func (s HostSystem) IsWindows() bool {
	return s == HostSystemFAT || s == HostSystemNTFS
}

// Unix file type mask and types, as stored in the high bits of Unix
// external attributes.
const (
	s_IFMT   = 0xf000
	s_IFDIR  = 0x4000
	s_IFREG  = 0x8000
	s_IFLNK  = 0xa000
	s_IFSOCK = 0xc000
	s_IFIFO  = 0x1000
	s_IFCHR  = 0x2000
	s_IFBLK  = 0x6000
)

// DOS attribute bits.
const (
	dosReadOnly  = 0x01
	dosDirectory = 0x10
)

// entryMode maps a central directory entry's external attributes to an
// fs.FileMode, honouring the creator host system. Entries from unknown
// systems get conventional defaults (0644 files, 0755 directories).
func entryMode(entry format.CentralDirectory) fs.FileMode {
	var mode fs.FileMode
	hostSystem := HostSystem(entry.VersionMadeBy >> 8)
	nameIsDir := strings.HasSuffix(string(entry.Filename), "/")

	if hostSystem.IsUnix() {
		unixMode := entry.ExternalFileAttributes >> 16
		mode = fs.FileMode(unixMode & 0777)

		switch unixMode & s_IFMT {
		case s_IFDIR:
			mode |= fs.ModeDir
		case s_IFLNK:
			mode |= fs.ModeSymlink
		case s_IFSOCK:
			mode |= fs.ModeSocket
		case s_IFIFO:
			mode |= fs.ModeNamedPipe
		case s_IFCHR:
			mode |= fs.ModeCharDevice
		case s_IFBLK:
			mode |= fs.ModeDevice
		default:
			if nameIsDir {
				mode |= fs.ModeDir
			}
		}
		return mode
	}

	if hostSystem.IsWindows() {
		isDir := nameIsDir || entry.ExternalFileAttributes&dosDirectory != 0

		if isDir {
			mode = 0755 | fs.ModeDir
		} else {
			mode = 0644
		}

		if entry.ExternalFileAttributes&dosReadOnly != 0 {
			mode &^= 0222
		}
		return mode
	}

	if nameIsDir {
		return 0755 | fs.ModeDir
	}
	return 0644
}
