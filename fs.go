// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	_ fs.FS        = (*archiveFS)(nil)
	_ fs.StatFS    = (*archiveFS)(nil)
	_ fs.ReadDirFS = (*archiveFS)(nil)
)

// FS returns a read-only fs.FS view of the archive, suitable for
// fs.WalkDir, fs.ReadFile and friends. Content reads carry the same
// CRC-32 and length verification as extraction.
func (a *Archive) FS() fs.FS {
	return &archiveFS{a: a}
}

type archiveFS struct {
	a *Archive
}

// Open implements fs.FS.
func (afs *archiveFS) Open(name string) (fs.File, error) {
	entry, err := afs.getEntry(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if entry.isDir {
		return &fsDir{entry: entry, a: afs.a}, nil
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &fsFile{entry: entry, rc: rc}, nil
}

// Stat implements fs.StatFS.
func (afs *archiveFS) Stat(name string) (fs.FileInfo, error) {
	entry, err := afs.getEntry(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return fileInfoAdapter{entry}, nil
}

// ReadDir implements fs.ReadDirFS.
func (afs *archiveFS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := afs.Open(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	defer file.Close()

	dir, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return dir.ReadDir(-1)
}

// getEntry resolves a name to an Entry, handling the root directory and
// directories that exist only implicitly through their children.
func (afs *archiveFS) getEntry(name string) (*Entry, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}

	if name == "." {
		return &Entry{
			name:    ".",
			isDir:   true,
			mode:    fs.ModeDir | 0755,
			modTime: time.Now(),
			archive: afs.a,
		}, nil
	}

	if e, err := afs.a.Entry(name); err == nil {
		return e, nil
	}

	if afs.hasImplicitDir(name) {
		return &Entry{
			name:    name,
			isDir:   true,
			mode:    fs.ModeDir | 0755,
			modTime: time.Now(),
			archive: afs.a,
		}, nil
	}

	return nil, fs.ErrNotExist
}

func (afs *archiveFS) hasImplicitDir(name string) bool {
	prefix := name + "/"
	for _, e := range afs.a.entries {
		if strings.HasPrefix(e.name, prefix) {
			return true
		}
	}
	return false
}

// fsFile wraps a regular entry's content stream to satisfy fs.File.
type fsFile struct {
	entry *Entry
	rc    io.ReadCloser
}

func (f *fsFile) Stat() (fs.FileInfo, error) { return fileInfoAdapter{f.entry}, nil }
func (f *fsFile) Read(b []byte) (int, error) { return f.rc.Read(b) }
func (f *fsFile) Close() error               { return f.rc.Close() }

// fsDir wraps a directory entry to satisfy fs.ReadDirFile.
type fsDir struct {
	entry *Entry
	a     *Archive
	pos   int
}

func (d *fsDir) Stat() (fs.FileInfo, error) { return fileInfoAdapter{d.entry}, nil }
func (d *fsDir) Close() error               { return nil }
func (d *fsDir) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.entry.name, Err: fs.ErrInvalid}
}

// ReadDir scans the entry table for immediate children of this
// directory, synthesizing intermediate directories that only exist as
// path segments. Successive calls with n > 0 page through the listing.
func (d *fsDir) ReadDir(n int) ([]fs.DirEntry, error) {
	all := d.children()
	rest := all[min(d.pos, len(all)):]

	if n <= 0 {
		d.pos = len(all)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.pos += n
	return rest[:n], nil
}

func (d *fsDir) children() []fs.DirEntry {
	dirPath := d.entry.name
	if dirPath == "." {
		dirPath = ""
	} else if !strings.HasSuffix(dirPath, "/") {
		dirPath += "/"
	}

	seen := make(map[string]bool)
	var entries []fs.DirEntry

	for _, e := range d.a.entries {
		name := e.name
		if e.isDir {
			name += "/"
		}
		if !strings.HasPrefix(name, dirPath) {
			continue
		}

		rel := strings.TrimPrefix(name, dirPath)
		if rel == "" {
			continue
		}

		parts := strings.SplitN(rel, "/", 2)
		childName := parts[0]
		if childName == "" || seen[childName] {
			continue
		}
		seen[childName] = true

		isDir := e.isDir || (len(parts) > 1 && parts[1] != "")
		entries = append(entries, fsDirEntryAdapter{
			name:  childName,
			isDir: isDir,
			info:  fileInfoAdapter{e},
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries
}

type fileInfoAdapter struct{ e *Entry }

func (i fileInfoAdapter) Name() string       { return path.Base(i.e.name) }
func (i fileInfoAdapter) Size() int64        { return i.e.uncompressedSize }
func (i fileInfoAdapter) Mode() fs.FileMode  { return i.e.mode }
func (i fileInfoAdapter) ModTime() time.Time { return i.e.modTime }
func (i fileInfoAdapter) IsDir() bool        { return i.e.isDir }
func (i fileInfoAdapter) Sys() interface{}   { return nil }

type fsDirEntryAdapter struct {
	name  string
	isDir bool
	info  fs.FileInfo
}

func (e fsDirEntryAdapter) Name() string               { return e.name }
func (e fsDirEntryAdapter) IsDir() bool                { return e.isDir }
func (e fsDirEntryAdapter) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e fsDirEntryAdapter) Info() (fs.FileInfo, error) { return e.info, nil }
